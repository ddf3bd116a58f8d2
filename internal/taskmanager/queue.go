package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"taskhub/internal/broker"
	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
	"taskhub/internal/retry"
)

// EventPublisher is the part of the event gateway the task layer needs.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// PublishRequest describes a task to enqueue.
type PublishRequest struct {
	Scope              models.Condition  `json:"scope"`
	TargetWorker       string            `json:"target_worker" validate:"required"`
	Kind               string            `json:"kind" validate:"required"`
	Source             models.Source     `json:"source" validate:"omitempty,oneof=USER BOT SYSTEM"`
	ProcessDescription string            `json:"process_description"`
	Body               []models.WorkItem `json:"body" validate:"required,min=1"`
	Metadata           []models.Metadata `json:"metadata"`
}

// DefaultNotifyRetry is the retry policy of worker notifications.
func DefaultNotifyRetry() retry.Config {
	return retry.Config{
		MaxRetries:     2,
		Delay:          50 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       200 * time.Millisecond,
		ThrowLastError: true,
		Retryable: func(err error) bool {
			return errors.Is(err, broker.ErrUnavailable)
		},
	}
}

// Queue is the producer side: it writes tasks and notifies workers.
type Queue struct {
	repo        taskstore.Repository
	events      EventPublisher
	validate    *validator.Validate
	notifier    notifier
	notifyRetry retry.Config
}

// QueueOption ...
type QueueOption func(*Queue)

// WithNotifyRetry replaces the retry policy of worker notifications.
func WithNotifyRetry(cfg retry.Config) QueueOption {
	return func(q *Queue) {
		q.notifyRetry = cfg
	}
}

// NewQueue ...
func NewQueue(repo taskstore.Repository, b broker.Broker, keys broker.Keys, events EventPublisher, opts ...QueueOption) *Queue {
	q := &Queue{
		repo:        repo,
		events:      events,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		notifier:    notifier{broker: b, codec: broker.JSONCodec{}, keys: keys},
		notifyRetry: DefaultNotifyRetry(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.notifyRetry.ThrowLastError = true
	return q
}

// notify publishes a worker notification under the retry policy.
func (q *Queue) notify(ctx context.Context, targetWorker, op string, taskID int64) error {
	return retry.Exec(ctx, func(ctx context.Context) error {
		return q.notifier.notify(ctx, targetWorker, op, taskID)
	}, q.notifyRetry)
}

// Publish stores a QUEUED task and notifies its worker channel. When only the
// notification fails the task id is returned together with ErrBrokerUnavailable.
func (q *Queue) Publish(ctx context.Context, req PublishRequest) (int64, error) {
	if err := q.validate.Struct(req); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	for i, item := range req.Body {
		if len(item.Payload) == 0 || !json.Valid(item.Payload) {
			return 0, fmt.Errorf("%w: body[%d] payload is not valid JSON", ErrInvalidTask, i)
		}
	}

	source := req.Source
	if source == "" {
		source = models.SourceUser
	}

	task := &models.Task{
		TargetWorker:       req.TargetWorker,
		Kind:               req.Kind,
		Source:             source,
		Scope:              req.Scope.Clone(),
		Body:               req.Body,
		Metadata:           req.Metadata,
		ProcessDescription: req.ProcessDescription,
	}
	if err := q.repo.AddTask(ctx, task); err != nil {
		return 0, fmt.Errorf("failed to store task: %w", err)
	}

	logger := log.WithFields(log.Fields{
		"task_id":       task.ID,
		"target_worker": task.TargetWorker,
		"kind":          task.Kind,
		"items":         task.TotalQueuedCount,
	})

	publishProgress(ctx, q.events, task)

	if err := q.notify(ctx, task.TargetWorker, opTask, task.ID); err != nil {
		logger.WithError(err).Warn("task stored but worker notification failed")
		return task.ID, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	logger.Info("task published")
	return task.ID, nil
}

// Get ...
func (q *Queue) Get(ctx context.Context, id int64) (*models.Task, error) {
	return q.repo.GetTask(ctx, id)
}

// List ...
func (q *Queue) List(ctx context.Context, filter taskstore.Filter) ([]models.Task, error) {
	return q.repo.ListTasks(ctx, filter)
}

// Cancel moves a QUEUED or PROCESSING task to CANCELED and asks the owning
// runtime to stop its handler.
func (q *Queue) Cancel(ctx context.Context, id int64) (*models.Task, error) {
	task, err := q.repo.CancelTask(ctx, id)
	if err != nil {
		return nil, err
	}

	publishProgress(ctx, q.events, task)

	if err = q.notify(ctx, task.TargetWorker, opCancel, task.ID); err != nil {
		log.WithFields(log.Fields{
			"task_id": task.ID,
		}).WithError(err).Warn("task canceled but cancel notification failed")
	}

	log.WithFields(log.Fields{
		"task_id":   task.ID,
		"processed": task.TotalProcessedCount,
	}).Info("task canceled")
	return task, nil
}

// publishProgress emits a taskProgress event for task. Failures are logged;
// progress events are advisory and never change task state.
func publishProgress(ctx context.Context, events EventPublisher, task *models.Task) {
	if events == nil {
		return
	}
	ev, err := models.ProgressEvent(task)
	if err == nil {
		err = events.Publish(ctx, ev)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"task_id": task.ID,
			"status":  task.Status,
		}).WithError(err).Warn("failed to publish task progress event")
	}
}
