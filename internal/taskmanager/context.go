package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
)

// TaskHandler processes one claimed task.
type TaskHandler interface {
	HandleTask(ctx context.Context, tc *TaskContext) error
}

// TaskHandlerFunc ...
type TaskHandlerFunc func(ctx context.Context, tc *TaskContext) error

// HandleTask ...
func (f TaskHandlerFunc) HandleTask(ctx context.Context, tc *TaskContext) error {
	return f(ctx, tc)
}

// TaskContext is the handler's view of a claimed task. Progress written
// through it is checked against the claim, so a canceled or reclaimed task
// surfaces as taskstore.ErrNotOwner.
type TaskContext struct {
	task    *models.Task
	repo    taskstore.Repository
	events  EventPublisher
	metrics *runtimeMetrics
	ctx     context.Context
	owner   string
	offset  int
	mu      sync.Mutex
}

func newTaskContext(ctx context.Context, task *models.Task, owner string, r *Runtime) *TaskContext {
	return &TaskContext{
		ctx:     ctx,
		task:    task.Clone(),
		repo:    r.repo,
		events:  r.events,
		metrics: r.metrics,
		owner:   owner,
		offset:  task.TotalProcessedCount,
	}
}

// Task returns a copy of the task as last seen by this runtime.
func (tc *TaskContext) Task() *models.Task {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.task.Clone()
}

// Scope ...
func (tc *TaskContext) Scope() models.Condition {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.task.Scope.Clone()
}

// Offset is the number of items already processed when this claim started.
// A reclaimed task resumes after them.
func (tc *TaskContext) Offset() int {
	return tc.offset
}

// Items returns the work items still to process, starting at Offset.
func (tc *TaskContext) Items() []models.WorkItem {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.offset >= len(tc.task.Body) {
		return nil
	}
	return tc.task.Body[tc.offset:]
}

// Processed ...
func (tc *TaskContext) Processed() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.task.TotalProcessedCount
}

// Canceled reports whether the task was canceled or its claim was lost.
func (tc *TaskContext) Canceled() bool {
	return tc.ctx.Err() != nil
}

// ProcessItem runs fn for the item at index and counts it as processed in the
// same transaction. Items must be processed in body order; an index already
// counted is a no-op.
func (tc *TaskContext) ProcessItem(ctx context.Context, index int, fn taskstore.ItemFunc) error {
	if err := tc.checkActive(); err != nil {
		return err
	}
	processed := tc.Processed()
	if index < processed {
		return nil
	}
	if index > processed {
		return fmt.Errorf("%w: index %d, processed %d", ErrItemOutOfOrder, index, processed)
	}

	var itemErr error
	n, err := tc.repo.RecordItem(ctx, tc.task.ID, tc.owner, func(ctx context.Context, tx taskstore.Tx) error {
		itemErr = fn(ctx, tx)
		return itemErr
	})
	if err != nil {
		if itemErr != nil {
			return err
		}
		return claimLost(err)
	}
	tc.advance(n)
	return nil
}

// SkipItem counts the item at index as processed without a domain write.
func (tc *TaskContext) SkipItem(ctx context.Context, index int, cause error) error {
	if err := tc.checkActive(); err != nil {
		return err
	}
	if index < tc.Processed() {
		return nil
	}

	tc.mu.Lock()
	worker, kind, id := tc.task.TargetWorker, tc.task.Kind, tc.task.ID
	tc.mu.Unlock()

	log.WithFields(log.Fields{
		"task_id": id,
		"index":   index,
		"code":    models.ErrorCodeSkippableItemError,
	}).WithError(cause).Warn("skipping work item")
	tc.metrics.itemsSkipped.WithLabelValues(worker, kind).Inc()

	return tc.ReportProgress(ctx, index+1)
}

// ReportProgress records processed as the absolute processed count. The store
// keeps the counter monotonic and bounded by the queued count.
func (tc *TaskContext) ReportProgress(ctx context.Context, processed int) error {
	if err := tc.checkActive(); err != nil {
		return err
	}
	task, err := tc.repo.UpdateProgress(ctx, tc.task.ID, tc.owner, processed, models.TaskStatusProcessing, nil)
	if err != nil {
		return claimLost(err)
	}
	tc.advance(task.TotalProcessedCount)
	return nil
}

func (tc *TaskContext) advance(processed int) {
	tc.mu.Lock()
	if processed > tc.task.TotalProcessedCount {
		tc.task.TotalProcessedCount = processed
	}
	tc.task.Status = models.TaskStatusProcessing
	snapshot := tc.task.Clone()
	tc.mu.Unlock()

	publishProgress(tc.ctx, tc.events, snapshot)
}

// claimLostError marks a store answer meaning this runtime no longer owns the
// task. Errors produced by handler code never carry it.
type claimLostError struct {
	err error
}

func (e *claimLostError) Error() string {
	return e.err.Error()
}

func (e *claimLostError) Unwrap() error {
	return e.err
}

func claimLost(err error) error {
	if errors.Is(err, taskstore.ErrNotOwner) || errors.Is(err, taskstore.ErrTaskNotFound) {
		return &claimLostError{err: err}
	}
	return err
}

func isClaimLost(err error) bool {
	var c *claimLostError
	return errors.As(err, &c)
}

func (tc *TaskContext) checkActive() error {
	if tc.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(tc.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return tc.ctx.Err()
}
