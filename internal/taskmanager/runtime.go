package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"taskhub/internal/broker"
	"taskhub/internal/models"
	"taskhub/internal/observability"
	"taskhub/internal/repository/taskstore"
)

// const ...
const (
	defaultConcurrency     = 2
	defaultMaxInFlight     = 10
	defaultPollInterval    = 5 * time.Second
	defaultLeaseTTL        = 30 * time.Second
	defaultReaperInterval  = 10 * time.Second
	defaultReaperBatch     = 100
	defaultCleanupInterval = time.Hour
	defaultRetention       = 30 * 24 * time.Hour
	resubscribePause       = time.Second
)

// Config ...
type Config struct {
	Registerer prometheus.Registerer
	Namespace  string
	// Concurrency is the number of claim loops per registered worker.
	Concurrency int
	// MaxInFlight bounds tasks processed at once by this runtime.
	MaxInFlight     int64
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	ReaperInterval  time.Duration
	ReaperBatch     int
	CleanupInterval time.Duration
	// RetentionPeriod <= 0 disables the retention cleaner.
	RetentionPeriod time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Concurrency:     defaultConcurrency,
		MaxInFlight:     defaultMaxInFlight,
		PollInterval:    defaultPollInterval,
		LeaseTTL:        defaultLeaseTTL,
		ReaperInterval:  defaultReaperInterval,
		ReaperBatch:     defaultReaperBatch,
		CleanupInterval: defaultCleanupInterval,
		RetentionPeriod: defaultRetention,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = d.ReaperInterval
	}
	if c.ReaperBatch <= 0 {
		c.ReaperBatch = d.ReaperBatch
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
}

// Runtime claims and processes tasks for the workers registered on it.
type Runtime struct {
	repo     taskstore.Repository
	broker   broker.Broker
	events   EventPublisher
	metrics  *runtimeMetrics
	sem      *semaphore.Weighted
	workers  map[string]map[string]TaskHandler
	inflight map[int64]context.CancelCauseFunc
	cancel   context.CancelFunc
	group    *errgroup.Group
	notifier notifier
	id       string
	cfg      Config
	mu       sync.RWMutex
	flightMu sync.Mutex
	started  atomic.Bool
}

// NewRuntime ...
func NewRuntime(repo taskstore.Repository, b broker.Broker, keys broker.Keys, events EventPublisher, cfg Config) (*Runtime, error) {
	cfg.applyDefaults()
	m, err := newRuntimeMetrics(cfg.Registerer, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime metrics: %w", err)
	}

	return &Runtime{
		repo:     repo,
		broker:   b,
		events:   events,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		workers:  make(map[string]map[string]TaskHandler),
		inflight: make(map[int64]context.CancelCauseFunc),
		notifier: notifier{broker: b, codec: broker.JSONCodec{}, keys: keys},
		id:       uuid.NewString(),
		cfg:      cfg,
	}, nil
}

// ID is the owner token prefix of this runtime.
func (r *Runtime) ID() string {
	return r.id
}

// Subscribe registers handlers by kind for targetWorker. It must be called
// before Start; repeated calls merge the handler maps.
func (r *Runtime) Subscribe(targetWorker string, handlers map[string]TaskHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() {
		return ErrRuntimeStarted
	}

	registry, ok := r.workers[targetWorker]
	if !ok {
		registry = make(map[string]TaskHandler, len(handlers))
		r.workers[targetWorker] = registry
	}
	for kind, h := range handlers {
		registry[kind] = h
	}
	log.WithFields(log.Fields{
		"target_worker": targetWorker,
		"kinds":         len(handlers),
	}).Info("worker handlers registered")
	return nil
}

// Workers returns the registered target worker names.
func (r *Runtime) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Start launches the claim loops, the lease reaper and the retention cleaner.
// It returns immediately; Stop waits for everything to finish.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started.Load() {
		r.mu.Unlock()
		return ErrRuntimeStarted
	}
	r.started.Store(true)
	workers := make([]string, 0, len(r.workers))
	for w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	r.cancel = cancel
	r.group = group

	for _, worker := range workers {
		worker := worker
		wake := make(chan struct{}, 1)

		group.Go(func() error {
			r.listen(groupCtx, worker, wake)
			return nil
		})
		for i := 0; i < r.cfg.Concurrency; i++ {
			owner := fmt.Sprintf("%s/%s/%d", r.id, worker, i)
			group.Go(func() error {
				r.claimLoop(groupCtx, worker, owner, wake)
				return nil
			})
		}
	}

	group.Go(func() error {
		r.reaperLoop(groupCtx)
		return nil
	})
	if r.cfg.RetentionPeriod > 0 {
		group.Go(func() error {
			r.cleanerLoop(groupCtx)
			return nil
		})
	}

	log.WithFields(log.Fields{
		"runtime_id":  r.id,
		"workers":     len(workers),
		"concurrency": r.cfg.Concurrency,
	}).Info("task runtime started")
	return nil
}

// Stop cancels every loop and in-flight handler and waits for them.
func (r *Runtime) Stop() {
	if r.cancel == nil {
		return
	}
	log.Info("Initiating task runtime shutdown")
	r.cancel()
	if err := r.group.Wait(); err != nil {
		log.WithError(err).Error("task runtime stopped with error")
	}
	log.Info("task runtime stopped")
}

// listen turns worker channel notifications into wake-ups and cancellations.
// Notifications are hints: a lost one is covered by the poll interval.
func (r *Runtime) listen(ctx context.Context, worker string, wake chan<- struct{}) {
	for ctx.Err() == nil {
		sub, err := r.broker.Subscribe(ctx, r.notifier.keys.Worker(worker))
		if err != nil {
			log.WithField("target_worker", worker).WithError(err).Warn("worker channel subscribe failed, polling only")
			if !sleepCtx(ctx, resubscribePause) {
				return
			}
			continue
		}
		r.consume(ctx, sub, worker, wake)
		_ = sub.Close()
	}
}

func (r *Runtime) consume(ctx context.Context, sub broker.Subscription, worker string, wake chan<- struct{}) {
	codec := r.notifier.codec
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				log.WithField("target_worker", worker).Warn("worker channel subscription ended")
				return
			}
			var n notification
			if err := codec.Decode(msg.Payload, &n); err != nil {
				log.WithError(err).Warn("failed to decode worker notification")
				continue
			}
			switch n.Op {
			case opCancel:
				r.cancelInFlight(n.TaskID, ErrTaskCanceled)
			default:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (r *Runtime) claimLoop(ctx context.Context, worker, owner string, wake <-chan struct{}) {
	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		task, err := r.repo.ClaimTask(ctx, worker, owner, r.cfg.LeaseTTL)
		if err == nil {
			r.process(ctx, owner, task)
			r.sem.Release(1)
			continue
		}
		r.sem.Release(1)

		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, taskstore.ErrNoTasks) {
			log.WithFields(log.Fields{
				"target_worker": worker,
			}).WithError(err).Error("Failed to claim task")
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// process runs one claimed task to a terminal state unless the claim is lost
// or the task is canceled, in which case the row is left alone.
func (r *Runtime) process(ctx context.Context, owner string, task *models.Task) {
	start := time.Now()
	r.metrics.inFlight.Inc()
	defer r.metrics.inFlight.Dec()

	spanCtx, span := observability.StartSpan(ctx, "task.process",
		attribute.Int64("task.id", task.ID),
		attribute.String("task.worker", task.TargetWorker),
		attribute.String("task.kind", task.Kind),
		attribute.Int("task.attempts", task.Attempts),
	)
	defer span.End()

	taskCtx, cancel := context.WithCancelCause(spanCtx)
	defer cancel(nil)
	r.trackInFlight(task.ID, cancel)
	defer r.untrackInFlight(task.ID)

	logger := log.WithFields(log.Fields{
		"task_id":       task.ID,
		"target_worker": task.TargetWorker,
		"kind":          task.Kind,
		"offset":        task.TotalProcessedCount,
		"attempts":      task.Attempts,
	})
	logger.Info("task claimed")

	stopHeartbeat := r.heartbeat(taskCtx, cancel, task.ID, owner)
	defer stopHeartbeat()

	publishProgress(taskCtx, r.events, task)

	tc := newTaskContext(taskCtx, task, owner, r)
	status, lastErr := r.run(taskCtx, tc)

	if status == "" {
		cause := context.Cause(taskCtx)
		logger.WithField("processed", tc.Processed()).WithError(cause).Info("task released without terminal state")
		span.SetStatus(codes.Unset, "released")
		r.observe(task, "released", start)
		return
	}

	processed := tc.Processed()
	if status == models.TaskStatusFinished {
		processed = task.TotalQueuedCount
	}

	final, err := r.repo.UpdateProgress(ctx, task.ID, owner, processed, status, lastErr)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotOwner) {
			logger.Info("task changed by another party before completion, result dropped")
		} else {
			logger.WithError(err).Error("Failed to store final task state")
		}
		r.observe(task, "released", start)
		return
	}

	publishProgress(ctx, r.events, final)

	fields := log.Fields{"processed": final.TotalProcessedCount, "duration": time.Since(start)}
	if lastErr != nil {
		span.SetStatus(codes.Error, lastErr.Message)
		logger.WithFields(fields).WithField("code", lastErr.Code).Error(lastErr.Message)
	} else {
		logger.WithFields(fields).Info("task finished")
	}
	r.observe(task, string(status), start)
}

// run dispatches to the handler. An empty status means the task must be left
// as it is: canceled, reclaimed or interrupted by shutdown.
func (r *Runtime) run(ctx context.Context, tc *TaskContext) (models.TaskStatus, *models.TaskError) {
	task := tc.task
	r.mu.RLock()
	handler, ok := r.workers[task.TargetWorker][task.Kind]
	r.mu.RUnlock()

	if !ok {
		r.metrics.missingHandler.WithLabelValues(task.TargetWorker, task.Kind).Inc()
		return models.TaskStatusErrored, &models.TaskError{
			Code:    models.ErrorCodeUnknownKind,
			Message: fmt.Sprintf("%v: %s/%s", ErrUnknownKind, task.TargetWorker, task.Kind),
		}
	}

	err := invoke(ctx, handler, tc)
	if ctx.Err() != nil || (err != nil && isClaimLost(err)) {
		return "", nil
	}
	if err != nil {
		return models.TaskStatusErrored, &models.TaskError{
			Code:    models.ErrorCodeHandlerError,
			Message: err.Error(),
		}
	}
	return models.TaskStatusFinished, nil
}

func invoke(ctx context.Context, h TaskHandler, tc *TaskContext) (err error) {
	defer func() {
		if v := recover(); v != nil {
			log.WithFields(log.Fields{
				"task_id": tc.task.ID,
				"panic":   v,
			}).Error("task handler panicked")
			err = &panicError{value: v}
		}
	}()
	return h.HandleTask(ctx, tc)
}

// heartbeat extends the lease every LeaseTTL/3 and cancels the task context
// once the lease is lost.
func (r *Runtime) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, id int64, owner string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := r.cfg.LeaseTTL / 3
		if interval <= 0 {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.repo.ExtendLease(ctx, id, owner, r.cfg.LeaseTTL)
				if errors.Is(err, taskstore.ErrNotOwner) {
					cancel(ErrLeaseLost)
					return
				}
				if err != nil && ctx.Err() == nil {
					log.WithField("task_id", id).WithError(err).Warn("Failed to extend task lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *Runtime) trackInFlight(id int64, cancel context.CancelCauseFunc) {
	r.flightMu.Lock()
	r.inflight[id] = cancel
	r.flightMu.Unlock()
}

func (r *Runtime) untrackInFlight(id int64) {
	r.flightMu.Lock()
	delete(r.inflight, id)
	r.flightMu.Unlock()
}

func (r *Runtime) cancelInFlight(id int64, cause error) {
	r.flightMu.Lock()
	cancel, ok := r.inflight[id]
	r.flightMu.Unlock()
	if ok {
		log.WithField("task_id", id).Info("canceling in-flight task")
		cancel(cause)
	}
}

func (r *Runtime) observe(task *models.Task, status string, start time.Time) {
	r.metrics.taskProcessingDuration.WithLabelValues(task.TargetWorker, task.Kind, status).Observe(time.Since(start).Seconds())
	r.metrics.tasksProcessed.WithLabelValues(task.TargetWorker, task.Kind, status).Inc()
}

// reaperLoop returns tasks with expired leases to the queue.
func (r *Runtime) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.requeueExpired(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Failed to requeue expired tasks")
			}
		}
	}
}

func (r *Runtime) requeueExpired(ctx context.Context) error {
	tasks, err := r.repo.RequeueExpired(ctx, time.Now(), r.cfg.ReaperBatch)
	if err != nil {
		return fmt.Errorf("failed to requeue expired tasks: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		r.metrics.requeued.Inc()
		log.WithFields(log.Fields{
			"task_id":       task.ID,
			"target_worker": task.TargetWorker,
			"processed":     task.TotalProcessedCount,
		}).Warn("task lease expired, requeued")

		publishProgress(ctx, r.events, task)
		if err = r.notifier.notify(ctx, task.TargetWorker, opTask, task.ID); err != nil {
			log.WithField("task_id", task.ID).WithError(err).Warn("failed to notify worker of requeued task")
		}
	}
	return nil
}

// cleanerLoop deletes terminal tasks older than the retention period.
func (r *Runtime) cleanerLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.repo.DeleteFinishedTasks(ctx, time.Now().Add(-r.cfg.RetentionPeriod))
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("Failed to clean finished tasks")
				}
				continue
			}
			r.metrics.cleaned.Add(float64(count))
			log.WithField("count", count).Info("Cleaned finished tasks")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
