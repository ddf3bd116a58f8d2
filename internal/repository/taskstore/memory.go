package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"taskhub/internal/models"
)

// memoryRepository keeps tasks in process memory. It is used by tests and by
// single-process development setups; claims are serialized by one mutex.
type memoryRepository struct {
	tasks  map[int64]*models.Task
	now    func() time.Time
	nextID int64
	mu     sync.Mutex
}

// MemoryOption ...
type MemoryOption func(*memoryRepository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *memoryRepository) {
		r.now = now
	}
}

// NewMemoryRepository ...
func NewMemoryRepository(opts ...MemoryOption) Repository {
	r := &memoryRepository{
		tasks: make(map[int64]*models.Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddTask ...
func (r *memoryRepository) AddTask(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	task.ID = r.nextID
	task.Status = models.TaskStatusQueued
	task.RequestedAt = r.now()
	task.TotalQueuedCount = len(task.Body)
	task.TotalProcessedCount = 0
	r.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask ...
func (r *memoryRepository) GetTask(_ context.Context, id int64) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListTasks ...
func (r *memoryRepository) ListTasks(_ context.Context, filter Filter) ([]models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[models.TaskStatus]struct{}, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = struct{}{}
	}

	var out []models.Task
	for _, t := range r.tasks {
		if filter.TargetWorker != "" && t.TargetWorker != filter.TargetWorker {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[t.Status]; !ok {
				continue
			}
		}
		if !filter.Scope.Matches(t.Scope) {
			continue
		}
		out = append(out, *t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimTask ...
func (r *memoryRepository) ClaimTask(_ context.Context, targetWorker, owner string, lease time.Duration) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *models.Task
	for _, t := range r.tasks {
		if t.Status != models.TaskStatusQueued || t.TargetWorker != targetWorker {
			continue
		}
		if oldest == nil || t.RequestedAt.Before(oldest.RequestedAt) ||
			(t.RequestedAt.Equal(oldest.RequestedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, ErrNoTasks
	}

	now := r.now()
	expires := now.Add(lease)
	oldest.Status = models.TaskStatusProcessing
	if oldest.StartedAt == nil {
		oldest.StartedAt = &now
	}
	oldest.ClaimedBy = owner
	oldest.LeaseExpiresAt = &expires
	oldest.Attempts++
	return oldest.Clone(), nil
}

// RecordItem ...
func (r *memoryRepository) RecordItem(ctx context.Context, id int64, owner string, fn ItemFunc) (int, error) {
	if _, err := r.owned(id, owner); err != nil {
		return 0, err
	}

	if err := fn(ctx, memoryTx{}); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if t, ok := r.tasks[id]; ok {
			return t.TotalProcessedCount, err
		}
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return 0, ErrTaskNotFound
	}
	if t.Status != models.TaskStatusProcessing || t.ClaimedBy != owner {
		return t.TotalProcessedCount, ErrNotOwner
	}
	if t.TotalProcessedCount < t.TotalQueuedCount {
		t.TotalProcessedCount++
	}
	return t.TotalProcessedCount, nil
}

// UpdateProgress ...
func (r *memoryRepository) UpdateProgress(_ context.Context, id int64, owner string, processed int, status models.TaskStatus, lastErr *models.TaskError) (*models.Task, error) {
	if !progressStatusAllowed(status) {
		return nil, ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != models.TaskStatusProcessing || t.ClaimedBy != owner {
		return nil, ErrNotOwner
	}

	t.TotalProcessedCount = clampProcessed(t.TotalProcessedCount, processed, t.TotalQueuedCount)
	t.Status = status
	t.LastError = nil
	if lastErr != nil {
		e := *lastErr
		t.LastError = &e
	}
	if status.IsTerminal() {
		now := r.now()
		t.FinishedAt = &now
		t.ClaimedBy = ""
		t.LeaseExpiresAt = nil
	}
	return t.Clone(), nil
}

// CancelTask ...
func (r *memoryRepository) CancelTask(_ context.Context, id int64) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !models.CanTransition(t.Status, models.TaskStatusCanceled) {
		return nil, ErrInvalidTransition
	}

	now := r.now()
	t.Status = models.TaskStatusCanceled
	t.FinishedAt = &now
	t.ClaimedBy = ""
	t.LeaseExpiresAt = nil
	return t.Clone(), nil
}

// ExtendLease ...
func (r *memoryRepository) ExtendLease(_ context.Context, id int64, owner string, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != models.TaskStatusProcessing || t.ClaimedBy != owner {
		return ErrNotOwner
	}
	expires := r.now().Add(lease)
	t.LeaseExpiresAt = &expires
	return nil
}

// RequeueExpired ...
func (r *memoryRepository) RequeueExpired(_ context.Context, now time.Time, limit int) ([]models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*models.Task
	for _, t := range r.tasks {
		if t.Status == models.TaskStatusProcessing && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now) {
			expired = append(expired, t)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	out := make([]models.Task, 0, len(expired))
	for _, t := range expired {
		t.Status = models.TaskStatusQueued
		t.ClaimedBy = ""
		t.LeaseExpiresAt = nil
		out = append(out, *t.Clone())
	}
	return out, nil
}

// DeleteFinishedTasks ...
func (r *memoryRepository) DeleteFinishedTasks(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && t.FinishedAt != nil && t.FinishedAt.Before(olderThan) {
			delete(r.tasks, id)
			count++
		}
	}
	return count, nil
}

// Ping ...
func (r *memoryRepository) Ping(context.Context) error {
	return nil
}

func (r *memoryRepository) owned(id int64, owner string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != models.TaskStatusProcessing || t.ClaimedBy != owner {
		return nil, ErrNotOwner
	}
	return t, nil
}

type memoryTx struct{}

func (memoryTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrTxUnsupported
}

func (memoryTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrTxUnsupported
}

func (memoryTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: ErrTxUnsupported}
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
