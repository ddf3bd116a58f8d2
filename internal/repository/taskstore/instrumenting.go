package taskstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"taskhub/internal/models"
)

// instrumentingMiddleware wraps Repository and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	svc         Repository
}

// observe records one call. ErrNoTasks is an expected outcome of polling and
// is not counted as an error.
func (s *instrumentingMiddleware) observe(method string, startTime time.Time, err error) {
	failed := err != nil && !errors.Is(err, ErrNoTasks)
	labels := []string{
		"method", method,
		"error", strconv.FormatBool(failed),
	}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
}

// AddTask ...
func (s *instrumentingMiddleware) AddTask(ctx context.Context, task *models.Task) (err error) {
	defer func(startTime time.Time) { s.observe("AddTask", startTime, err) }(time.Now())
	return s.svc.AddTask(ctx, task)
}

// GetTask ...
func (s *instrumentingMiddleware) GetTask(ctx context.Context, id int64) (task *models.Task, err error) {
	defer func(startTime time.Time) { s.observe("GetTask", startTime, err) }(time.Now())
	return s.svc.GetTask(ctx, id)
}

// ListTasks ...
func (s *instrumentingMiddleware) ListTasks(ctx context.Context, filter Filter) (tasks []models.Task, err error) {
	defer func(startTime time.Time) { s.observe("ListTasks", startTime, err) }(time.Now())
	return s.svc.ListTasks(ctx, filter)
}

// ClaimTask ...
func (s *instrumentingMiddleware) ClaimTask(ctx context.Context, targetWorker, owner string, lease time.Duration) (task *models.Task, err error) {
	defer func(startTime time.Time) { s.observe("ClaimTask", startTime, err) }(time.Now())
	return s.svc.ClaimTask(ctx, targetWorker, owner, lease)
}

// RecordItem ...
func (s *instrumentingMiddleware) RecordItem(ctx context.Context, id int64, owner string, fn ItemFunc) (processed int, err error) {
	defer func(startTime time.Time) { s.observe("RecordItem", startTime, err) }(time.Now())
	return s.svc.RecordItem(ctx, id, owner, fn)
}

// UpdateProgress ...
func (s *instrumentingMiddleware) UpdateProgress(ctx context.Context, id int64, owner string, processed int, status models.TaskStatus, lastErr *models.TaskError) (task *models.Task, err error) {
	defer func(startTime time.Time) { s.observe("UpdateProgress", startTime, err) }(time.Now())
	return s.svc.UpdateProgress(ctx, id, owner, processed, status, lastErr)
}

// CancelTask ...
func (s *instrumentingMiddleware) CancelTask(ctx context.Context, id int64) (task *models.Task, err error) {
	defer func(startTime time.Time) { s.observe("CancelTask", startTime, err) }(time.Now())
	return s.svc.CancelTask(ctx, id)
}

// ExtendLease ...
func (s *instrumentingMiddleware) ExtendLease(ctx context.Context, id int64, owner string, lease time.Duration) (err error) {
	defer func(startTime time.Time) { s.observe("ExtendLease", startTime, err) }(time.Now())
	return s.svc.ExtendLease(ctx, id, owner, lease)
}

// RequeueExpired ...
func (s *instrumentingMiddleware) RequeueExpired(ctx context.Context, now time.Time, limit int) (tasks []models.Task, err error) {
	defer func(startTime time.Time) { s.observe("RequeueExpired", startTime, err) }(time.Now())
	return s.svc.RequeueExpired(ctx, now, limit)
}

// DeleteFinishedTasks ...
func (s *instrumentingMiddleware) DeleteFinishedTasks(ctx context.Context, olderThan time.Time) (count int64, err error) {
	defer func(startTime time.Time) { s.observe("DeleteFinishedTasks", startTime, err) }(time.Now())
	return s.svc.DeleteFinishedTasks(ctx, olderThan)
}

// Ping ...
func (s *instrumentingMiddleware) Ping(ctx context.Context) (err error) {
	defer func(startTime time.Time) { s.observe("Ping", startTime, err) }(time.Now())
	return s.svc.Ping(ctx)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	svc Repository,
) Repository {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		svc:         svc,
	}
}
