// Package taskstore persists tasks and arbitrates claims between worker runtimes.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"taskhub/internal/models"
)

var (
	// ErrNoTasks is returned by ClaimTask when nothing is claimable.
	ErrNoTasks = errors.New("no tasks available")
	// ErrTaskNotFound ...
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotOwner means the caller no longer holds the claim (canceled, finished or reclaimed).
	ErrNotOwner = errors.New("task is not owned by caller")
	// ErrInvalidTransition ...
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrTxUnsupported is returned by the in-memory Tx, which has no SQL backend.
	ErrTxUnsupported = errors.New("transaction statements are not supported by this store")
)

const defaultListLimit = 100

// Tx is the transaction handed to domain writes that must commit together with
// the progress counter.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ItemFunc is a domain write executed inside RecordItem.
type ItemFunc func(ctx context.Context, tx Tx) error

// Filter narrows ListTasks. Zero values match everything.
type Filter struct {
	Scope        models.Condition
	TargetWorker string
	Statuses     []models.TaskStatus
	Limit        int
}

// Repository defines the interface for task storage operations.
type Repository interface {
	AddTask(ctx context.Context, task *models.Task) (err error)
	GetTask(ctx context.Context, id int64) (task *models.Task, err error)
	ListTasks(ctx context.Context, filter Filter) (tasks []models.Task, err error)
	ClaimTask(ctx context.Context, targetWorker, owner string, lease time.Duration) (task *models.Task, err error)
	RecordItem(ctx context.Context, id int64, owner string, fn ItemFunc) (processed int, err error)
	UpdateProgress(ctx context.Context, id int64, owner string, processed int, status models.TaskStatus, lastErr *models.TaskError) (task *models.Task, err error)
	CancelTask(ctx context.Context, id int64) (task *models.Task, err error)
	ExtendLease(ctx context.Context, id int64, owner string, lease time.Duration) (err error)
	// RequeueExpired compares leases with now where the store has no clock of
	// its own; the Postgres store uses the database time.
	RequeueExpired(ctx context.Context, now time.Time, limit int) (tasks []models.Task, err error)
	DeleteFinishedTasks(ctx context.Context, olderThan time.Time) (count int64, err error)
	Ping(ctx context.Context) (err error)
}

// progressStatusAllowed lists the statuses a claim owner may report.
func progressStatusAllowed(status models.TaskStatus) bool {
	switch status {
	case models.TaskStatusProcessing, models.TaskStatusFinished, models.TaskStatusErrored:
		return true
	}
	return false
}

func clampProcessed(current, reported, queued int) int {
	if reported < current {
		reported = current
	}
	if reported > queued {
		reported = queued
	}
	return reported
}
