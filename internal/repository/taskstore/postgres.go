package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"taskhub/internal/models"
)

const taskColumns = `id, target_worker, kind, status, source, scope, body, metadata, process_description,
        total_queued_count, total_processed_count, last_error, claimed_by, lease_expires_at, attempts,
        requested_at, started_at, finished_at`

type repository struct {
	db *pgxpool.Pool
}

// AddTask ...
func (r *repository) AddTask(ctx context.Context, task *models.Task) error {
	scope, body, metadata, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO tasks.task_pool
        (target_worker, kind, status, source, scope, body, metadata, process_description, total_queued_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, requested_at
    `
	err = r.db.QueryRow(ctx, query,
		task.TargetWorker, task.Kind, string(models.TaskStatusQueued), string(task.Source),
		scope, body, metadata, task.ProcessDescription, len(task.Body),
	).Scan(&task.ID, &task.RequestedAt)
	if err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}

	task.Status = models.TaskStatusQueued
	task.TotalQueuedCount = len(task.Body)
	task.TotalProcessedCount = 0
	return nil
}

// GetTask ...
func (r *repository) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks.task_pool WHERE id = $1`

	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks ...
func (r *repository) ListTasks(ctx context.Context, filter Filter) ([]models.Task, error) {
	args := []any{}
	query := `SELECT ` + taskColumns + ` FROM tasks.task_pool WHERE TRUE`

	if filter.TargetWorker != "" {
		args = append(args, filter.TargetWorker)
		query += fmt.Sprintf(" AND target_worker = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if len(filter.Scope) > 0 {
		scope, err := json.Marshal(filter.Scope)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal scope filter: %w", err)
		}
		args = append(args, scope)
		query += fmt.Sprintf(" AND scope @> $%d::jsonb", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY requested_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimTask moves the oldest QUEUED task of targetWorker to PROCESSING in one
// conditional update. Concurrent callers skip rows locked by each other.
func (r *repository) ClaimTask(ctx context.Context, targetWorker, owner string, lease time.Duration) (*models.Task, error) {
	query := `
        UPDATE tasks.task_pool
        SET status = 'PROCESSING',
            started_at = COALESCE(started_at, NOW()),
            claimed_by = $2,
            lease_expires_at = NOW() + $3 * INTERVAL '1 millisecond',
            attempts = attempts + 1
        WHERE id = (
            SELECT id FROM tasks.task_pool
            WHERE status = 'QUEUED' AND target_worker = $1
            ORDER BY requested_at ASC, id ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRow(ctx, query, targetWorker, owner, lease.Milliseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTasks
	} else if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

// RecordItem runs fn and the processed counter increment in one transaction.
func (r *repository) RecordItem(ctx context.Context, id int64, owner string, fn ItemFunc) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			log.WithError(rollbackErr).Error("failed to rollback transaction")
		}
	}()

	var (
		processed, queued int
		status, claimedBy string
	)
	err = tx.QueryRow(ctx, `
        SELECT total_processed_count, total_queued_count, status, claimed_by
        FROM tasks.task_pool WHERE id = $1 FOR UPDATE
    `, id).Scan(&processed, &queued, &status, &claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrTaskNotFound
	} else if err != nil {
		return 0, fmt.Errorf("failed to lock task: %w", err)
	}
	if models.TaskStatus(status) != models.TaskStatusProcessing || claimedBy != owner {
		return processed, ErrNotOwner
	}

	if err = fn(ctx, tx); err != nil {
		return processed, err
	}

	err = tx.QueryRow(ctx, `
        UPDATE tasks.task_pool
        SET total_processed_count = LEAST(total_processed_count + 1, total_queued_count)
        WHERE id = $1
        RETURNING total_processed_count
    `, id).Scan(&processed)
	if err != nil {
		return 0, fmt.Errorf("failed to increment processed count: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return processed, nil
}

// UpdateProgress ...
func (r *repository) UpdateProgress(ctx context.Context, id int64, owner string, processed int, status models.TaskStatus, lastErr *models.TaskError) (*models.Task, error) {
	if !progressStatusAllowed(status) {
		return nil, ErrInvalidTransition
	}

	var lastErrJSON []byte
	if lastErr != nil {
		var err error
		if lastErrJSON, err = json.Marshal(lastErr); err != nil {
			return nil, fmt.Errorf("failed to marshal last error: %w", err)
		}
	}

	query := `
        UPDATE tasks.task_pool
        SET total_processed_count = LEAST(GREATEST(total_processed_count, $3), total_queued_count),
            status = $4::text,
            last_error = $5,
            finished_at = CASE WHEN $4::text IN ('FINISHED', 'ERRORED') THEN NOW() ELSE finished_at END,
            claimed_by = CASE WHEN $4::text IN ('FINISHED', 'ERRORED') THEN '' ELSE claimed_by END,
            lease_expires_at = CASE WHEN $4::text IN ('FINISHED', 'ERRORED') THEN NULL ELSE lease_expires_at END
        WHERE id = $1 AND status = 'PROCESSING' AND claimed_by = $2
        RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRow(ctx, query, id, owner, processed, string(status), lastErrJSON))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missingOrNotOwner(ctx, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to update task progress: %w", err)
	}
	return task, nil
}

// CancelTask ...
func (r *repository) CancelTask(ctx context.Context, id int64) (*models.Task, error) {
	query := `
        UPDATE tasks.task_pool
        SET status = 'CANCELED', finished_at = NOW(), claimed_by = '', lease_expires_at = NULL
        WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')
        RETURNING ` + taskColumns

	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetTask(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	} else if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	return task, nil
}

// ExtendLease ...
func (r *repository) ExtendLease(ctx context.Context, id int64, owner string, lease time.Duration) error {
	query := `
        UPDATE tasks.task_pool
        SET lease_expires_at = NOW() + $3 * INTERVAL '1 millisecond'
        WHERE id = $1 AND status = 'PROCESSING' AND claimed_by = $2
    `
	res, err := r.db.Exec(ctx, query, id, owner, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// RequeueExpired returns PROCESSING tasks whose lease ran out to QUEUED.
// The processed counter is kept so the next owner resumes after it. Leases are
// written and compared with the database clock, so now is ignored here.
func (r *repository) RequeueExpired(ctx context.Context, _ time.Time, limit int) ([]models.Task, error) {
	query := `
        UPDATE tasks.task_pool
        SET status = 'QUEUED', claimed_by = '', lease_expires_at = NULL
        WHERE id IN (
            SELECT id FROM tasks.task_pool
            WHERE status = 'PROCESSING' AND lease_expires_at < NOW()
            ORDER BY lease_expires_at ASC
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + taskColumns

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue expired tasks: %w", err)
	}
	return collectTasks(rows)
}

// DeleteFinishedTasks ...
func (r *repository) DeleteFinishedTasks(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
        DELETE FROM tasks.task_pool
        WHERE status IN ('FINISHED', 'ERRORED', 'CANCELED') AND finished_at < $1
    `
	result, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished tasks: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ping ...
func (r *repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *repository) missingOrNotOwner(ctx context.Context, id int64) error {
	if _, err := r.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrNotOwner
}

func encodeTaskJSON(task *models.Task) (scope, body, metadata []byte, err error) {
	if task.Scope == nil {
		scope = []byte("{}")
	} else if scope, err = json.Marshal(task.Scope); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal scope: %w", err)
	}
	if body, err = json.Marshal(task.Body); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	if task.Metadata == nil {
		metadata = []byte("[]")
	} else if metadata, err = json.Marshal(task.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return scope, body, metadata, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		task                             models.Task
		scope, body, metadata, lastError []byte
	)
	err := row.Scan(
		&task.ID, &task.TargetWorker, &task.Kind, &task.Status, &task.Source,
		&scope, &body, &metadata, &task.ProcessDescription,
		&task.TotalQueuedCount, &task.TotalProcessedCount, &lastError, &task.ClaimedBy, &task.LeaseExpiresAt,
		&task.Attempts, &task.RequestedAt, &task.StartedAt, &task.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(scope) > 0 {
		if err = json.Unmarshal(scope, &task.Scope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scope: %w", err)
		}
	}
	if len(body) > 0 {
		if err = json.Unmarshal(body, &task.Body); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err = json.Unmarshal(metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(lastError) > 0 {
		task.LastError = &models.TaskError{}
		if err = json.Unmarshal(lastError, task.LastError); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last error: %w", err)
		}
	}
	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// NewRepository creates a new instance of the task repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}
