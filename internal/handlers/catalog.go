package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
	"taskhub/internal/retry"
	"taskhub/internal/service/catalog"
	"taskhub/internal/taskmanager"
)

// CatalogService is the domain side of the catalog workers.
type CatalogService interface {
	CreateItem(ctx context.Context, tx taskstore.Tx, scope models.Condition, item models.CreateItem) error
	DisassemblePack(ctx context.Context, tx taskstore.Tx, scope models.Condition, p models.DisassemblePack) error
	RecalculatePrice(ctx context.Context, tx taskstore.Tx, scope models.Condition, p models.RecalculatePrice) error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// priceRetry covers transient failures of the price source. Skippable items,
// catalog sentinels and cancellation are final.
var priceRetry = retry.Config{
	MaxRetries:     2,
	Delay:          50 * time.Millisecond,
	Multiplier:     2,
	MaxDelay:       500 * time.Millisecond,
	ThrowLastError: true,
	Retryable:      isTransient,
}

func isTransient(err error) bool {
	return !taskmanager.DefaultClassifier(err) &&
		!errors.Is(err, catalog.ErrDuplicateSKU) &&
		!errors.Is(err, catalog.ErrPackNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// decodeItem unmarshals and validates a work item payload. A malformed row is
// skippable: one bad line must not abort a bulk import.
func decodeItem[T any](item models.WorkItem) (T, error) {
	var v T
	if err := sonic.Unmarshal(item.Payload, &v); err != nil {
		return v, taskmanager.SkipItem(fmt.Errorf("failed to unmarshal item: %w", err))
	}
	if err := validate.Struct(v); err != nil {
		return v, taskmanager.SkipItem(fmt.Errorf("invalid item: %w", err))
	}
	return v, nil
}

// NewCreateItemHandler ...
func NewCreateItemHandler(svc CatalogService) taskmanager.TaskHandler {
	return taskmanager.TaskHandlerFunc(func(ctx context.Context, tc *taskmanager.TaskContext) error {
		scope := tc.Scope()
		h := taskmanager.PerItem(func(ctx context.Context, tx taskstore.Tx, item models.WorkItem, _ int) error {
			v, err := decodeItem[models.CreateItem](item)
			if err != nil {
				return err
			}
			return svc.CreateItem(ctx, tx, scope, v)
		}, nil)
		return h.HandleTask(ctx, tc)
	})
}

// NewDisassemblePackHandler skips packs that vanished in the meantime; other
// failures abort the task.
func NewDisassemblePackHandler(svc CatalogService) taskmanager.TaskHandler {
	classifier := func(err error) bool {
		return taskmanager.DefaultClassifier(err) || errors.Is(err, catalog.ErrPackNotFound)
	}
	return taskmanager.TaskHandlerFunc(func(ctx context.Context, tc *taskmanager.TaskContext) error {
		scope := tc.Scope()
		h := taskmanager.PerItem(func(ctx context.Context, tx taskstore.Tx, item models.WorkItem, _ int) error {
			v, err := decodeItem[models.DisassemblePack](item)
			if err != nil {
				return err
			}
			return svc.DisassemblePack(ctx, tx, scope, v)
		}, classifier)
		return h.HandleTask(ctx, tc)
	})
}

// NewRecalculatePricesHandler retries each price lookup on transient errors.
func NewRecalculatePricesHandler(svc CatalogService) taskmanager.TaskHandler {
	return taskmanager.TaskHandlerFunc(func(ctx context.Context, tc *taskmanager.TaskContext) error {
		scope := tc.Scope()
		h := taskmanager.PerItem(func(ctx context.Context, tx taskstore.Tx, item models.WorkItem, _ int) error {
			v, err := decodeItem[models.RecalculatePrice](item)
			if err != nil {
				return err
			}
			return retry.Exec(ctx, func(ctx context.Context) error {
				return svc.RecalculatePrice(ctx, tx, scope, v)
			}, priceRetry)
		}, nil)
		return h.HandleTask(ctx, tc)
	})
}
