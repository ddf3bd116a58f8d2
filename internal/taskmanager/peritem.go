package taskmanager

import (
	"context"
	"fmt"

	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
)

// ItemFunc applies one work item. tx is the transaction that also advances the
// processed counter.
type ItemFunc func(ctx context.Context, tx taskstore.Tx, item models.WorkItem, index int) error

// PerItem builds a handler that processes the body sequentially. An error the
// classifier accepts is logged and the item still counts as processed; any
// other error aborts the task. A nil classifier means DefaultClassifier.
func PerItem(fn ItemFunc, classifier Classifier) TaskHandler {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return TaskHandlerFunc(func(ctx context.Context, tc *TaskContext) error {
		offset := tc.Offset()
		for i, item := range tc.Items() {
			index := offset + i
			if err := tc.checkActive(); err != nil {
				return err
			}

			err := tc.ProcessItem(ctx, index, func(ctx context.Context, tx taskstore.Tx) error {
				return fn(ctx, tx, item, index)
			})
			if err == nil {
				continue
			}
			if isClaimLost(err) {
				return err
			}
			if activeErr := tc.checkActive(); activeErr != nil {
				return activeErr
			}
			if !classifier(err) {
				return fmt.Errorf("item %d: %w", index, err)
			}
			if err = tc.SkipItem(ctx, index, err); err != nil {
				return err
			}
		}
		return nil
	})
}
