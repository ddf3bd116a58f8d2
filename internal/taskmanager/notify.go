package taskmanager

import (
	"context"
	"fmt"

	"taskhub/internal/broker"
)

const (
	opTask   = "task"
	opCancel = "cancel"
)

// notification is the message sent on a worker channel.
type notification struct {
	Op     string `json:"op"`
	TaskID int64  `json:"task_id"`
}

type notifier struct {
	broker broker.Broker
	codec  broker.Codec
	keys   broker.Keys
}

func (n notifier) notify(ctx context.Context, targetWorker, op string, taskID int64) error {
	data, err := n.codec.Encode(notification{Op: op, TaskID: taskID})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return n.broker.Publish(ctx, n.keys.Worker(targetWorker), data)
}
