// Package broker carries at-least-once notifications and events between processes.
package broker

import (
	"context"
	"errors"
)

// ErrUnavailable wraps every failure to reach the message bus.
var ErrUnavailable = errors.New("broker unavailable")

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until it is closed or the broker connection
// ends, at which point Messages is closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is the pub/sub bus shared by every process.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Ping(ctx context.Context) error
}
