package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSubscriptionBuffer = 256
	defaultHealthCheck        = 5 * time.Second
)

type redisBroker struct {
	client      redis.UniversalClient
	buffer      int
	healthCheck time.Duration
}

// RedisOption ...
type RedisOption func(*redisBroker)

// WithSubscriptionBuffer sets the per-subscription channel size.
func WithSubscriptionBuffer(n int) RedisOption {
	return func(b *redisBroker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithHealthCheckInterval sets how long a subscription may stay silent before
// it pings the server.
func WithHealthCheckInterval(d time.Duration) RedisOption {
	return func(b *redisBroker) {
		if d > 0 {
			b.healthCheck = d
		}
	}
}

// NewRedisBroker ...
func NewRedisBroker(client redis.UniversalClient, opts ...RedisOption) Broker {
	b := &redisBroker{
		client:      client,
		buffer:      defaultSubscriptionBuffer,
		healthCheck: defaultHealthCheck,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish ...
func (b *redisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

// Subscribe opens a subscription and waits for the server confirmation. The
// subscription ends, closing Messages, on the first connection error instead
// of reconnecting silently.
func (b *redisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe to %v: %v", ErrUnavailable, channels, err)
	}

	sub := &redisSubscription{
		ps:          ps,
		out:         make(chan Message, b.buffer),
		done:        make(chan struct{}),
		channels:    channels,
		healthCheck: b.healthCheck,
	}
	go sub.receive()

	log.WithFields(log.Fields{
		"channels": channels,
	}).Debug("broker subscription opened")
	return sub, nil
}

// Ping ...
func (b *redisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type redisSubscription struct {
	ps          *redis.PubSub
	out         chan Message
	done        chan struct{}
	channels    []string
	healthCheck time.Duration
	closeOnce   sync.Once
}

func (s *redisSubscription) receive() {
	defer close(s.out)
	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, s.healthCheck)
		if err != nil {
			if s.closed() {
				return
			}
			if isTimeout(err) {
				if err = s.ps.Ping(ctx); err == nil {
					continue
				}
			}
			log.WithFields(log.Fields{
				"channels": s.channels,
			}).WithError(err).Warn("broker subscription lost")
			return
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		select {
		case s.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Messages ...
func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

// Close ...
func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
