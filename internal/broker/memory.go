package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process Broker for single-process setups and tests.
type MemoryBroker struct {
	subs        map[*memorySubscription]struct{}
	buffer      int
	mu          sync.RWMutex
	unavailable atomic.Bool
}

// NewMemoryBroker ...
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: defaultSubscriptionBuffer,
	}
}

// SetUnavailable makes every call fail with ErrUnavailable until reset.
func (b *MemoryBroker) SetUnavailable(v bool) {
	b.unavailable.Store(v)
}

// Disconnect ends every open subscription, as a lost broker connection would.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.end()
	}
}

// Publish ...
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.unavailable.Load() {
		return fmt.Errorf("%w: publish to %s", ErrUnavailable, channel)
	}

	b.mu.RLock()
	targets := make([]*memorySubscription, 0, len(b.subs))
	for s := range b.subs {
		if _, ok := s.channels[channel]; ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		s.send(ctx, msg)
	}
	return nil
}

// Subscribe ...
func (b *MemoryBroker) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	if b.unavailable.Load() {
		return nil, fmt.Errorf("%w: subscribe to %v", ErrUnavailable, channels)
	}

	s := &memorySubscription{
		broker:   b,
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, b.buffer),
		done:     make(chan struct{}),
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Ping ...
func (b *MemoryBroker) Ping(context.Context) error {
	if b.unavailable.Load() {
		return ErrUnavailable
	}
	return nil
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type memorySubscription struct {
	broker   *MemoryBroker
	channels map[string]struct{}
	out      chan Message
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
}

func (s *memorySubscription) send(ctx context.Context, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- msg:
	case <-s.done:
	case <-ctx.Done():
	}
}

// end closes the message stream. Sends hold mu, so out is never written after close.
func (s *memorySubscription) end() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.out)
		s.mu.Unlock()
	})
}

// Messages ...
func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

// Close ...
func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	s.end()
	return nil
}
