package eventgateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"taskhub/internal/models"
)

// Subscription is one client's interest in events of Type whose condition
// matches Condition. Broadcasts are held until SendInitial is called so the
// snapshot is always the first message.
type Subscription struct {
	Condition models.Condition
	ID        string
	Type      string

	events    chan models.Event
	done      chan struct{}
	onClose   func(*Subscription)
	onDrop    func(*Subscription)
	pending   []models.Event
	closeOnce sync.Once
	mu        sync.Mutex
	live      bool
	closed    bool
}

func newSubscription(id, eventType string, cond models.Condition, buffer int) *Subscription {
	return &Subscription{
		ID:        id,
		Type:      eventType,
		Condition: cond.Clone(),
		events:    make(chan models.Event, buffer),
		done:      make(chan struct{}),
	}
}

// Events streams the snapshot followed by matching broadcasts.
func (s *Subscription) Events() <-chan models.Event {
	return s.events
}

// Done is closed when the subscription ends, either by Close or because the
// gateway lost its broker subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// SendInitial pushes one snapshot message ahead of every broadcast and starts
// live delivery. A nil payload starts delivery without a snapshot message.
func (s *Subscription) SendInitial(payload any) error {
	var snapshot *models.Event
	if payload != nil {
		ev := models.Event{Type: s.Type, Condition: s.Condition.Clone()}
		switch p := payload.(type) {
		case json.RawMessage:
			ev.Payload = p
		case []byte:
			ev.Payload = json.RawMessage(p)
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal snapshot: %w", err)
			}
			ev.Payload = data
		}
		snapshot = &ev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	if s.live {
		return ErrAlreadyLive
	}
	if snapshot != nil {
		s.push(*snapshot)
	}
	for _, ev := range s.pending {
		s.push(ev)
	}
	s.pending = nil
	s.live = true
	return nil
}

// deliver hands ev to the client without blocking. It reports false when the
// event was dropped.
func (s *Subscription) deliver(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.live {
		if len(s.pending) >= cap(s.events) {
			s.dropped()
			return false
		}
		s.pending = append(s.pending, ev)
		return true
	}
	return s.push(ev)
}

// push must be called with mu held.
func (s *Subscription) push(ev models.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped()
		return false
	}
}

func (s *Subscription) dropped() {
	if s.onDrop != nil {
		s.onDrop(s)
	}
}

// Close unregisters the subscription and releases its stream.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		close(s.done)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
