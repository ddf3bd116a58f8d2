package eventgateway

import (
	"sync"
	"sync/atomic"

	"taskhub/internal/models"
)

// Registry holds the live subscriptions of this process, indexed by event type.
type Registry struct {
	byType      map[string]map[string]*Subscription
	initialized atomic.Bool
	mu          sync.RWMutex
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]map[string]*Subscription)}
}

// Initialized reports whether the owning gateway has started.
func (r *Registry) Initialized() bool {
	return r.initialized.Load()
}

func (r *Registry) add(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.byType[s.Type]
	if !ok {
		subs = make(map[string]*Subscription)
		r.byType[s.Type] = subs
	}
	subs[s.ID] = s
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.byType[s.Type]
	if !ok {
		return
	}
	delete(subs, s.ID)
	if len(subs) == 0 {
		delete(r.byType, s.Type)
	}
}

// Match returns the subscriptions interested in ev.
func (r *Registry) Match(ev models.Event) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byType[ev.Type]
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Condition.Matches(ev.Condition) {
			out = append(out, s)
		}
	}
	return out
}

// Len ...
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, subs := range r.byType {
		n += len(subs)
	}
	return n
}

// closeAll closes every subscription. Close calls back into remove, so the
// snapshot is taken before any subscription is closed.
func (r *Registry) closeAll() int {
	r.mu.RLock()
	all := make([]*Subscription, 0)
	for _, subs := range r.byType {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Close()
	}
	return len(all)
}
