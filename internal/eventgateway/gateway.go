// Package eventgateway fans condition-scoped events out to subscribers on
// every process through one shared broker subscription per process.
package eventgateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"taskhub/internal/broker"
	"taskhub/internal/models"
	"taskhub/internal/observability"
	"taskhub/internal/retry"
)

var (
	// ErrGatewayStopped ...
	ErrGatewayStopped = errors.New("event gateway stopped")
	// ErrInvalidSubscription ...
	ErrInvalidSubscription = errors.New("subscription type is required")
	// ErrSubscriptionClosed ...
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrAlreadyLive is returned by a second SendInitial call.
	ErrAlreadyLive = errors.New("subscription already started")
	// ErrInvalidEvent ...
	ErrInvalidEvent = errors.New("event type is required")
)

const (
	defaultSubscriptionBuffer = 64
	defaultResubscribePause   = time.Second
)

// Config ...
type Config struct {
	Resubscribe        retry.Config
	ResubscribePause   time.Duration
	SubscriptionBuffer int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		SubscriptionBuffer: defaultSubscriptionBuffer,
		ResubscribePause:   defaultResubscribePause,
		Resubscribe: retry.Config{
			MaxRetries:     5,
			Delay:          200 * time.Millisecond,
			Multiplier:     2,
			MaxDelay:       5 * time.Second,
			ThrowLastError: true,
		},
	}
}

type gatewayMetrics struct {
	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	subscriptions prometheus.Gauge
	resubscribes  prometheus.Counter
}

func newGatewayMetrics(reg prometheus.Registerer, namespace string) (*gatewayMetrics, error) {
	m := &gatewayMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_gateway",
			Name:      "events_published_total",
			Help:      "Events published to the broker",
		}, []string{"type", "status"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_gateway",
			Name:      "events_delivered_total",
			Help:      "Events handed to local subscriptions",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_gateway",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}, []string{"type"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "event_gateway",
			Name:      "subscriptions",
			Help:      "Open local subscriptions",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_gateway",
			Name:      "broker_resubscribes_total",
			Help:      "Times the shared broker subscription was reopened",
		}),
	}
	var errs [5]error
	m.published, errs[0] = observability.Register(reg, m.published)
	m.delivered, errs[1] = observability.Register(reg, m.delivered)
	m.dropped, errs[2] = observability.Register(reg, m.dropped)
	m.subscriptions, errs[3] = observability.Register(reg, m.subscriptions)
	m.resubscribes, errs[4] = observability.Register(reg, m.resubscribes)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return m, nil
}

// Gateway publishes events and dispatches broadcasts to local subscriptions.
type Gateway struct {
	broker   broker.Broker
	codec    broker.Codec
	registry *Registry
	metrics  *gatewayMetrics
	shared   broker.Subscription
	cancel   context.CancelFunc
	keys     broker.Keys
	cfg      Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	ready    atomic.Bool
	stopped  atomic.Bool
}

// Option ...
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	codec      broker.Codec
	namespace  string
}

// WithRegisterer registers the gateway collectors on reg.
func WithRegisterer(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registerer = reg
		o.namespace = namespace
	}
}

// WithCodec ...
func WithCodec(c broker.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// New ...
func New(b broker.Broker, keys broker.Keys, cfg Config, opts ...Option) (*Gateway, error) {
	o := options{codec: broker.JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SubscriptionBuffer <= 0 {
		cfg.SubscriptionBuffer = defaultSubscriptionBuffer
	}
	if cfg.ResubscribePause <= 0 {
		cfg.ResubscribePause = defaultResubscribePause
	}

	m, err := newGatewayMetrics(o.registerer, o.namespace)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		broker:   b,
		codec:    o.codec,
		keys:     keys,
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  m,
	}, nil
}

// Registry ...
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Ready reports whether the shared broker subscription is active.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Publish sends ev to every process. Broker failures are returned to the caller.
func (g *Gateway) Publish(ctx context.Context, ev models.Event) error {
	if ev.Type == "" {
		return ErrInvalidEvent
	}
	data, err := g.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err = g.broker.Publish(ctx, g.keys.Events(), data); err != nil {
		g.metrics.published.WithLabelValues(ev.Type, "error").Inc()
		return err
	}
	g.metrics.published.WithLabelValues(ev.Type, "ok").Inc()
	return nil
}

// OpenSubscription registers a local subscription. The caller must call
// SendInitial before broadcasts are delivered and Close when done.
func (g *Gateway) OpenSubscription(eventType string, cond models.Condition) (*Subscription, error) {
	if eventType == "" {
		return nil, ErrInvalidSubscription
	}
	if g.stopped.Load() {
		return nil, ErrGatewayStopped
	}

	s := newSubscription(uuid.NewString(), eventType, cond, g.cfg.SubscriptionBuffer)
	s.onClose = func(s *Subscription) {
		g.registry.remove(s)
		g.metrics.subscriptions.Dec()
	}
	s.onDrop = func(s *Subscription) {
		g.metrics.dropped.WithLabelValues(s.Type).Inc()
		log.WithFields(log.Fields{
			"subscription_id": s.ID,
			"type":            s.Type,
		}).Warn("subscriber buffer full, event dropped")
	}
	g.registry.add(s)
	g.metrics.subscriptions.Inc()
	return s, nil
}

// Start opens the shared broker subscription and begins dispatching.
func (g *Gateway) Start(ctx context.Context) error {
	if g.stopped.Load() {
		return ErrGatewayStopped
	}

	sub, err := g.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to open shared subscription: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.shared = sub
	g.mu.Unlock()

	g.registry.initialized.Store(true)
	g.ready.Store(true)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(runCtx, sub)
	}()

	log.WithFields(log.Fields{
		"channel": g.keys.Events(),
	}).Info("event gateway started")
	return nil
}

// Stop closes the shared subscription and every local subscription.
func (g *Gateway) Stop() {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}
	g.mu.Lock()
	cancel, shared := g.cancel, g.shared
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if shared != nil {
		_ = shared.Close()
	}
	g.wg.Wait()

	g.ready.Store(false)
	n := g.registry.closeAll()
	log.WithField("closed_subscriptions", n).Info("event gateway stopped")
}

func (g *Gateway) subscribe(ctx context.Context) (broker.Subscription, error) {
	return retry.Do(ctx, func(ctx context.Context) (broker.Subscription, error) {
		return g.broker.Subscribe(ctx, g.keys.Events())
	}, g.cfg.Resubscribe)
}

// run dispatches until ctx ends. When the broker subscription ends, local
// subscriptions are closed, so clients reconnect and re-fetch state, and the
// subscription is reopened.
func (g *Gateway) run(ctx context.Context, sub broker.Subscription) {
	for {
		g.dispatch(ctx, sub)
		g.ready.Store(false)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}

		n := g.registry.closeAll()
		log.WithField("closed_subscriptions", n).Warn("shared broker subscription ended, resubscribing")

		for {
			var err error
			sub, err = g.subscribe(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("failed to reopen shared broker subscription")
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.cfg.ResubscribePause):
			}
		}

		g.mu.Lock()
		g.shared = sub
		g.mu.Unlock()
		if g.stopped.Load() {
			_ = sub.Close()
			return
		}
		g.metrics.resubscribes.Inc()
		g.ready.Store(true)
		log.Info("shared broker subscription reopened")
	}
}

func (g *Gateway) dispatch(ctx context.Context, sub broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var ev models.Event
			if err := g.codec.Decode(msg.Payload, &ev); err != nil {
				log.WithError(err).Warn("failed to decode event, skipping")
				continue
			}
			for _, s := range g.registry.Match(ev) {
				if s.deliver(ev) {
					g.metrics.delivered.WithLabelValues(ev.Type).Inc()
				}
			}
		}
	}
}
