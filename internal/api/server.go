// Package api exposes tasks and the event stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"taskhub/internal/eventgateway"
	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
	"taskhub/internal/taskmanager"
)

const (
	defaultStreamHeartbeat = 15 * time.Second
	defaultRequestTimeout  = 10 * time.Second
)

// TaskQueue ...
type TaskQueue interface {
	Publish(ctx context.Context, req taskmanager.PublishRequest) (int64, error)
	Get(ctx context.Context, id int64) (*models.Task, error)
	List(ctx context.Context, filter taskstore.Filter) ([]models.Task, error)
	Cancel(ctx context.Context, id int64) (*models.Task, error)
}

// EventSubscriber ...
type EventSubscriber interface {
	OpenSubscription(eventType string, cond models.Condition) (*eventgateway.Subscription, error)
}

// SnapshotFunc returns the current state sent as the first message of a
// stream for its event type.
type SnapshotFunc func(ctx context.Context, cond models.Condition) (any, error)

// Check is one readiness check.
type Check func(ctx context.Context) error

type namedCheck struct {
	check Check
	name  string
}

// Server ...
type Server struct {
	queue          TaskQueue
	events         EventSubscriber
	snapshots      map[string]SnapshotFunc
	checks         []namedCheck
	heartbeat      time.Duration
	requestTimeout time.Duration
}

// Option ...
type Option func(*Server)

// WithSnapshot registers the snapshot provider for eventType.
func WithSnapshot(eventType string, fn SnapshotFunc) Option {
	return func(s *Server) {
		s.snapshots[eventType] = fn
	}
}

// WithReadinessCheck adds a named check to /ready.
func WithReadinessCheck(name string, check Check) Option {
	return func(s *Server) {
		s.checks = append(s.checks, namedCheck{name: name, check: check})
	}
}

// WithStreamHeartbeat sets the SSE keep-alive comment interval.
func WithStreamHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithRequestTimeout bounds the store and broker calls of one request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewServer ...
func NewServer(queue TaskQueue, events EventSubscriber, opts ...Option) *Server {
	s := &Server{
		queue:          queue,
		events:         events,
		snapshots:      make(map[string]SnapshotFunc),
		heartbeat:      defaultStreamHeartbeat,
		requestTimeout: defaultRequestTimeout,
	}
	s.snapshots[models.EventTaskProgress] = s.taskProgressSnapshot
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router ...
func (s *Server) Router() *router.Router {
	r := router.New()
	r.POST("/tasks", s.publishTask)
	r.GET("/tasks", s.listTasks)
	r.GET("/tasks/{id}", s.getTask)
	r.POST("/tasks/{id}/cancel", s.cancelTask)
	r.GET("/events", s.streamEvents)
	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	return r
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("failed to marshal response")
		ctx.Error(`{"error":"internal error"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}

type errorResponse struct {
	TaskID *int64 `json:"task_id,omitempty"`
	Error  string `json:"error"`
}

func writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	writeJSON(ctx, status, errorResponse{Error: err.Error()})
}
