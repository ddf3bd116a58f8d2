package api

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"taskhub/internal/eventgateway"
)

var (
	errGatewayNotSubscribed   = errors.New("event gateway has no broker subscription")
	errRegistryNotInitialized = errors.New("subscription registry not initialized")
)

type readinessResponse struct {
	Checks map[string]string `json:"checks"`
	Status string            `json:"status"`
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// ready runs every readiness check and answers 200 only when all of them pass.
func (s *Server) ready(ctx *fasthttp.RequestCtx) {
	reqCtx, cancel := s.requestContext()
	defer cancel()

	resp := readinessResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := fasthttp.StatusOK
	for _, c := range s.checks {
		if err := c.check(reqCtx); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "unavailable"
			status = fasthttp.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	writeJSON(ctx, status, resp)
}

// Pinger ...
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatastoreCheck reports whether the task store answers.
func DatastoreCheck(store Pinger) Check {
	return func(ctx context.Context) error {
		return store.Ping(ctx)
	}
}

// BrokerCheck reports whether the broker answers and the gateway holds its
// shared subscription.
func BrokerCheck(b Pinger, gw *eventgateway.Gateway) Check {
	return func(ctx context.Context) error {
		if err := b.Ping(ctx); err != nil {
			return err
		}
		if !gw.Ready() {
			return errGatewayNotSubscribed
		}
		return nil
	}
}

// RegistryCheck reports whether the subscription registry is initialized.
func RegistryCheck(gw *eventgateway.Gateway) Check {
	return func(context.Context) error {
		if !gw.Registry().Initialized() {
			return errRegistryNotInitialized
		}
		return nil
	}
}
