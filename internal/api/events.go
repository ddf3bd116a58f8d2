package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"taskhub/internal/eventgateway"
	"taskhub/internal/models"
	"taskhub/internal/taskmanager"
)

const eventTypeParam = "type"

// streamEvents serves GET /events?type=<type>&<key>=<value>... as Server-Sent
// Events. Every query parameter other than type is a condition key.
func (s *Server) streamEvents(ctx *fasthttp.RequestCtx) {
	eventType := string(ctx.QueryArgs().Peek(eventTypeParam))
	cond := models.Condition{}
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		if k := string(key); k != eventTypeParam {
			cond[k] = string(value)
		}
	})

	sub, err := s.events.OpenSubscription(eventType, cond)
	if err != nil {
		switch {
		case errors.Is(err, eventgateway.ErrInvalidSubscription):
			writeError(ctx, fasthttp.StatusBadRequest, err)
		case errors.Is(err, eventgateway.ErrGatewayStopped):
			writeError(ctx, fasthttp.StatusServiceUnavailable, err)
		default:
			writeTaskError(ctx, err)
		}
		return
	}

	var snapshot any
	if fn, ok := s.snapshots[eventType]; ok {
		reqCtx, cancel := s.requestContext()
		snapshot, err = fn(reqCtx, cond)
		cancel()
		if err != nil {
			sub.Close()
			writeTaskError(ctx, err)
			return
		}
	}
	if err = sub.SendInitial(snapshot); err != nil {
		sub.Close()
		writeError(ctx, fasthttp.StatusServiceUnavailable, err)
		return
	}

	logger := log.WithFields(log.Fields{
		"subscription_id": sub.ID,
		"type":            sub.Type,
		"remote_addr":     ctx.RemoteAddr().String(),
	})
	logger.Debug("event stream opened")

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	heartbeat := s.heartbeat
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		if err := writeStream(w, sub, heartbeat); err != nil {
			logger.WithError(err).Debug("event stream closed by client")
			return
		}
		logger.Debug("event stream ended")
	})
}

// writeStream copies sub's events to w until the subscription ends or a write
// fails. A comment line is written every heartbeat to keep the connection open.
func writeStream(w *bufio.Writer, sub *eventgateway.Subscription, heartbeat time.Duration) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Events():
			if err := writeFrame(w, ev); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
		case <-sub.Done():
			return nil
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

func writeFrame(w *bufio.Writer, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// taskProgressSnapshot returns the current progress of the task named by the
// taskId condition key. Streams without a taskId get no snapshot.
func (s *Server) taskProgressSnapshot(ctx context.Context, cond models.Condition) (any, error) {
	raw, ok := cond[models.ConditionTaskID]
	if !ok {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid taskId %q", taskmanager.ErrInvalidTask, raw)
	}
	task, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return models.ProgressOf(task), nil
}
