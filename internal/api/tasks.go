package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
	"taskhub/internal/taskmanager"
)

const (
	scopeParamPrefix = "scope."
	maxListLimit     = 1000
)

type publishResponse struct {
	ID int64 `json:"id"`
}

func (s *Server) publishTask(ctx *fasthttp.RequestCtx) {
	var req taskmanager.PublishRequest
	if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, fmt.Errorf("%w: %v", taskmanager.ErrInvalidTask, err))
		return
	}

	reqCtx, cancel := s.requestContext()
	defer cancel()

	id, err := s.queue.Publish(reqCtx, req)
	if err != nil {
		if id != 0 && errors.Is(err, taskmanager.ErrBrokerUnavailable) {
			writeJSON(ctx, fasthttp.StatusServiceUnavailable, errorResponse{TaskID: &id, Error: err.Error()})
			return
		}
		writeTaskError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, publishResponse{ID: id})
}

func (s *Server) listTasks(ctx *fasthttp.RequestCtx) {
	filter, err := parseFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return
	}

	reqCtx, cancel := s.requestContext()
	defer cancel()

	tasks, err := s.queue.List(reqCtx, filter)
	if err != nil {
		writeTaskError(ctx, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(ctx, fasthttp.StatusOK, tasks)
}

func (s *Server) getTask(ctx *fasthttp.RequestCtx) {
	id, ok := taskID(ctx)
	if !ok {
		return
	}

	reqCtx, cancel := s.requestContext()
	defer cancel()

	task, err := s.queue.Get(reqCtx, id)
	if err != nil {
		writeTaskError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, task)
}

func (s *Server) cancelTask(ctx *fasthttp.RequestCtx) {
	id, ok := taskID(ctx)
	if !ok {
		return
	}

	reqCtx, cancel := s.requestContext()
	defer cancel()

	task, err := s.queue.Cancel(reqCtx, id)
	if err != nil {
		writeTaskError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, task)
}

func taskID(ctx *fasthttp.RequestCtx) (int64, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(ctx, fasthttp.StatusBadRequest, fmt.Errorf("invalid task id %q", raw))
		return 0, false
	}
	return id, true
}

// writeTaskError maps task layer errors to HTTP statuses.
func writeTaskError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, taskmanager.ErrInvalidTask):
		writeError(ctx, fasthttp.StatusBadRequest, err)
	case errors.Is(err, taskstore.ErrTaskNotFound):
		writeError(ctx, fasthttp.StatusNotFound, err)
	case errors.Is(err, taskstore.ErrInvalidTransition):
		writeError(ctx, fasthttp.StatusConflict, err)
	case errors.Is(err, taskmanager.ErrBrokerUnavailable):
		writeError(ctx, fasthttp.StatusServiceUnavailable, err)
	default:
		log.WithFields(log.Fields{
			"path": string(ctx.Path()),
		}).WithError(err).Error("request failed")
		writeError(ctx, fasthttp.StatusInternalServerError, errors.New("internal error"))
	}
}

// parseFilter reads worker, status, limit and scope.<key> query parameters.
func parseFilter(args *fasthttp.Args) (taskstore.Filter, error) {
	filter := taskstore.Filter{
		TargetWorker: string(args.Peek("worker")),
	}

	for _, raw := range args.PeekMulti("status") {
		for _, part := range strings.Split(string(raw), ",") {
			status := models.TaskStatus(strings.ToUpper(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				return taskstore.Filter{}, fmt.Errorf("unknown status %q", part)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := args.Peek("limit"); len(raw) > 0 {
		limit, err := strconv.Atoi(string(raw))
		if err != nil || limit <= 0 {
			return taskstore.Filter{}, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = min(limit, maxListLimit)
	}

	args.VisitAll(func(key, value []byte) {
		k := string(key)
		if !strings.HasPrefix(k, scopeParamPrefix) || len(k) == len(scopeParamPrefix) {
			return
		}
		if filter.Scope == nil {
			filter.Scope = models.Condition{}
		}
		filter.Scope[strings.TrimPrefix(k, scopeParamPrefix)] = string(value)
	})

	return filter, nil
}
