package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

// const ...
const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusFinished   TaskStatus = "FINISHED"
	TaskStatusErrored    TaskStatus = "ERRORED"
	TaskStatusCanceled   TaskStatus = "CANCELED"
)

// Source tells who requested a task.
type Source string

// const ...
const (
	SourceUser   Source = "USER"
	SourceBot    Source = "BOT"
	SourceSystem Source = "SYSTEM"
)

// ErrorCode classifies task failures.
type ErrorCode string

// const ...
const (
	ErrorCodeUnknownKind        ErrorCode = "UnknownKind"
	ErrorCodeHandlerError       ErrorCode = "HandlerError"
	ErrorCodeSkippableItemError ErrorCode = "SkippableItemError"
	ErrorCodeClaimConflict      ErrorCode = "ClaimConflict"
	ErrorCodeBrokerUnavailable  ErrorCode = "BrokerUnavailable"
)

// allowedTransitions lists the status changes a task may go through.
// PROCESSING -> QUEUED is reserved for the lease reaper.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusProcessing: {},
		TaskStatusCanceled:   {},
	},
	TaskStatusProcessing: {
		TaskStatusFinished: {},
		TaskStatusErrored:  {},
		TaskStatusCanceled: {},
		TaskStatusQueued:   {},
	},
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusFinished, TaskStatusErrored, TaskStatusCanceled:
		return true
	}
	return false
}

// Valid ...
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusFinished, TaskStatusErrored, TaskStatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a task in status from may move to status to.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskError is the error recorded on an ERRORED task.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error ...
func (e *TaskError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// WorkItem is one element of a task body. Payload is opaque to the queue.
type WorkItem struct {
	Payload json.RawMessage `json:"payload"`
}

// Metadata is a free-form descriptive record shown in the UI.
type Metadata map[string]any

// Task represents a durable unit of deferred, possibly bulk work.
type Task struct {
	RequestedAt         time.Time  `json:"requested_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	LeaseExpiresAt      *time.Time `json:"lease_expires_at,omitempty"`
	LastError           *TaskError `json:"last_error,omitempty"`
	Scope               Condition  `json:"scope,omitempty"`
	TargetWorker        string     `json:"target_worker"`
	Kind                string     `json:"kind"`
	Status              TaskStatus `json:"status"`
	Source              Source     `json:"source"`
	ProcessDescription  string     `json:"process_description,omitempty"`
	ClaimedBy           string     `json:"claimed_by,omitempty"`
	Body                []WorkItem `json:"body"`
	Metadata            []Metadata `json:"metadata,omitempty"`
	ID                  int64      `json:"id"`
	TotalQueuedCount    int        `json:"total_queued_count"`
	TotalProcessedCount int        `json:"total_processed_count"`
	Attempts            int        `json:"attempts"`
}

// Progress returns the processed share in percent, 0..100.
func (t *Task) Progress() int {
	if t.TotalQueuedCount <= 0 {
		return 0
	}
	return t.TotalProcessedCount * 100 / t.TotalQueuedCount
}

// Clone returns a deep enough copy for handing tasks across goroutines.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if t.LastError != nil {
		v := *t.LastError
		c.LastError = &v
	}
	c.Scope = t.Scope.Clone()
	c.Body = append([]WorkItem(nil), t.Body...)
	c.Metadata = append([]Metadata(nil), t.Metadata...)
	return &c
}
