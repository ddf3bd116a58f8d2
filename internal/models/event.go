package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// EventTaskProgress is the event type emitted by the worker runtime.
const EventTaskProgress = "taskProgress"

// ConditionTaskID is the condition key carrying the task id on taskProgress events.
const ConditionTaskID = "taskId"

// Condition maps scoping keys (storeId, resourceId, ...) to concrete values.
// Values are kept as strings; JSON numbers and booleans are normalized on decode
// so {"storeId":3} and {"storeId":"3"} are equal.
type Condition map[string]string

// UnmarshalJSON accepts string, number and bool values.
func (c *Condition) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("condition must be an object: %w", err)
	}
	out := make(Condition, len(raw))
	for k, v := range raw {
		s, err := conditionValue(v)
		if err != nil {
			return fmt.Errorf("condition key %q: %w", k, err)
		}
		out[k] = s
	}
	*c = out
	return nil
}

func conditionValue(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("unsupported value %s", string(v))
}

// Matches reports whether an event condition satisfies the pattern c.
// Keys absent from c are wildcards.
func (c Condition) Matches(event Condition) bool {
	for k, want := range c {
		got, ok := event[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Clone ...
func (c Condition) Clone() Condition {
	if c == nil {
		return nil
	}
	out := make(Condition, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// With returns a copy of c with key set to value.
func (c Condition) With(key, value string) Condition {
	out := c.Clone()
	if out == nil {
		out = Condition{}
	}
	out[key] = value
	return out
}

// Event is an ephemeral, condition-tagged notification. It is never persisted.
type Event struct {
	Type      string          `json:"type"`
	Condition Condition       `json:"condition"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into a new Event.
func NewEvent(eventType string, condition Condition, payload any) (Event, error) {
	ev := Event{Type: eventType, Condition: condition}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	ev.Payload = data
	return ev, nil
}

// TaskProgress is the payload of a taskProgress event.
type TaskProgress struct {
	LastError           *TaskError `json:"last_error,omitempty"`
	Kind                string     `json:"kind"`
	TargetWorker        string     `json:"target_worker"`
	Status              TaskStatus `json:"status"`
	TaskID              int64      `json:"task_id"`
	TotalQueuedCount    int        `json:"total_queued_count"`
	TotalProcessedCount int        `json:"total_processed_count"`
}

// ProgressOf builds the progress payload for t.
func ProgressOf(t *Task) TaskProgress {
	return TaskProgress{
		TaskID:              t.ID,
		Kind:                t.Kind,
		TargetWorker:        t.TargetWorker,
		Status:              t.Status,
		TotalQueuedCount:    t.TotalQueuedCount,
		TotalProcessedCount: t.TotalProcessedCount,
		LastError:           t.LastError,
	}
}

// ProgressEvent builds the taskProgress event for t, scoped by the task scope
// plus its id.
func ProgressEvent(t *Task) (Event, error) {
	cond := t.Scope.With(ConditionTaskID, strconv.FormatInt(t.ID, 10))
	return NewEvent(EventTaskProgress, cond, ProgressOf(t))
}
