package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Matches(t *testing.T) {
	event := Condition{"storeId": "3", "resourceId": "10"}

	assert.True(t, Condition{"storeId": "3"}.Matches(event), "missing resourceId is a wildcard")
	assert.True(t, Condition{}.Matches(event))
	assert.True(t, Condition{"storeId": "3", "resourceId": "10"}.Matches(event))
	assert.False(t, Condition{"storeId": "4"}.Matches(event))
	assert.False(t, Condition{"storeId": "3", "registerId": "1"}.Matches(event))
}

func TestCondition_UnmarshalNormalizesValues(t *testing.T) {
	var c Condition
	require.NoError(t, json.Unmarshal([]byte(`{"storeId":3,"resourceId":"10","open":true,"ratio":1.5}`), &c))

	assert.Equal(t, Condition{"storeId": "3", "resourceId": "10", "open": "true", "ratio": "1.5"}, c)

	var bad Condition
	assert.Error(t, json.Unmarshal([]byte(`{"storeId":{"nested":1}}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &bad))
}

func TestProgressEvent_CarriesScopeAndTaskID(t *testing.T) {
	task := &Task{
		ID:                  42,
		TargetWorker:        WorkerItem,
		Kind:                KindCreateItem,
		Status:              TaskStatusProcessing,
		Scope:               Condition{"storeId": "3"},
		TotalQueuedCount:    3,
		TotalProcessedCount: 1,
	}

	ev, err := ProgressEvent(task)
	require.NoError(t, err)
	assert.Equal(t, EventTaskProgress, ev.Type)
	assert.Equal(t, Condition{"storeId": "3", "taskId": "42"}, ev.Condition)
	assert.Equal(t, Condition{"storeId": "3"}, task.Scope, "task scope must not be mutated")

	var p TaskProgress
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, int64(42), p.TaskID)
	assert.Equal(t, TaskStatusProcessing, p.Status)
	assert.Equal(t, 1, p.TotalProcessedCount)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(TaskStatusQueued, TaskStatusProcessing))
	assert.True(t, CanTransition(TaskStatusQueued, TaskStatusCanceled))
	assert.True(t, CanTransition(TaskStatusProcessing, TaskStatusFinished))
	assert.True(t, CanTransition(TaskStatusProcessing, TaskStatusErrored))
	assert.True(t, CanTransition(TaskStatusProcessing, TaskStatusCanceled))
	assert.False(t, CanTransition(TaskStatusQueued, TaskStatusFinished))
	assert.False(t, CanTransition(TaskStatusFinished, TaskStatusCanceled))
	assert.False(t, CanTransition(TaskStatusCanceled, TaskStatusQueued))

	assert.True(t, TaskStatusErrored.IsTerminal())
	assert.False(t, TaskStatusProcessing.IsTerminal())
}

func TestTask_Progress(t *testing.T) {
	assert.Equal(t, 0, (&Task{}).Progress())
	assert.Equal(t, 66, (&Task{TotalQueuedCount: 3, TotalProcessedCount: 2}).Progress())
}
