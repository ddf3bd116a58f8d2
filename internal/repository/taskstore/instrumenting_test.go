package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/models"
)

func TestInstrumentingMiddleware_CountsCalls(t *testing.T) {
	ctx := context.Background()
	count := generic.NewCounter("db_request_count")
	duration := generic.NewHistogram("db_request_duration", 10)
	repo := NewInstrumentingMiddleware(count, duration, NewMemoryRepository())

	require.NoError(t, repo.AddTask(ctx, newTask(models.WorkerItem, 1)))
	_, err := repo.ClaimTask(ctx, models.WorkerPack, "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNoTasks)
	_, err = repo.GetTask(ctx, 404)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	require.NoError(t, repo.Ping(ctx))

	assert.Equal(t, float64(4), count.Value())
}
