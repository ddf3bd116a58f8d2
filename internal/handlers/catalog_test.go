package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/broker"
	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
	"taskhub/internal/service/catalog"
	"taskhub/internal/taskmanager"
)

func setup(t *testing.T, svc CatalogService) (*taskmanager.Queue, taskstore.Repository) {
	t.Helper()
	repo := taskstore.NewMemoryRepository()
	b := broker.NewMemoryBroker()
	keys := broker.NewKeys("handlers-test")

	rt, err := taskmanager.NewRuntime(repo, b, keys, nil, taskmanager.Config{
		Registerer:   prometheus.NewRegistry(),
		PollInterval: 20 * time.Millisecond,
		LeaseTTL:     time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, RegisterAllHandlers(rt, svc))
	assert.ElementsMatch(t, []string{models.WorkerItem, models.WorkerPack, models.WorkerPrice}, rt.Workers())

	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)
	return taskmanager.NewQueue(repo, b, keys, nil), repo
}

func payloads(t *testing.T, vs ...any) []models.WorkItem {
	t.Helper()
	out := make([]models.WorkItem, len(vs))
	for i, v := range vs {
		if raw, ok := v.(string); ok {
			out[i] = models.WorkItem{Payload: json.RawMessage(raw)}
			continue
		}
		data, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = models.WorkItem{Payload: data}
	}
	return out
}

func waitTerminal(t *testing.T, repo taskstore.Repository, id int64) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = repo.GetTask(context.Background(), id)
		return err == nil && task.Status.IsTerminal()
	}, 3*time.Second, 5*time.Millisecond)
	return task
}

func TestCreateItem_InvalidRowIsSkipped(t *testing.T) {
	q, repo := setup(t, catalog.NewCatalogSvc())

	id, err := q.Publish(context.Background(), taskmanager.PublishRequest{
		TargetWorker: models.WorkerItem,
		Kind:         models.KindCreateItem,
		Scope:        models.Condition{"storeId": "3"},
		Body: payloads(t,
			models.CreateItem{Name: "Cola", SKU: "C-1", StoreID: 3, Price: 150},
			`{"name":"no sku","store_id":3}`,
			models.CreateItem{Name: "Water", SKU: "W-1", StoreID: 3, Price: 90},
		),
	})
	require.NoError(t, err)

	task := waitTerminal(t, repo, id)
	assert.Equal(t, models.TaskStatusFinished, task.Status)
	assert.Equal(t, 3, task.TotalProcessedCount)
}

func TestCreateItem_DuplicateSKUAborts(t *testing.T) {
	q, repo := setup(t, catalog.NewCatalogSvc())

	id, err := q.Publish(context.Background(), taskmanager.PublishRequest{
		TargetWorker: models.WorkerItem,
		Kind:         models.KindCreateItem,
		Body: payloads(t,
			models.CreateItem{Name: "Cola", SKU: "C-1", StoreID: 3},
			models.CreateItem{Name: "Cola again", SKU: "C-1", StoreID: 3},
			models.CreateItem{Name: "Water", SKU: "W-1", StoreID: 3},
		),
	})
	require.NoError(t, err)

	task := waitTerminal(t, repo, id)
	assert.Equal(t, models.TaskStatusErrored, task.Status)
	assert.Equal(t, 1, task.TotalProcessedCount)
	require.NotNil(t, task.LastError)
	assert.Contains(t, task.LastError.Message, catalog.ErrDuplicateSKU.Error())
}

func TestDisassemblePack_MissingPackIsSkipped(t *testing.T) {
	svc := catalog.NewCatalogSvc()
	svc.RegisterPack(7, 10)
	q, repo := setup(t, svc)

	id, err := q.Publish(context.Background(), taskmanager.PublishRequest{
		TargetWorker: models.WorkerPack,
		Kind:         models.KindDisassemblePack,
		Source:       models.SourceBot,
		Body: payloads(t,
			models.DisassemblePack{PackID: 7, StoreID: 3, Quantity: 4},
			models.DisassemblePack{PackID: 8, StoreID: 3, Quantity: 1},
		),
	})
	require.NoError(t, err)

	task := waitTerminal(t, repo, id)
	assert.Equal(t, models.TaskStatusFinished, task.Status)
	assert.Equal(t, 2, task.TotalProcessedCount)
	assert.Equal(t, models.SourceBot, task.Source)
}

func TestRecalculatePrices_Finishes(t *testing.T) {
	q, repo := setup(t, catalog.NewCatalogSvc())

	id, err := q.Publish(context.Background(), taskmanager.PublishRequest{
		TargetWorker: models.WorkerPrice,
		Kind:         models.KindRecalculatePrices,
		Source:       models.SourceSystem,
		Body:         payloads(t, models.RecalculatePrice{ItemID: 1, StoreID: 3}),
	})
	require.NoError(t, err)

	task := waitTerminal(t, repo, id)
	assert.Equal(t, models.TaskStatusFinished, task.Status)
}

// flakyPricer fails price lookups of some items before answering.
type flakyPricer struct {
	*catalog.Svc
	failures map[int64]error
	left     map[int64]int
	calls    map[int64]int
	mu       sync.Mutex
}

func (p *flakyPricer) RecalculatePrice(ctx context.Context, tx taskstore.Tx, scope models.Condition, r models.RecalculatePrice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[r.ItemID]++
	if p.left[r.ItemID] > 0 {
		p.left[r.ItemID]--
		return p.failures[r.ItemID]
	}
	return p.Svc.RecalculatePrice(ctx, tx, scope, r)
}

func (p *flakyPricer) callCount(itemID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[itemID]
}

func TestRecalculatePrices_RetriesTransientFailures(t *testing.T) {
	pricer := &flakyPricer{
		Svc: catalog.NewCatalogSvc(),
		failures: map[int64]error{
			1: errors.New("price engine timeout"),
			2: taskmanager.SkipItem(errors.New("item archived")),
		},
		left:  map[int64]int{1: 2, 2: 5},
		calls: map[int64]int{},
	}
	q, repo := setup(t, pricer)

	id, err := q.Publish(context.Background(), taskmanager.PublishRequest{
		TargetWorker: models.WorkerPrice,
		Kind:         models.KindRecalculatePrices,
		Body: payloads(t,
			models.RecalculatePrice{ItemID: 1, StoreID: 3},
			models.RecalculatePrice{ItemID: 2, StoreID: 3},
		),
	})
	require.NoError(t, err)

	task := waitTerminal(t, repo, id)
	assert.Equal(t, models.TaskStatusFinished, task.Status)
	assert.Equal(t, 2, task.TotalProcessedCount)
	assert.Equal(t, 3, pricer.callCount(1))
	assert.Equal(t, 1, pricer.callCount(2))
}

func TestRecalculatePrices_GivesUpAfterRetries(t *testing.T) {
	pricer := &flakyPricer{
		Svc:      catalog.NewCatalogSvc(),
		failures: map[int64]error{1: errors.New("price engine down")},
		left:     map[int64]int{1: 10},
		calls:    map[int64]int{},
	}
	q, repo := setup(t, pricer)

	id, err := q.Publish(context.Background(), taskmanager.PublishRequest{
		TargetWorker: models.WorkerPrice,
		Kind:         models.KindRecalculatePrices,
		Body:         payloads(t, models.RecalculatePrice{ItemID: 1, StoreID: 3}),
	})
	require.NoError(t, err)

	task := waitTerminal(t, repo, id)
	assert.Equal(t, models.TaskStatusErrored, task.Status)
	require.NotNil(t, task.LastError)
	assert.Contains(t, task.LastError.Message, "price engine down")
	assert.Equal(t, 3, pricer.callCount(1))
}
