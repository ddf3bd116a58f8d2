package eventgateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhub/internal/broker"
	"taskhub/internal/models"
	"taskhub/internal/retry"
)

const storeStatus = "storeStatus"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SubscriptionBuffer = 8
	cfg.ResubscribePause = 10 * time.Millisecond
	cfg.Resubscribe = retry.Config{MaxRetries: 2, Delay: 5 * time.Millisecond, ThrowLastError: true}
	return cfg
}

func startGateway(t *testing.T, b broker.Broker) *Gateway {
	t.Helper()
	g, err := New(b, broker.NewKeys("test"), testConfig(), WithRegisterer(prometheus.NewRegistry(), "test"))
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)
	return g
}

func receive(t *testing.T, s *Subscription) models.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return models.Event{}
	}
}

func assertSilent(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateway_WildcardConditionMatching(t *testing.T) {
	g := startGateway(t, broker.NewMemoryBroker())
	ctx := context.Background()

	sub, err := g.OpenSubscription(storeStatus, models.Condition{"storeId": "3"})
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.SendInitial(nil))

	other, err := models.NewEvent(storeStatus, models.Condition{"storeId": "4", "resourceId": "10"}, map[string]string{"state": "open"})
	require.NoError(t, err)
	mine, err := models.NewEvent(storeStatus, models.Condition{"storeId": "3", "resourceId": "10"}, map[string]string{"state": "closed"})
	require.NoError(t, err)
	wrongType, err := models.NewEvent("itemStock", models.Condition{"storeId": "3"}, nil)
	require.NoError(t, err)

	require.NoError(t, g.Publish(ctx, other))
	require.NoError(t, g.Publish(ctx, wrongType))
	require.NoError(t, g.Publish(ctx, mine))

	got := receive(t, sub)
	assert.Equal(t, "3", got.Condition["storeId"])
	assert.JSONEq(t, `{"state":"closed"}`, string(got.Payload))
	assertSilent(t, sub)
}

func TestGateway_SnapshotThenBroadcast(t *testing.T) {
	g := startGateway(t, broker.NewMemoryBroker())
	ctx := context.Background()
	cond := models.Condition{"storeId": "3", "resourceId": "10"}

	sub, err := g.OpenSubscription(storeStatus, cond)
	require.NoError(t, err)
	defer sub.Close()

	// Published before the snapshot is sent: must still arrive after it.
	early, err := models.NewEvent(storeStatus, cond, map[string]string{"state": "busy"})
	require.NoError(t, err)
	require.NoError(t, g.Publish(ctx, early))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sub.SendInitial(map[string]string{"state": "open"}))
	assert.ErrorIs(t, sub.SendInitial(nil), ErrAlreadyLive)

	first := receive(t, sub)
	assert.Equal(t, storeStatus, first.Type)
	assert.JSONEq(t, `{"state":"open"}`, string(first.Payload))

	second := receive(t, sub)
	assert.JSONEq(t, `{"state":"busy"}`, string(second.Payload))

	later, err := models.NewEvent(storeStatus, cond, map[string]string{"state": "closed"})
	require.NoError(t, err)
	require.NoError(t, g.Publish(ctx, later))
	third := receive(t, sub)
	assert.JSONEq(t, `{"state":"closed"}`, string(third.Payload))
}

func TestGateway_FullBufferDropsEvents(t *testing.T) {
	g := startGateway(t, broker.NewMemoryBroker())
	ctx := context.Background()

	sub, err := g.OpenSubscription(storeStatus, nil)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.SendInitial(nil))

	ev, err := models.NewEvent(storeStatus, models.Condition{"storeId": "1"}, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, g.Publish(ctx, ev))
	}

	require.Eventually(t, func() bool { return len(sub.Events()) == cap(sub.Events()) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 8, len(sub.Events()))
}

func TestGateway_BrokerLossClosesSubscriptionsAndResubscribes(t *testing.T) {
	b := broker.NewMemoryBroker()
	g := startGateway(t, b)
	assert.True(t, g.Ready())
	assert.True(t, g.Registry().Initialized())

	sub, err := g.OpenSubscription(storeStatus, nil)
	require.NoError(t, err)
	require.NoError(t, sub.SendInitial(nil))

	b.Disconnect()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after broker loss")
	}
	require.Eventually(t, func() bool { return g.Ready() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, g.Registry().Len())

	fresh, err := g.OpenSubscription(storeStatus, nil)
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, fresh.SendInitial(nil))

	ev, err := models.NewEvent(storeStatus, models.Condition{"storeId": "3"}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Publish(context.Background(), ev))
	assert.Equal(t, storeStatus, receive(t, fresh).Type)
}

func TestGateway_PublishFailureSurfaces(t *testing.T) {
	b := broker.NewMemoryBroker()
	g := startGateway(t, b)

	b.SetUnavailable(true)
	ev, err := models.NewEvent(storeStatus, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Publish(context.Background(), ev), broker.ErrUnavailable)
	assert.ErrorIs(t, g.Publish(context.Background(), models.Event{}), ErrInvalidEvent)
}

func TestGateway_StopClosesEverything(t *testing.T) {
	g, err := New(broker.NewMemoryBroker(), broker.NewKeys("test"), testConfig())
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	sub, err := g.OpenSubscription(storeStatus, nil)
	require.NoError(t, err)

	g.Stop()
	<-sub.Done()
	assert.False(t, g.Ready())
	assert.ErrorIs(t, sub.SendInitial(nil), ErrSubscriptionClosed)

	_, err = g.OpenSubscription(storeStatus, nil)
	assert.ErrorIs(t, err, ErrGatewayStopped)
}

func TestGateway_RedisFanOutAcrossProcesses(t *testing.T) {
	s := mrd.RunT(t)
	newBroker := func() broker.Broker {
		rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return broker.NewRedisBroker(rdb)
	}

	producer := startGateway(t, newBroker())
	consumer := startGateway(t, newBroker())

	sub, err := consumer.OpenSubscription(models.EventTaskProgress, models.Condition{"taskId": "42"})
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.SendInitial(nil))

	ev, err := models.ProgressEvent(&models.Task{
		ID:               42,
		Status:           models.TaskStatusFinished,
		Scope:            models.Condition{"storeId": "3"},
		TotalQueuedCount: 3, TotalProcessedCount: 3,
	})
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), ev))

	got := receive(t, sub)
	var p models.TaskProgress
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, models.TaskStatusFinished, p.Status)
	assert.Equal(t, 3, p.TotalProcessedCount)
}

func TestGateway_RedisLossClosesSubscriptionsAndResubscribes(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := startGateway(t, broker.NewRedisBroker(rdb, broker.WithHealthCheckInterval(50*time.Millisecond)))

	sub, err := g.OpenSubscription(storeStatus, nil)
	require.NoError(t, err)
	require.NoError(t, sub.SendInitial(nil))

	s.Close()

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed after redis loss")
	}
	require.Eventually(t, func() bool { return !g.Ready() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, g.Registry().Len())

	require.NoError(t, s.Restart())
	require.Eventually(t, func() bool { return g.Ready() }, 5*time.Second, 10*time.Millisecond)
}
