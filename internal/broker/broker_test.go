package broker

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniBroker(t *testing.T) (Broker, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBroker(rdb), s
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b, _ := newMiniBroker(t)
	ctx := context.Background()
	keys := NewKeys("")

	sub, err := b.Subscribe(ctx, keys.Worker("item"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, keys.Worker("item"), []byte(`{"op":"task","task_id":1}`)))
	require.NoError(t, b.Publish(ctx, keys.Worker("pack"), []byte(`ignored`)))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "taskhub:worker:item", msg.Channel)
		assert.JSONEq(t, `{"op":"task","task_id":1}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBroker_CloseEndsMessages(t *testing.T) {
	b, _ := newMiniBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, NewKeys("x").Events())
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}

func TestRedisBroker_UnavailableWrapsErrors(t *testing.T) {
	b, s := newMiniBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Ping(ctx))

	s.Close()

	assert.ErrorIs(t, b.Ping(ctx), ErrUnavailable)
	assert.ErrorIs(t, b.Publish(ctx, "c", []byte("x")), ErrUnavailable)
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	type notification struct {
		Op     string `json:"op"`
		TaskID int64  `json:"task_id"`
	}
	var c Codec = JSONCodec{}

	data, err := c.Encode(notification{Op: "cancel", TaskID: 7})
	require.NoError(t, err)

	var got notification
	require.NoError(t, c.Decode(data, &got))
	assert.Equal(t, notification{Op: "cancel", TaskID: 7}, got)
}

func TestMemoryBroker_DeliversAndDisconnects(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "a", []byte("one")))
	require.NoError(t, b.Publish(ctx, "b", []byte("other")))

	msg := <-sub.Messages()
	assert.Equal(t, "one", string(msg.Payload))

	b.SetUnavailable(true)
	assert.ErrorIs(t, b.Publish(ctx, "a", nil), ErrUnavailable)
	assert.ErrorIs(t, b.Ping(ctx), ErrUnavailable)
	_, err = b.Subscribe(ctx, "a")
	assert.ErrorIs(t, err, ErrUnavailable)
	b.SetUnavailable(false)

	b.Disconnect()
	_, ok := <-sub.Messages()
	assert.False(t, ok)
	require.NoError(t, sub.Close())
}

func TestRedisBroker_ServerLossEndsSubscription(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedisBroker(rdb, WithHealthCheckInterval(50*time.Millisecond))
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "a")
	require.NoError(t, err)
	defer sub.Close()

	// Silent periods are covered by health check pings.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "a", []byte("one")))
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "one", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	s.Close()

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open after server loss")
	}
}
