package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ticketdesk/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	channel, event string
	data           json.RawMessage
}

type recordingBroadcaster struct {
	mu         sync.Mutex
	deliveries []delivery
	err        error
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, channel, event string, data json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, delivery{channel, event, data})
	return b.err
}

func (b *recordingBroadcaster) snapshot() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]delivery(nil), b.deliveries...)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func relay(t *testing.T, bus *EventBus, local *recordingBroadcaster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		bus.Relay(ctx, ready, local)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}
}

func TestFanoutBroadcaster_ReachesOtherInstances(t *testing.T) {
	client := newRedis(t)
	log := logger.NewNop()

	busA := NewEventBus(client, "instance-a", "", log)
	busB := NewEventBus(client, "instance-b", "", log)

	localA := &recordingBroadcaster{}
	localB := &recordingBroadcaster{}
	relay(t, busA, localA)
	relay(t, busB, localB)

	fanout := NewFanoutBroadcaster(localA, busA, log)
	require.NoError(t, fanout.Broadcast(context.Background(), "private-tickets.3", "TicketUpdated", json.RawMessage(`{"id":7}`)))

	require.Eventually(t, func() bool { return len(localB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := localB.snapshot()[0]
	assert.Equal(t, "private-tickets.3", got.channel)
	assert.Equal(t, "TicketUpdated", got.event)
	assert.JSONEq(t, `{"id":7}`, string(got.data))

	// The publishing instance delivered locally once and ignores its own echo.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, localA.snapshot(), 1)
}

func TestEventBus_SkipsMalformedAndForeignEvents(t *testing.T) {
	client := newRedis(t)
	log := logger.NewNop()

	bus := NewEventBus(client, "instance-a", "", log)
	local := &recordingBroadcaster{}
	relay(t, bus, local)

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, DefaultChannel, "not json").Err())
	require.NoError(t, client.Publish(ctx, DefaultChannel, `{"type":"other","instance_id":"x"}`).Err())

	other := NewEventBus(client, "instance-b", "", log)
	require.NoError(t, other.PublishBroadcast(ctx, "announcements", "Maintenance", json.RawMessage(`{}`)))

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Maintenance", local.snapshot()[0].event)
}

func TestEventBus_SubscribeTwice(t *testing.T) {
	client := newRedis(t)
	bus := NewEventBus(client, "", "", logger.NewNop())
	assert.NotEmpty(t, bus.InstanceID())

	relay(t, bus, &recordingBroadcaster{})
	err := bus.Subscribe(context.Background(), nil, func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestEventBus_CloseWhileRelaying(t *testing.T) {
	client := newRedis(t)
	bus := NewEventBus(client, "", "", logger.NewNop())

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- bus.Relay(context.Background(), ready, &recordingBroadcaster{}) }()

	// Close may land before or after the subscription is live.
	require.NoError(t, bus.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept running after close")
	}
	assert.NoError(t, bus.Close())
}

func TestEventBus_SubscribeAfterClose(t *testing.T) {
	bus := NewEventBus(newRedis(t), "", "", logger.NewNop())
	require.NoError(t, bus.Close())

	err := bus.Subscribe(context.Background(), nil, func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestFanoutBroadcaster_PublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	local := &recordingBroadcaster{}
	fanout := NewFanoutBroadcaster(local, NewEventBus(client, "a", "", logger.NewNop()), logger.NewNop())

	err := fanout.Broadcast(context.Background(), "announcements", "Maintenance", json.RawMessage(`{}`))
	assert.Error(t, err)
	assert.Len(t, local.snapshot(), 1)
}

func TestFanoutBroadcaster_WithoutBus(t *testing.T) {
	local := &recordingBroadcaster{}
	fanout := NewFanoutBroadcaster(local, nil, logger.NewNop())
	require.NoError(t, fanout.Broadcast(context.Background(), "announcements", "Maintenance", json.RawMessage(`{}`)))
	assert.Len(t, local.snapshot(), 1)
}
