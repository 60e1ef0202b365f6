package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEmbedded(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := NewEmbeddedServer("127.0.0.1", -1, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestJetStreamBusDeliversInOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("встроенный NATS")
	}
	srv := startEmbedded(t)

	bus, err := NewJetStreamBus(srv.ClientURL(), "SPAWN_TEST", time.Hour)
	require.NoError(t, err)
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, Filter{Types: []string{"SpawnEvent", "DespawnEvent"}}, func(_ context.Context, ev *Envelope) {
		mu.Lock()
		got = append(got, ev.EventType+":"+string(ev.Payload))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, NewEnvelope("participant-0", "SpawnEvent", []byte("1"))))
	require.NoError(t, bus.Publish(ctx, NewEnvelope("participant-0", "ChatEvent", []byte("x"))))
	require.NoError(t, bus.Publish(ctx, NewEnvelope("participant-0", "DespawnEvent", []byte("1"))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"SpawnEvent:1", "DespawnEvent:1"}, got)
	mu.Unlock()

	stats := bus.Metrics()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(2), stats.Consumed)
}

func TestJetStreamBusDeduplicatesByEnvelopeID(t *testing.T) {
	if testing.Short() {
		t.Skip("встроенный NATS")
	}
	srv := startEmbedded(t)

	bus, err := NewJetStreamBus(srv.ClientURL(), "SPAWN_DEDUP", time.Hour)
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()
	var (
		mu    sync.Mutex
		count int
	)
	sub, err := bus.Subscribe(ctx, Filter{}, func(context.Context, *Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	env := NewEnvelope("participant-0", "SpawnEvent", []byte("7"))
	require.NoError(t, bus.Publish(ctx, env))
	require.NoError(t, bus.Publish(ctx, env))
	require.NoError(t, bus.Publish(ctx, NewEnvelope("participant-0", "SpawnEvent", []byte("8"))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, 5*time.Second, 10*time.Millisecond)
}
