package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []*Envelope
}

func (c *collector) handle(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, ev := range c.got {
		out[i] = ev.EventType
	}
	return out
}

func TestNewEnvelope(t *testing.T) {
	a := NewEnvelope("0", "SpawnEvent", []byte("x"))
	b := NewEnvelope("0", "SpawnEvent", nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "идентификаторы уникальны")
	assert.Equal(t, time.UTC, a.Timestamp.Location())
	assert.Equal(t, 1, a.Version)
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus(64)
	defer bus.Close()

	c := &collector{}
	_, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)

	want := []string{"A", "B", "C", "D", "E"}
	for _, typ := range want {
		require.NoError(t, bus.Publish(context.Background(), NewEnvelope("1", typ, nil)))
	}
	require.Eventually(t, func() bool { return c.len() == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.types(), "порядок публикации сохраняется")
}

func TestMemoryBusFilters(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	spawns := &collector{}
	fromTwo := &collector{}
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{"SpawnEvent"}}, spawns.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{Sources: []string{"2"}}, fromTwo.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, NewEnvelope("1", "SpawnEvent", nil)))
	require.NoError(t, bus.Publish(ctx, NewEnvelope("2", "DespawnEvent", nil)))
	require.NoError(t, bus.Publish(ctx, NewEnvelope("2", "SpawnEvent", nil)))

	require.Eventually(t, func() bool { return bus.Metrics().Consumed == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"SpawnEvent", "SpawnEvent"}, spawns.types())
	assert.Equal(t, []string{"DespawnEvent", "SpawnEvent"}, fromTwo.types())
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	c := &collector{}
	sub, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("1", "SpawnEvent", nil)))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.len())
}

func TestMemoryBusDropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	block := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { <-block })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, NewEnvelope("1", "first", nil)))
	// первый уже в обработчике, второй занимает буфер
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(ctx, NewEnvelope("1", "second", nil)))

	low := NewEnvelope("1", "low", nil)
	low.Priority = 1
	require.NoError(t, bus.Publish(ctx, low))
	assert.Equal(t, uint64(1), bus.Metrics().Dropped)

	high := NewEnvelope("1", "high", nil)
	high.Priority = 9
	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(timeout, high), context.DeadlineExceeded, "high priority ждёт места")

	close(block)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(4)
	c := &collector{}
	_, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("1", "SpawnEvent", nil)))
	require.NoError(t, bus.Close())
	assert.Equal(t, 1, c.len(), "буфер разослан до закрытия")

	assert.ErrorIs(t, bus.Publish(context.Background(), NewEnvelope("1", "SpawnEvent", nil)), ErrClosed)
	_, err = bus.Subscribe(context.Background(), Filter{}, c.handle)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, bus.Close(), "повторное закрытие")
}

func TestMetricsExporterCollect(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	reg := prometheus.NewRegistry()
	me := NewMetricsExporter(bus, reg, reg)

	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), NewEnvelope("1", "SpawnEvent", nil)))
	require.Eventually(t, func() bool { return bus.Metrics().Consumed == 1 }, time.Second, 5*time.Millisecond)

	prev := me.collect(Stats{})
	assert.Equal(t, 1.0, testutil.ToFloat64(me.published))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.consumed))

	me.collect(prev)
	assert.Equal(t, 1.0, testutil.ToFloat64(me.published), "counter растёт только на дельту")

	// повторная регистрация в том же реестре не паникует
	assert.NotPanics(t, func() { NewMetricsExporter(bus, reg, reg) })
}
