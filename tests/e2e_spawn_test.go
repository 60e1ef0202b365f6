package tests

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/annel0/mmo-spawn/internal/eventbus"
	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/annel0/mmo-spawn/internal/session"
	"github.com/annel0/mmo-spawn/internal/spawn"
	"github.com/annel0/mmo-spawn/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node участник, подключённый к общей шине
type node struct {
	id       spawn.ParticipantID
	session  *session.Session
	listener *transport.BusListener
}

type cluster struct {
	t     *testing.T
	bus   eventbus.EventBus
	codec *transport.Codec
	nodes []*node
}

func templates() []spawn.Template {
	return []spawn.Template{
		{Key: "missile"},
		{Key: "player"},
		{Key: "player-owner"},
	}
}

func newCluster(t *testing.T, participants int, pools []session.PoolSpec) *cluster {
	t.Helper()
	bus := eventbus.NewMemoryBus(256)
	codec, err := transport.NewCodec(256)
	require.NoError(t, err)

	c := &cluster{t: t, bus: bus, codec: codec}
	ctx := context.Background()
	quiet := logging.NewConsoleLogger("e2e", io.Discard, logging.ERROR)

	for i := 0; i < participants; i++ {
		id := spawn.ParticipantID(i)
		s, err := session.New(session.Config{
			Participant: id,
			Authority:   id == spawn.ServerParticipant,
			Templates:   templates(),
			Pools:       pools,
		}, session.Deps{
			Publisher: transport.NewBusPublisher(bus, codec, id),
			Metrics:   spawn.NewMetrics(nil),
			Logger:    quiet,
		})
		require.NoError(t, err)
		l, err := transport.NewBusListener(ctx, bus, codec, id, s)
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))
		c.nodes = append(c.nodes, &node{id: id, session: s, listener: l})
	}

	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.listener.Stop()
			_ = n.session.Close()
		}
		_ = bus.Close()
		codec.Close()
	})
	return c
}

func (c *cluster) node(id spawn.ParticipantID) *session.Session { return c.nodes[id].session }

// settle тикает все сессии, пока cond не выполнится
func (c *cluster) settle(cond func() bool) {
	c.t.Helper()
	ctx := context.Background()
	require.Eventually(c.t, func() bool {
		for _, n := range c.nodes {
			_ = n.session.Tick(ctx)
		}
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func handleOf(s *session.Session, id spawn.ViewID) (*spawn.SpawnHandle, bool) {
	return s.Dispatcher().Handle(id)
}

func TestMissilePoolScenario(t *testing.T) {
	c := newCluster(t, 2, []session.PoolSpec{{Key: "missile", MinSize: 3}})
	ctx := context.Background()
	authority := c.node(0)
	client := c.node(1)

	pool, ok := authority.Pool("missile")
	require.True(t, ok)
	assert.Equal(t, "missile-Pool", pool.Container().Name())
	assert.Equal(t, 3, pool.Available())

	var ids []spawn.ViewID
	for i := 0; i < 4; i++ {
		h, err := authority.Spawn(ctx, "missile", spawn.At(float64(i), 0, 0), 0, nil)
		require.NoError(t, err)
		ids = append(ids, h.ViewID)
	}
	assert.Equal(t, []spawn.ViewID{1, 2, 3, 4}, ids)
	assert.Equal(t, 4, pool.Stats().Allocated, "четвёртый снаряд расширил пул")
	assert.Zero(t, pool.Available())

	c.settle(func() bool { return len(client.Handles()) == 4 })
	clientPool, ok := client.Pool("missile")
	require.True(t, ok)
	assert.Equal(t, 4, clientPool.ActiveCount())

	for _, id := range ids {
		require.NoError(t, authority.Despawn(ctx, id))
	}
	assert.Equal(t, 4, pool.Available(), "все экземпляры вернулись в пул")

	c.settle(func() bool { return len(client.Handles()) == 0 })
	assert.Equal(t, 4, clientPool.Available())

	// Повторное порождение берёт экземпляры из пула, не создавая новых
	_, err := authority.Spawn(ctx, "missile", spawn.At(0, 0, 0), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, pool.Stats().Allocated)
}

func TestAuthoritySpawnReachesOwnerAndProxies(t *testing.T) {
	c := newCluster(t, 3, nil)
	ctx := context.Background()

	h, err := c.node(0).Instantiate(ctx, spawn.SpawnRequest{
		Key:       "player",
		OwnerKey:  "player-owner",
		Owner:     1,
		Placement: spawn.At(1, 2, 3),
		Payload:   []interface{}{"alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, spawn.RepresentationProxy, h.Representation)

	c.settle(func() bool {
		_, ok1 := handleOf(c.node(1), h.ViewID)
		_, ok2 := handleOf(c.node(2), h.ViewID)
		return ok1 && ok2
	})

	owner, _ := handleOf(c.node(1), h.ViewID)
	proxy, _ := handleOf(c.node(2), h.ViewID)

	assert.Equal(t, spawn.RepresentationOwner, owner.Representation)
	assert.Equal(t, spawn.EntityTypeKey("player-owner"), owner.Key)
	assert.Equal(t, spawn.RepresentationProxy, proxy.Representation)
	assert.Equal(t, spawn.EntityTypeKey("player"), proxy.Key)

	for _, got := range []*spawn.SpawnHandle{owner, proxy} {
		assert.Equal(t, h.ViewID, got.ViewID)
		assert.Equal(t, spawn.ParticipantID(1), got.Owner)
		assert.Equal(t, spawn.ParticipantID(0), got.Creator)
		assert.Equal(t, []interface{}{"alice"}, got.Instance.Payload())
		assert.Equal(t, 1.0, got.Instance.Placement().Position.X)
	}

	// Освобождение authority распространяется на всех
	require.NoError(t, c.node(0).Despawn(ctx, h.ViewID))
	c.settle(func() bool {
		return len(c.node(1).Handles()) == 0 && len(c.node(2).Handles()) == 0
	})
	assert.True(t, c.node(1).Binder().IsRetired(h.ViewID))
}

func TestClientRequestIsSpawnedByAuthority(t *testing.T) {
	c := newCluster(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, c.node(2).Request(ctx, spawn.SpawnRequest{
		Key:      "player",
		OwnerKey: "player-owner",
		Owner:    2,
	}))
	assert.Empty(t, c.node(2).Handles(), "клиент не выдаёт идентичность сам")

	c.settle(func() bool {
		return len(c.node(0).Handles()) == 1 && len(c.node(1).Handles()) == 1 && len(c.node(2).Handles()) == 1
	})

	mine := c.node(2).Handles()[0]
	assert.Equal(t, spawn.RepresentationOwner, mine.Representation)
	assert.Equal(t, spawn.ParticipantID(2), mine.Creator, "создатель: запросивший участник")
	assert.Equal(t, spawn.RepresentationProxy, c.node(1).Handles()[0].Representation)

	// Владелец освобождает свою сущность сам
	require.NoError(t, c.node(2).Despawn(ctx, mine.ViewID))
	c.settle(func() bool {
		return len(c.node(0).Handles()) == 0 && len(c.node(1).Handles()) == 0
	})
}

func TestForeignDespawnIsRejected(t *testing.T) {
	c := newCluster(t, 3, nil)
	ctx := context.Background()

	h, err := c.node(0).Spawn(ctx, "missile", spawn.At(0, 0, 0), 1, nil)
	require.NoError(t, err)
	c.settle(func() bool { return len(c.node(2).Handles()) == 1 })

	err = c.node(2).Despawn(ctx, h.ViewID)
	assert.ErrorIs(t, err, spawn.ErrAuthority)

	// Подделанное событие от не-владельца игнорируется
	forged := transport.NewBusPublisher(c.bus, c.codec, 2)
	require.NoError(t, forged.PublishEvent(ctx, transport.Event{
		Kind:   transport.KindDespawn,
		Key:    "missile",
		ViewID: h.ViewID,
		Owner:  2,
		Sender: 2,
	}))
	before := c.nodes[1].listener.Received()
	c.settle(func() bool { return c.nodes[1].listener.Received() > before })
	require.NoError(t, c.node(1).Tick(ctx))
	require.NoError(t, c.node(0).Tick(ctx))
	_, ok := handleOf(c.node(1), h.ViewID)
	assert.True(t, ok)
	_, ok = handleOf(c.node(0), h.ViewID)
	assert.True(t, ok)
}

func TestParticipantLeaveCleansUpEverywhere(t *testing.T) {
	c := newCluster(t, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.node(0).Spawn(ctx, "missile", spawn.At(0, 0, 0), 2, nil)
		require.NoError(t, err)
	}
	_, err := c.node(0).Spawn(ctx, "missile", spawn.At(0, 0, 0), 1, nil)
	require.NoError(t, err)
	c.settle(func() bool { return len(c.node(1).Handles()) == 4 })

	assert.Equal(t, 3, c.node(0).ParticipantLeft(ctx, 2))
	c.settle(func() bool { return len(c.node(1).Handles()) == 1 })
	assert.Equal(t, spawn.ParticipantID(1), c.node(1).Handles()[0].Owner)
}
