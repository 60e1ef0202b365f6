package spawn

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/stretchr/testify/require"
)

// recorder запоминает колбэки поведения
type recorder struct {
	instantiated []*SpawnContext
	reclaimed    int
	onSpawn      func(ctx *SpawnContext)
}

func (r *recorder) OnInstantiated(ctx *SpawnContext) {
	r.instantiated = append(r.instantiated, ctx)
	if r.onSpawn != nil {
		r.onSpawn(ctx)
	}
}

func (r *recorder) OnReclaimed() { r.reclaimed++ }

// recordingPublisher собирает объявления
type recordingPublisher struct {
	mu    sync.Mutex
	sent  []Announcement
	fails error
}

func (p *recordingPublisher) Publish(_ context.Context, a Announcement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails != nil {
		return p.fails
	}
	p.sent = append(p.sent, a)
	return nil
}

func (p *recordingPublisher) all() []Announcement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Announcement(nil), p.sent...)
}

func quietLogger() *logging.Logger {
	return logging.NewConsoleLogger("spawn-test", io.Discard, logging.ERROR)
}

// newCatalog создаёт каталог с шаблонами missile, player и player-owner
func newCatalog(t *testing.T) (*Catalog, map[EntityTypeKey][]*recorder) {
	t.Helper()
	created := make(map[EntityTypeKey][]*recorder)
	c := NewCatalog()
	require.NoError(t, c.RegisterBehavior("recorder", func(key EntityTypeKey) (Behavior, error) {
		r := &recorder{}
		created[key] = append(created[key], r)
		return r, nil
	}))
	require.NoError(t, c.Add(Template{Key: "missile", Behavior: "recorder"}))
	require.NoError(t, c.Add(Template{Key: "player", Behavior: "recorder"}))
	require.NoError(t, c.Add(Template{Key: "player-owner", Behavior: "recorder"}))
	require.NoError(t, c.Add(Template{Key: "door", ManualViewID: 7}))
	return c, created
}

type fixture struct {
	catalog    *Catalog
	registry   *Registry
	binder     *Binder
	dispatcher *Dispatcher
	publisher  *recordingPublisher
	created    map[EntityTypeKey][]*recorder
}

func newFixture(t *testing.T, roles StaticRoles) *fixture {
	t.Helper()
	catalog, created := newCatalog(t)
	registry := NewRegistry(catalog)
	binder := NewBinder(roles)
	pub := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{
		Registry:  registry,
		Binder:    binder,
		Publisher: pub,
		Metrics:   NewMetrics(nil),
		Logger:    quietLogger(),
	})
	return &fixture{
		catalog:    catalog,
		registry:   registry,
		binder:     binder,
		dispatcher: d,
		publisher:  pub,
		created:    created,
	}
}
