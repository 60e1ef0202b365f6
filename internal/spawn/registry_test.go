package spawn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterTwice(t *testing.T) {
	catalog, _ := newCatalog(t)
	registry := NewRegistry(catalog)

	require.NoError(t, registry.Register("missile", &HookFuncs{}))
	err := registry.Register("missile", &HookFuncs{})
	require.ErrorIs(t, err, ErrConfiguration)

	var spawnErr *Error
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, EntityTypeKey("missile"), spawnErr.Key)
	assert.Equal(t, "register", spawnErr.Op)
}

func TestRegistryUnregisterMissingIsNoop(t *testing.T) {
	registry := NewRegistry(nil)
	assert.NotPanics(t, func() { registry.Unregister("nothing") })
	assert.Empty(t, registry.Keys())
}

func TestRegistryLookupFallsBackToDefault(t *testing.T) {
	catalog, created := newCatalog(t)
	registry := NewRegistry(catalog)

	hooks := registry.Lookup("missile")
	inst, err := hooks.Acquire(At(3, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, InstanceActive, inst.State())
	assert.Nil(t, inst.Pool(), "экземпляр по умолчанию не принадлежит пулу")

	require.NoError(t, hooks.Activate(inst, &SpawnContext{Key: "missile"}))
	assert.True(t, inst.Visible())

	require.NoError(t, hooks.Release(inst))
	assert.Equal(t, InstanceDestroyed, inst.State(), "по умолчанию экземпляр уничтожается")
	require.Len(t, created["missile"], 1)
	assert.Equal(t, 1, created["missile"][0].reclaimed)

	require.ErrorIs(t, hooks.Release(inst), ErrInvariant)
}

func TestRegistryUnknownTemplate(t *testing.T) {
	registry := NewRegistry(NewCatalog())
	_, err := registry.Lookup("ghost").Acquire(At(0, 0, 0))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestRegistryHookFuncsFallback(t *testing.T) {
	catalog, _ := newCatalog(t)
	registry := NewRegistry(catalog)

	released := 0
	hooks := &HookFuncs{
		ReleaseFunc: func(inst *Instance) error {
			released++
			inst.destroy()
			return nil
		},
	}
	require.NoError(t, registry.Register("player", hooks))

	got := registry.Lookup("player")
	inst, err := got.Acquire(At(0, 0, 0))
	require.NoError(t, err, "Acquire берётся из стратегии по умолчанию")
	require.NoError(t, got.Release(inst))
	assert.Equal(t, 1, released)
}

func TestRegistryKeysSorted(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register("b", &HookFuncs{}))
	require.NoError(t, registry.Register("a", &HookFuncs{}))
	assert.Equal(t, []EntityTypeKey{"a", "b"}, registry.Keys())

	registry.Unregister("a")
	assert.False(t, registry.IsRegistered("a"))
	assert.True(t, registry.IsRegistered("b"))
}

func TestCatalogValidation(t *testing.T) {
	c := NewCatalog()
	require.ErrorIs(t, c.Add(Template{}), ErrConfiguration)
	require.ErrorIs(t, c.Add(Template{Key: "x", Behavior: "missing"}), ErrConfiguration)
	require.NoError(t, c.Add(Template{Key: "x"}))
	require.ErrorIs(t, c.Add(Template{Key: "x"}), ErrConfiguration)

	tmpl, ok := c.Template("x")
	require.True(t, ok)
	assert.Equal(t, "noop", tmpl.Behavior)

	require.ErrorIs(t, c.RegisterBehavior("noop", func(EntityTypeKey) (Behavior, error) { return nil, nil }), ErrConfiguration)
}

func TestCatalogBehaviorFailure(t *testing.T) {
	c := NewCatalog()
	boom := errors.New("boom")
	require.NoError(t, c.RegisterBehavior("broken", func(EntityTypeKey) (Behavior, error) { return nil, boom }))
	require.NoError(t, c.Add(Template{Key: "bad", Behavior: "broken"}))

	pool := NewResourcePool(NewRegistry(c), "bad", 2, nil)
	err := pool.Warm()
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, boom, "причина сохраняется")
}
