package spawn

import "sort"

// HookSet стратегия получения, активации и освобождения экземпляров одного шаблона.
type HookSet interface {
	// Acquire выдаёт экземпляр в положении placement (Active, ещё не видимый)
	Acquire(placement Placement) (*Instance, error)
	// Activate делает экземпляр видимым и передаёт ему контекст порождения
	Activate(inst *Instance, ctx *SpawnContext) error
	// Release освобождает экземпляр
	Release(inst *Instance) error
}

// HookFuncs собирает HookSet из функций. Пустые поля заменяются поведением по умолчанию.
type HookFuncs struct {
	AcquireFunc  func(placement Placement) (*Instance, error)
	ActivateFunc func(inst *Instance, ctx *SpawnContext) error
	ReleaseFunc  func(inst *Instance) error

	fallback HookSet
}

func (h *HookFuncs) Acquire(placement Placement) (*Instance, error) {
	if h.AcquireFunc != nil {
		return h.AcquireFunc(placement)
	}
	return h.fallback.Acquire(placement)
}

func (h *HookFuncs) Activate(inst *Instance, ctx *SpawnContext) error {
	if h.ActivateFunc != nil {
		return h.ActivateFunc(inst, ctx)
	}
	return h.fallback.Activate(inst, ctx)
}

func (h *HookFuncs) Release(inst *Instance) error {
	if h.ReleaseFunc != nil {
		return h.ReleaseFunc(inst)
	}
	return h.fallback.Release(inst)
}

// defaultHooks конструирует новый экземпляр на каждое порождение и уничтожает при освобождении
type defaultHooks struct {
	catalog *Catalog
	key     EntityTypeKey
}

func (d defaultHooks) Acquire(placement Placement) (*Instance, error) {
	inst, err := d.catalog.construct(d.key)
	if err != nil {
		return nil, err
	}
	inst.place(placement)
	return inst, nil
}

func (d defaultHooks) Activate(inst *Instance, ctx *SpawnContext) error {
	if inst.state != InstanceActive {
		return invariantError("activate", d.key, inst.identity.ViewID, "instance is %s", inst.state)
	}
	inst.show(ctx)
	return nil
}

func (d defaultHooks) Release(inst *Instance) error {
	if inst.state == InstanceDestroyed {
		return invariantError("release", d.key, inst.identity.ViewID, "instance already destroyed")
	}
	inst.destroy()
	return nil
}

// Registry сопоставляет ключ шаблона и стратегию хуков.
type Registry struct {
	catalog *Catalog
	hooks   map[EntityTypeKey]HookSet
}

// NewRegistry создаёт пустой реестр поверх каталога шаблонов
func NewRegistry(catalog *Catalog) *Registry {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Registry{
		catalog: catalog,
		hooks:   make(map[EntityTypeKey]HookSet),
	}
}

// Catalog возвращает каталог шаблонов реестра
func (r *Registry) Catalog() *Catalog { return r.catalog }

// Register регистрирует стратегию для ключа. Повторная регистрация: ErrConfiguration.
func (r *Registry) Register(key EntityTypeKey, hooks HookSet) error {
	if hooks == nil {
		return configError("register", key, nil, "nil hook set")
	}
	if _, exists := r.hooks[key]; exists {
		return configError("register", key, nil, "hooks already registered")
	}
	if hf, ok := hooks.(*HookFuncs); ok && hf.fallback == nil {
		hf.fallback = defaultHooks{catalog: r.catalog, key: key}
	}
	r.hooks[key] = hooks
	return nil
}

// Unregister удаляет стратегию; отсутствующий ключ не ошибка
func (r *Registry) Unregister(key EntityTypeKey) {
	delete(r.hooks, key)
}

// unregisterIf удаляет стратегию, только если зарегистрирована именно она
func (r *Registry) unregisterIf(key EntityTypeKey, hooks HookSet) {
	if current, ok := r.hooks[key]; ok && current == hooks {
		delete(r.hooks, key)
	}
}

// Lookup возвращает зарегистрированную стратегию или стратегию по умолчанию
func (r *Registry) Lookup(key EntityTypeKey) HookSet {
	if hooks, ok := r.hooks[key]; ok {
		return hooks
	}
	return defaultHooks{catalog: r.catalog, key: key}
}

// IsRegistered сообщает, есть ли для ключа явная стратегия
func (r *Registry) IsRegistered(key EntityTypeKey) bool {
	_, ok := r.hooks[key]
	return ok
}

// Keys возвращает отсортированные ключи с явными стратегиями
func (r *Registry) Keys() []EntityTypeKey {
	keys := make([]EntityTypeKey, 0, len(r.hooks))
	for k := range r.hooks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
