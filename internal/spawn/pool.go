package spawn

import "fmt"

// DefaultPoolMinSize размер предварительного наполнения пула по умолчанию
const DefaultPoolMinSize = 50

// PoolStats снимок состояния пула
type PoolStats struct {
	Key       EntityTypeKey `json:"key"`
	MinSize   int           `json:"min_size"`
	Available int           `json:"available"`
	Active    int           `json:"active"`
	Allocated int           `json:"allocated"`
	Warm      bool          `json:"warm"`
}

// ResourcePool хранит скрытые экземпляры одного шаблона и выдаёт их по LIFO.
// Пул реализует HookSet и регистрируется в реестре при наполнении.
type ResourcePool struct {
	registry *Registry
	key      EntityTypeKey
	minSize  int
	metrics  *Metrics

	container *Container
	available []*Instance
	active    map[*Instance]struct{}
	allocated int
	torn      bool
}

// NewResourcePool создаёт пул шаблона. minSize <= 0 заменяется значением по умолчанию.
func NewResourcePool(registry *Registry, key EntityTypeKey, minSize int, metrics *Metrics) *ResourcePool {
	if minSize <= 0 {
		minSize = DefaultPoolMinSize
	}
	return &ResourcePool{
		registry: registry,
		key:      key,
		minSize:  minSize,
		metrics:  metrics,
		active:   make(map[*Instance]struct{}),
	}
}

func (p *ResourcePool) Key() EntityTypeKey { return p.key }
func (p *ResourcePool) MinSize() int       { return p.minSize }
func (p *ResourcePool) Available() int     { return len(p.available) }
func (p *ResourcePool) Allocated() int     { return p.allocated }
func (p *ResourcePool) ActiveCount() int   { return len(p.active) }
func (p *ResourcePool) IsWarm() bool       { return p.container != nil && !p.torn }

// Container возвращает контейнер пула (nil до наполнения)
func (p *ResourcePool) Container() *Container { return p.container }

// Stats возвращает снимок пула
func (p *ResourcePool) Stats() PoolStats {
	return PoolStats{
		Key:       p.key,
		MinSize:   p.minSize,
		Available: len(p.available),
		Active:    len(p.active),
		Allocated: p.allocated,
		Warm:      p.IsWarm(),
	}
}

// Warm проверяет шаблон, создаёт контейнер "<key>-Pool", наполняет пул minSize
// скрытыми экземплярами и регистрирует пул в реестре.
func (p *ResourcePool) Warm() error {
	if p.torn {
		return configError("warm", p.key, nil, "pool already torn down")
	}
	if p.container != nil {
		return configError("warm", p.key, nil, "pool already warm")
	}
	t, ok := p.registry.catalog.Template(p.key)
	if !ok {
		return configError("warm", p.key, nil, "unknown template")
	}
	if t.ManualViewID != UnassignedViewID {
		return configError("warm", p.key, nil, "template has manual view id %d, pooled templates must use 0", t.ManualViewID)
	}
	if p.registry.IsRegistered(p.key) {
		return configError("warm", p.key, nil, "hooks already registered")
	}

	p.container = NewContainer(fmt.Sprintf("%s-Pool", p.key))
	p.available = make([]*Instance, 0, p.minSize)
	for i := 0; i < p.minSize; i++ {
		inst, err := p.grow()
		if err != nil {
			p.container.destroy()
			p.container = nil
			p.available = nil
			p.allocated = 0
			return err
		}
		p.available = append(p.available, inst)
	}

	if err := p.registry.Register(p.key, p); err != nil {
		p.container.destroy()
		p.container = nil
		p.available = nil
		p.allocated = 0
		return err
	}
	p.metrics.poolChanged(p)
	return nil
}

// grow конструирует ещё один экземпляр под контейнером пула
func (p *ResourcePool) grow() (*Instance, error) {
	inst, err := p.registry.catalog.construct(p.key)
	if err != nil {
		return nil, err
	}
	inst.pool = p
	p.container.adopt(inst)
	p.allocated++
	return inst, nil
}

// Acquire снимает верхний экземпляр со стека (или создаёт новый, если стек пуст)
// и переводит его в Active в заданном положении.
func (p *ResourcePool) Acquire(placement Placement) (*Instance, error) {
	if p.torn || p.container == nil {
		return nil, invariantError("acquire", p.key, UnassignedViewID, "pool is not warm")
	}

	var inst *Instance
	if n := len(p.available); n > 0 {
		inst = p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
	} else {
		var err error
		inst, err = p.grow()
		if err != nil {
			return nil, err
		}
		p.metrics.poolGrown(p.key)
	}

	inst.place(placement)
	p.active[inst] = struct{}{}
	p.metrics.poolChanged(p)
	return inst, nil
}

// Activate делает выданный экземпляр видимым
func (p *ResourcePool) Activate(inst *Instance, ctx *SpawnContext) error {
	if _, ok := p.active[inst]; !ok {
		return invariantError("activate", p.key, inst.identity.ViewID, "instance %s not handed out by this pool", inst)
	}
	inst.show(ctx)
	return nil
}

// Release прячет экземпляр и возвращает его на вершину стека.
// Экземпляр должен быть выдан этим пулом и находиться в Active.
func (p *ResourcePool) Release(inst *Instance) error {
	if inst == nil {
		return invariantError("release", p.key, UnassignedViewID, "nil instance")
	}
	if inst.pool != p {
		return invariantError("release", p.key, inst.identity.ViewID, "instance %s belongs to another pool", inst)
	}
	if _, ok := p.active[inst]; !ok || inst.state != InstanceActive {
		return invariantError("release", p.key, inst.identity.ViewID, "instance %s is not active", inst)
	}

	delete(p.active, inst)
	inst.reclaim()
	inst.state = InstanceIdle
	p.available = append(p.available, inst)
	p.metrics.poolChanged(p)
	return nil
}

// Teardown снимает регистрацию пула и уничтожает контейнер со всеми экземплярами,
// включая выданные. Повторный вызов ничего не делает.
func (p *ResourcePool) Teardown() {
	if p.torn {
		return
	}
	p.torn = true
	p.registry.unregisterIf(p.key, p)

	if p.container != nil {
		for inst := range p.active {
			inst.destroy()
		}
		p.container.destroy()
	}
	p.active = make(map[*Instance]struct{})
	p.available = nil
	p.metrics.poolRemoved(p.key)
}
