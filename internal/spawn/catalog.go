package spawn

import (
	"sort"
)

// BehaviorFactory создаёт поведение для нового экземпляра шаблона
type BehaviorFactory func(key EntityTypeKey) (Behavior, error)

// Template описание шаблона (префаба), из которого конструируются экземпляры.
type Template struct {
	Key EntityTypeKey
	// ManualViewID заранее назначенный идентификатор. Для пулов обязан быть 0.
	ManualViewID ViewID
	// Behavior имя фабрики поведения в каталоге; пустое имя: "noop"
	Behavior string
}

// Catalog хранит шаблоны и фабрики поведений и конструирует экземпляры.
type Catalog struct {
	templates map[EntityTypeKey]*Template
	factories map[string]BehaviorFactory
	serial    uint64
}

// NewCatalog создаёт каталог с зарегистрированной фабрикой "noop"
func NewCatalog() *Catalog {
	c := &Catalog{
		templates: make(map[EntityTypeKey]*Template),
		factories: make(map[string]BehaviorFactory),
	}
	c.factories["noop"] = func(EntityTypeKey) (Behavior, error) { return NoopBehavior{}, nil }
	return c
}

// RegisterBehavior регистрирует фабрику поведения под именем
func (c *Catalog) RegisterBehavior(name string, factory BehaviorFactory) error {
	if name == "" || factory == nil {
		return configError("register behavior", "", nil, "empty name or nil factory")
	}
	if _, exists := c.factories[name]; exists {
		return configError("register behavior", "", nil, "behavior %q already registered", name)
	}
	c.factories[name] = factory
	return nil
}

// Add добавляет шаблон; ключ должен быть уникален, фабрика поведения: известна
func (c *Catalog) Add(t Template) error {
	if t.Key == "" {
		return configError("add template", "", nil, "empty key")
	}
	if _, exists := c.templates[t.Key]; exists {
		return configError("add template", t.Key, nil, "template already defined")
	}
	if t.Behavior == "" {
		t.Behavior = "noop"
	}
	if _, ok := c.factories[t.Behavior]; !ok {
		return configError("add template", t.Key, nil, "unknown behavior %q", t.Behavior)
	}
	c.templates[t.Key] = &t
	return nil
}

// Template возвращает шаблон по ключу
func (c *Catalog) Template(key EntityTypeKey) (Template, bool) {
	t, ok := c.templates[key]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Keys возвращает отсортированные ключи шаблонов
func (c *Catalog) Keys() []EntityTypeKey {
	keys := make([]EntityTypeKey, 0, len(c.templates))
	for k := range c.templates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// construct создаёт новый экземпляр шаблона. Экземпляр возвращается в состоянии Idle и скрыт.
func (c *Catalog) construct(key EntityTypeKey) (*Instance, error) {
	t, ok := c.templates[key]
	if !ok {
		return nil, configError("construct", key, nil, "unknown template")
	}
	factory := c.factories[t.Behavior]
	behavior, err := factory(key)
	if err != nil {
		return nil, configError("construct", key, err, "behavior %q", t.Behavior)
	}
	if behavior == nil {
		behavior = NoopBehavior{}
	}

	c.serial++
	inst := &Instance{
		serial:   c.serial,
		key:      key,
		behavior: behavior,
		state:    InstanceIdle,
	}
	if t.ManualViewID != UnassignedViewID {
		inst.identity = Identity{ViewID: t.ManualViewID, State: IdentityAssigned}
	}
	return inst, nil
}
