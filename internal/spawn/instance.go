package spawn

import "fmt"

// Behavior колбэки жизненного цикла, которые экземпляр получает от подсистемы.
type Behavior interface {
	// OnInstantiated вызывается при активации с полным контекстом порождения
	OnInstantiated(ctx *SpawnContext)
	// OnReclaimed вызывается при возврате экземпляра в пул или его уничтожении
	OnReclaimed()
}

// NoopBehavior поведение по умолчанию
type NoopBehavior struct{}

func (NoopBehavior) OnInstantiated(*SpawnContext) {}
func (NoopBehavior) OnReclaimed()                 {}

// InstanceState состояние экземпляра относительно пула
type InstanceState uint8

const (
	InstanceIdle      InstanceState = iota // в пуле, скрыт
	InstanceActive                         // выдан вызывающей стороне
	InstanceDestroyed                      // уничтожен окончательно
)

func (s InstanceState) String() string {
	switch s {
	case InstanceIdle:
		return "idle"
	case InstanceActive:
		return "active"
	case InstanceDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Instance сконструированный экземпляр шаблона
type Instance struct {
	serial    uint64
	key       EntityTypeKey
	behavior  Behavior
	pool      *ResourcePool
	container *Container

	state     InstanceState
	visible   bool
	placement Placement

	identity       Identity
	payload        []interface{}
	representation Representation
}

func (i *Instance) Serial() uint64                 { return i.serial }
func (i *Instance) Key() EntityTypeKey             { return i.key }
func (i *Instance) Behavior() Behavior             { return i.behavior }
func (i *Instance) Pool() *ResourcePool            { return i.pool }
func (i *Instance) Container() *Container          { return i.container }
func (i *Instance) State() InstanceState           { return i.state }
func (i *Instance) Visible() bool                  { return i.visible }
func (i *Instance) Placement() Placement           { return i.placement }
func (i *Instance) Identity() Identity             { return i.identity }
func (i *Instance) ViewID() ViewID                 { return i.identity.ViewID }
func (i *Instance) Owner() ParticipantID           { return i.identity.Owner }
func (i *Instance) Creator() ParticipantID         { return i.identity.Creator }
func (i *Instance) Representation() Representation { return i.representation }

// Payload возвращает копию данных инстанцирования
func (i *Instance) Payload() []interface{} {
	if i.payload == nil {
		return nil
	}
	out := make([]interface{}, len(i.payload))
	copy(out, i.payload)
	return out
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s#%d(%s, view=%d)", i.key, i.serial, i.state, i.identity.ViewID)
}

// place переводит экземпляр в Active в заданном положении. Видимым он станет при активации.
func (i *Instance) place(p Placement) {
	i.state = InstanceActive
	i.visible = false
	i.placement = p.normalized()
}

// show делает экземпляр видимым и отдаёт контекст поведению
func (i *Instance) show(ctx *SpawnContext) {
	i.visible = true
	if i.behavior != nil {
		i.behavior.OnInstantiated(ctx)
	}
}

// reclaim прячет экземпляр и сбрасывает привязку идентичности
func (i *Instance) reclaim() {
	if i.behavior != nil {
		i.behavior.OnReclaimed()
	}
	i.visible = false
	i.identity = Identity{}
	i.payload = nil
	i.representation = RepresentationProxy
}

// destroy уничтожает экземпляр; повторный вызов ничего не делает
func (i *Instance) destroy() {
	if i.state == InstanceDestroyed {
		return
	}
	if i.state == InstanceActive {
		i.reclaim()
	}
	i.state = InstanceDestroyed
	i.visible = false
	if i.container != nil {
		i.container.remove(i)
	}
}

// Container именованная группа, к которой привязаны экземпляры пула.
type Container struct {
	name      string
	children  map[*Instance]struct{}
	destroyed bool
}

// NewContainer создаёт пустой контейнер
func NewContainer(name string) *Container {
	return &Container{name: name, children: make(map[*Instance]struct{})}
}

func (c *Container) Name() string { return c.name }

// Len количество привязанных экземпляров
func (c *Container) Len() int { return len(c.children) }

// Destroyed сообщает, что контейнер уничтожен
func (c *Container) Destroyed() bool { return c.destroyed }

// Contains проверяет принадлежность экземпляра контейнеру
func (c *Container) Contains(inst *Instance) bool {
	_, ok := c.children[inst]
	return ok
}

func (c *Container) adopt(inst *Instance) {
	c.children[inst] = struct{}{}
	inst.container = c
}

func (c *Container) remove(inst *Instance) {
	delete(c.children, inst)
	if inst.container == c {
		inst.container = nil
	}
}

// destroy уничтожает контейнер вместе со всеми оставшимися экземплярами
func (c *Container) destroy() {
	if c.destroyed {
		return
	}
	for inst := range c.children {
		inst.destroy()
	}
	c.children = make(map[*Instance]struct{})
	c.destroyed = true
}
