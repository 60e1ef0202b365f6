package spawn

import "sort"

// IdentityState состояние привязки идентичности
type IdentityState uint8

const (
	IdentityUnassigned IdentityState = iota
	IdentityAssigned
)

func (s IdentityState) String() string {
	if s == IdentityAssigned {
		return "assigned"
	}
	return "unassigned"
}

// Identity сетевая идентичность сущности
type Identity struct {
	ViewID  ViewID        `json:"view_id"`
	Owner   ParticipantID `json:"owner"`
	Creator ParticipantID `json:"creator"`
	State   IdentityState `json:"-"`
}

// IsZero сообщает, что идентификатор не выдан
func (id Identity) IsZero() bool { return id.ViewID == UnassignedViewID }

// Roles сведения о роли локального участника
type Roles interface {
	IsAuthority() bool
	LocalParticipant() ParticipantID
}

// StaticRoles неизменяемая роль участника
type StaticRoles struct {
	Participant ParticipantID
	Authority   bool
}

func (r StaticRoles) IsAuthority() bool               { return r.Authority }
func (r StaticRoles) LocalParticipant() ParticipantID { return r.Participant }

// Binder выдаёт идентичности и привязывает их к экземплярам.
// Выданные идентификаторы никогда не переиспользуются.
type Binder struct {
	roles   Roles
	last    ViewID
	bound   map[ViewID]*Instance
	retired map[ViewID]struct{}
}

// NewBinder создаёт привязчик для участника с заданной ролью
func NewBinder(roles Roles) *Binder {
	return &Binder{
		roles:   roles,
		bound:   make(map[ViewID]*Instance),
		retired: make(map[ViewID]struct{}),
	}
}

// Roles возвращает роль участника
func (b *Binder) Roles() Roles { return b.roles }

// AllocateIdentity выдаёт новую идентичность. Доступно только authority.
func (b *Binder) AllocateIdentity() (Identity, error) {
	if !b.roles.IsAuthority() {
		return Identity{}, authorityError("allocate identity", "participant %d is not the authority", b.roles.LocalParticipant())
	}
	b.last++
	for b.isTaken(b.last) || b.last == UnassignedViewID {
		b.last++
	}
	return Identity{ViewID: b.last, State: IdentityUnassigned}, nil
}

func (b *Binder) isTaken(id ViewID) bool {
	if _, ok := b.bound[id]; ok {
		return true
	}
	_, ok := b.retired[id]
	return ok
}

// Bind записывает в экземпляр идентичность, владельца, создателя и данные.
// Если идентичность уже привязана, вызов ничего не меняет и возвращает
// экземпляр, к которому она привязана. Экземпляр с другой назначенной
// идентичностью даёт ErrInvariant.
func (b *Binder) Bind(inst *Instance, identity Identity, owner, creator ParticipantID, payload []interface{}) (*Instance, error) {
	if identity.IsZero() {
		return nil, invariantError("bind", inst.key, UnassignedViewID, "identity not allocated")
	}
	if existing, ok := b.bound[identity.ViewID]; ok {
		return existing, nil
	}
	if _, ok := b.retired[identity.ViewID]; ok {
		return nil, invariantError("bind", inst.key, identity.ViewID, "identity was retired")
	}
	if inst.identity.State == IdentityAssigned && inst.identity.ViewID != identity.ViewID {
		return nil, invariantError("bind", inst.key, identity.ViewID, "instance already bound to view %d", inst.identity.ViewID)
	}

	inst.identity = Identity{
		ViewID:  identity.ViewID,
		Owner:   owner,
		Creator: creator,
		State:   IdentityAssigned,
	}
	if len(payload) > 0 {
		inst.payload = make([]interface{}, len(payload))
		copy(inst.payload, payload)
	} else {
		inst.payload = nil
	}
	b.bound[identity.ViewID] = inst
	if identity.ViewID > b.last {
		b.last = identity.ViewID
	}
	return inst, nil
}

// SelectRepresentation выбирает вариант владельца, если локальный участник
// владеет сущностью и вариант владельца настроен; иначе прокси.
func (b *Binder) SelectRepresentation(local, owner ParticipantID, ownerAvailable bool) Representation {
	return SelectRepresentation(local, owner, ownerAvailable)
}

// SelectRepresentation чистая функция выбора варианта
func SelectRepresentation(local, owner ParticipantID, ownerAvailable bool) Representation {
	if local == owner && ownerAvailable {
		return RepresentationOwner
	}
	return RepresentationProxy
}

// Lookup возвращает экземпляр, привязанный к идентификатору
func (b *Binder) Lookup(id ViewID) (*Instance, bool) {
	inst, ok := b.bound[id]
	return inst, ok
}

// IsRetired сообщает, что идентификатор уже использовался и освобождён
func (b *Binder) IsRetired(id ViewID) bool {
	_, ok := b.retired[id]
	return ok
}

// Unbind снимает привязку и помечает идентификатор как использованный
func (b *Binder) Unbind(id ViewID) {
	if id == UnassignedViewID {
		return
	}
	delete(b.bound, id)
	b.retired[id] = struct{}{}
}

// forget снимает привязку без пометки об использовании
func (b *Binder) forget(id ViewID) {
	delete(b.bound, id)
}

// Bound возвращает отсортированный список привязанных идентификаторов
func (b *Binder) Bound() []ViewID {
	ids := make([]ViewID, 0, len(b.bound))
	for id := range b.bound {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count количество привязанных идентичностей
func (b *Binder) Count() int { return len(b.bound) }
