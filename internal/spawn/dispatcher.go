package spawn

import (
	"context"
	"sort"

	"github.com/annel0/mmo-spawn/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AnnouncementKind вид сообщения для остальных участников
type AnnouncementKind uint8

const (
	AnnounceSpawn   AnnouncementKind = iota // сущность порождена authority
	AnnounceDespawn                         // сущность освобождена
	AnnounceRequest                         // запрос к authority на порождение
)

func (k AnnouncementKind) String() string {
	switch k {
	case AnnounceSpawn:
		return "spawn"
	case AnnounceDespawn:
		return "despawn"
	case AnnounceRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Announcement кортеж, который публикуется после порождения или освобождения
type Announcement struct {
	Kind      AnnouncementKind
	Key       EntityTypeKey
	OwnerKey  EntityTypeKey
	Identity  Identity
	Placement Placement
	Payload   []interface{}
}

// Publisher доставляет объявления остальным участникам
type Publisher interface {
	Publish(ctx context.Context, a Announcement) error
}

// SpawnRequest запрос на порождение. Key: вариант прокси, OwnerKey:
// необязательный вариант владельца. Пустая Identity означает, что её
// должен выдать authority.
type SpawnRequest struct {
	Key       EntityTypeKey
	OwnerKey  EntityTypeKey
	Placement Placement
	Owner     ParticipantID
	Creator   ParticipantID
	Identity  Identity
	Payload   []interface{}
}

// SpawnHandle результат порождения
type SpawnHandle struct {
	ViewID         ViewID
	Key            EntityTypeKey
	ProxyKey       EntityTypeKey
	OwnerKey       EntityTypeKey
	Representation Representation
	Owner          ParticipantID
	Creator        ParticipantID
	Instance       *Instance

	phase Phase
	hooks HookSet
}

// Phase текущая фаза порождения
func (h *SpawnHandle) Phase() Phase { return h.phase }

// DispatcherConfig зависимости диспетчера
type DispatcherConfig struct {
	Registry  *Registry
	Binder    *Binder
	Publisher Publisher
	Metrics   *Metrics
	Logger    *logging.Logger
	Tracer    trace.Tracer
}

// Dispatcher проводит событие порождения через фазы
// Requested → Acquired → Bound → Active и обратно в Released.
type Dispatcher struct {
	registry  *Registry
	binder    *Binder
	publisher Publisher
	metrics   *Metrics
	logger    *logging.Logger
	tracer    trace.Tracer

	handles  map[ViewID]*SpawnHandle
	inflight map[ViewID]Phase
}

// NewDispatcher создаёт диспетчер
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.GetSpawnLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/annel0/mmo-spawn/internal/spawn")
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		binder:    cfg.Binder,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		handles:   make(map[ViewID]*SpawnHandle),
		inflight:  make(map[ViewID]Phase),
	}
}

// SetPublisher подключает публикацию объявлений
func (d *Dispatcher) SetPublisher(p Publisher) { d.publisher = p }

// Spawn порождает сущность. Без идентичности её выдаёт локальный authority и
// публикует объявление; с идентичностью (событие от authority) порождение
// идемпотентно: повтор для уже активной идентичности возвращает прежний handle.
func (d *Dispatcher) Spawn(ctx context.Context, req SpawnRequest) (*SpawnHandle, error) {
	ctx, span := d.tracer.Start(ctx, "spawn.Spawn", trace.WithAttributes(
		attribute.String("spawn.key", string(req.Key)),
		attribute.String("spawn.owner_key", string(req.OwnerKey)),
		attribute.Int64("spawn.owner", int64(req.Owner)),
	))
	defer span.End()

	identity := req.Identity
	allocated := false
	if identity.IsZero() {
		id, err := d.binder.AllocateIdentity()
		if err != nil {
			d.fail(span, "spawn", err)
			return nil, err
		}
		identity = id
		identity.Owner = req.Owner
		identity.Creator = req.Creator
		allocated = true
	}
	span.SetAttributes(attribute.Int64("spawn.view_id", int64(identity.ViewID)))

	h, fresh, err := d.instantiate(ctx, req, identity)
	if err != nil {
		d.fail(span, "spawn", err)
		return nil, err
	}
	if !fresh {
		span.AddEvent("duplicate")
		return h, nil
	}

	if allocated && d.publisher != nil {
		ann := Announcement{
			Kind:      AnnounceSpawn,
			Key:       h.ProxyKey,
			OwnerKey:  h.OwnerKey,
			Identity:  Identity{ViewID: h.ViewID, Owner: h.Owner, Creator: h.Creator},
			Placement: h.Instance.Placement(),
			Payload:   h.Instance.Payload(),
		}
		if err := d.publisher.Publish(ctx, ann); err != nil {
			d.metrics.failed("publish", err)
			span.RecordError(err)
			d.logger.Error("Не удалось опубликовать порождение view=%d (%s): %v", h.ViewID, h.Key, err)
		}
	}
	return h, nil
}

// instantiate выполняет фазы порождения для уже известной идентичности
func (d *Dispatcher) instantiate(ctx context.Context, req SpawnRequest, identity Identity) (*SpawnHandle, bool, error) {
	id := identity.ViewID
	if h, ok := d.handles[id]; ok {
		return h, false, nil
	}
	if phase, busy := d.inflight[id]; busy {
		return nil, false, invariantError("spawn", req.Key, id, "spawn already in progress (%s)", phase)
	}
	if d.binder.IsRetired(id) {
		return nil, false, invariantError("spawn", req.Key, id, "identity was already released")
	}
	if req.Key == "" {
		return nil, false, configError("spawn", "", nil, "empty entity type key")
	}

	local := d.binder.Roles().LocalParticipant()
	rep := d.binder.SelectRepresentation(local, identity.Owner, d.canBuild(req.OwnerKey))
	key := req.Key
	if rep == RepresentationOwner {
		key = req.OwnerKey
	}

	h := &SpawnHandle{
		ViewID:         id,
		Key:            key,
		ProxyKey:       req.Key,
		OwnerKey:       req.OwnerKey,
		Representation: rep,
		Owner:          identity.Owner,
		Creator:        identity.Creator,
		phase:          PhaseRequested,
		hooks:          d.registry.Lookup(key),
	}
	d.inflight[id] = PhaseRequested
	defer delete(d.inflight, id)

	inst, err := h.hooks.Acquire(req.Placement)
	if err != nil {
		return nil, false, err
	}
	h.Instance = inst
	h.phase = PhaseAcquired
	d.inflight[id] = h.phase

	bound, err := d.binder.Bind(inst, identity, identity.Owner, identity.Creator, req.Payload)
	if err != nil {
		d.rollback(h)
		return nil, false, err
	}
	if bound != inst {
		d.rollback(h)
		return nil, false, invariantError("spawn", key, id, "identity bound to another instance %s", bound)
	}
	inst.representation = rep
	h.phase = PhaseBound
	d.inflight[id] = h.phase

	sctx := &SpawnContext{
		Key:            key,
		Representation: rep,
		Placement:      inst.Placement(),
		Identity:       inst.Identity(),
		Owner:          identity.Owner,
		Creator:        identity.Creator,
		Payload:        inst.Payload(),
	}
	if err := h.hooks.Activate(inst, sctx); err != nil {
		d.binder.forget(id)
		d.rollback(h)
		return nil, false, err
	}
	h.phase = PhaseActive
	d.handles[id] = h

	d.metrics.spawned(key, rep)
	d.metrics.bound(d.binder.Count())
	d.logger.Debug("Порождена сущность view=%d %s (%s) владелец=%d", id, key, rep, identity.Owner)
	return h, true, nil
}

// canBuild: есть ли локально стратегия или шаблон для ключа.
// Без них владелец получает прокси.
func (d *Dispatcher) canBuild(key EntityTypeKey) bool {
	if key == "" {
		return false
	}
	if d.registry.IsRegistered(key) {
		return true
	}
	_, ok := d.registry.Catalog().Template(key)
	return ok
}

// rollback возвращает полученный экземпляр, если порождение не дошло до Active
func (d *Dispatcher) rollback(h *SpawnHandle) {
	if h.Instance == nil {
		return
	}
	if err := h.hooks.Release(h.Instance); err != nil {
		d.logger.Warn("Откат порождения view=%d: %v", h.ViewID, err)
	}
}

// Despawn освобождает активную сущность. Authority или владелец публикуют объявление.
func (d *Dispatcher) Despawn(ctx context.Context, h *SpawnHandle) error {
	return d.despawn(ctx, h, true)
}

// DespawnView освобождает сущность по событию от другого участника.
// Неизвестный идентификатор игнорируется.
func (d *Dispatcher) DespawnView(ctx context.Context, id ViewID) error {
	h, ok := d.handles[id]
	if !ok {
		return nil
	}
	return d.despawn(ctx, h, false)
}

func (d *Dispatcher) despawn(ctx context.Context, h *SpawnHandle, announce bool) error {
	if h == nil {
		return invariantError("despawn", "", UnassignedViewID, "nil handle")
	}
	ctx, span := d.tracer.Start(ctx, "spawn.Despawn", trace.WithAttributes(
		attribute.String("spawn.key", string(h.Key)),
		attribute.Int64("spawn.view_id", int64(h.ViewID)),
	))
	defer span.End()

	if h.phase != PhaseActive || d.handles[h.ViewID] != h {
		err := invariantError("despawn", h.Key, h.ViewID, "handle is %s", h.phase)
		d.fail(span, "despawn", err)
		return err
	}

	if h.Instance.State() != InstanceDestroyed {
		if err := h.hooks.Release(h.Instance); err != nil {
			d.fail(span, "despawn", err)
			return err
		}
	}
	h.phase = PhaseReleased
	delete(d.handles, h.ViewID)
	d.binder.Unbind(h.ViewID)
	d.metrics.despawned(h.Key)
	d.metrics.bound(d.binder.Count())
	d.logger.Debug("Освобождена сущность view=%d %s", h.ViewID, h.Key)

	roles := d.binder.Roles()
	if announce && d.publisher != nil && (roles.IsAuthority() || roles.LocalParticipant() == h.Owner) {
		ann := Announcement{
			Kind:     AnnounceDespawn,
			Key:      h.ProxyKey,
			OwnerKey: h.OwnerKey,
			Identity: Identity{ViewID: h.ViewID, Owner: h.Owner, Creator: h.Creator},
		}
		if err := d.publisher.Publish(ctx, ann); err != nil {
			d.metrics.failed("publish", err)
			span.RecordError(err)
			d.logger.Error("Не удалось опубликовать освобождение view=%d: %v", h.ViewID, err)
		}
	}
	return nil
}

// DespawnOwnedBy освобождает все сущности участника и возвращает их количество
func (d *Dispatcher) DespawnOwnedBy(ctx context.Context, owner ParticipantID) int {
	count := 0
	for _, h := range d.Handles() {
		if h.Owner != owner {
			continue
		}
		if err := d.despawn(ctx, h, d.binder.Roles().IsAuthority()); err != nil {
			d.logger.Warn("Очистка view=%d участника %d: %v", h.ViewID, owner, err)
			continue
		}
		count++
	}
	return count
}

// Sweep забывает сущности, экземпляры которых уничтожены вне диспетчера
// (например, при разборе пула). Возвращает количество забытых.
func (d *Dispatcher) Sweep() int {
	count := 0
	for id, h := range d.handles {
		if h.Instance.State() != InstanceDestroyed {
			continue
		}
		h.phase = PhaseReleased
		delete(d.handles, id)
		d.binder.Unbind(id)
		d.metrics.despawned(h.Key)
		count++
	}
	if count > 0 {
		d.metrics.bound(d.binder.Count())
	}
	return count
}

// Handle возвращает активную сущность по идентификатору
func (d *Dispatcher) Handle(id ViewID) (*SpawnHandle, bool) {
	h, ok := d.handles[id]
	return h, ok
}

// Handles возвращает активные сущности в порядке view id
func (d *Dispatcher) Handles() []*SpawnHandle {
	out := make([]*SpawnHandle, 0, len(d.handles))
	for _, h := range d.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ViewID < out[j].ViewID })
	return out
}

// Count количество активных сущностей
func (d *Dispatcher) Count() int { return len(d.handles) }

func (d *Dispatcher) fail(span trace.Span, op string, err error) {
	d.metrics.failed(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Warn("Ошибка %s: %v", op, err)
}
