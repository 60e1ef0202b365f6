// Package session связывает реестр, пулы, привязчик и диспетчер одного
// участника и выполняет всю их работу в едином потоке тика.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/annel0/mmo-spawn/internal/config"
	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/annel0/mmo-spawn/internal/spawn"
	"github.com/annel0/mmo-spawn/internal/transport"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed операция над закрытой сессией
var ErrClosed = errors.New("session: closed")

// Config параметры сессии участника
type Config struct {
	Participant         spawn.ParticipantID
	Authority           bool
	AuthoritativeServer bool
	TickRate            int
	// KeepAfterLeave отключает очистку сущностей ушедшего участника
	KeepAfterLeave      bool
	AnnounceSelf        AnnounceSelf
	Pools               []PoolSpec
	Templates           []spawn.Template
}

// AnnounceSelf собственная сущность участника, порождаемая при старте
type AnnounceSelf struct {
	Enabled         bool
	Proxy           spawn.EntityTypeKey
	Owner           spawn.EntityTypeKey
	AppendLoginData bool
	LoginData       []interface{}
	Placement       spawn.Placement
}

// PoolSpec пул, наполняемый при старте
type PoolSpec struct {
	Key     spawn.EntityTypeKey
	MinSize int
}

// FromConfig переводит файловую конфигурацию в параметры сессии
func FromConfig(cfg *config.Config) Config {
	sc := Config{
		Participant:         spawn.ParticipantID(cfg.Session.ParticipantID),
		Authority:           cfg.Session.Authority,
		AuthoritativeServer: cfg.Session.AuthoritativeServer,
		TickRate:            cfg.Session.TickRate,
		KeepAfterLeave:      !cfg.Session.CleanupEnabled(),
		AnnounceSelf: AnnounceSelf{
			Enabled:         cfg.Session.AnnounceSelf.Enabled,
			Proxy:           spawn.EntityTypeKey(cfg.Session.AnnounceSelf.Proxy),
			Owner:           spawn.EntityTypeKey(cfg.Session.AnnounceSelf.Owner),
			AppendLoginData: cfg.Session.AnnounceSelf.AppendLoginData,
			LoginData:       cfg.Session.AnnounceSelf.LoginData,
		},
	}
	for _, p := range cfg.Pools {
		sc.Pools = append(sc.Pools, PoolSpec{Key: spawn.EntityTypeKey(p.Key), MinSize: p.MinSize})
	}
	for _, t := range cfg.Templates {
		sc.Templates = append(sc.Templates, spawn.Template{
			Key:          spawn.EntityTypeKey(t.Key),
			Behavior:     t.Behavior,
			ManualViewID: spawn.ViewID(t.ManualViewID),
		})
	}
	return sc
}

// Deps внешние зависимости сессии. Все поля необязательны.
type Deps struct {
	// Catalog каталог с заранее зарегистрированными поведениями
	Catalog   *spawn.Catalog
	Publisher spawn.Publisher
	Metrics   *spawn.Metrics
	Logger    *logging.Logger
	Tracer    trace.Tracer
}

// Ticker вызывается в конце каждого тика после разбора очереди
type Ticker func(ctx context.Context, s *Session, tick uint64)

// Stats снимок состояния сессии
type Stats struct {
	Participant spawn.ParticipantID `json:"participant"`
	Authority   bool                `json:"authority"`
	Tick        uint64              `json:"tick"`
	Views       int                 `json:"views"`
	Pending     int                 `json:"pending"`
	Pools       []spawn.PoolStats   `json:"pools"`
	Started     bool                `json:"started"`
}

// Session контроллер порождения одного участника.
// Все методы кроме Push, Enqueue и Call вызываются из потока тика.
type Session struct {
	cfg        Config
	roles      spawn.StaticRoles
	catalog    *spawn.Catalog
	registry   *spawn.Registry
	binder     *spawn.Binder
	dispatcher *spawn.Dispatcher
	publisher  spawn.Publisher
	metrics    *spawn.Metrics
	logger     *logging.Logger

	pools   map[spawn.EntityTypeKey]*spawn.ResourcePool
	inbox   *Inbox
	tickers []Ticker

	tick      uint64
	started   bool
	closed    bool
	selfView  spawn.ViewID
	requested bool
}

// New собирает сессию и регистрирует шаблоны из конфигурации
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.TickRate <= 0 {
		cfg.TickRate = config.DefaultTickRate
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetSessionLogger()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = spawn.NewCatalog()
	}
	for _, t := range cfg.Templates {
		if err := catalog.Add(t); err != nil {
			return nil, err
		}
	}

	roles := spawn.StaticRoles{Participant: cfg.Participant, Authority: cfg.Authority}
	registry := spawn.NewRegistry(catalog)
	binder := spawn.NewBinder(roles)

	s := &Session{
		cfg:       cfg,
		roles:     roles,
		catalog:   catalog,
		registry:  registry,
		binder:    binder,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		pools:     make(map[spawn.EntityTypeKey]*spawn.ResourcePool),
		inbox:     NewInbox(),
	}
	s.dispatcher = spawn.NewDispatcher(spawn.DispatcherConfig{
		Registry:  registry,
		Binder:    binder,
		Publisher: deps.Publisher,
		Metrics:   deps.Metrics,
		Logger:    deps.Logger,
		Tracer:    deps.Tracer,
	})
	return s, nil
}

func (s *Session) Catalog() *spawn.Catalog       { return s.catalog }
func (s *Session) Registry() *spawn.Registry     { return s.registry }
func (s *Session) Binder() *spawn.Binder         { return s.binder }
func (s *Session) Dispatcher() *spawn.Dispatcher { return s.dispatcher }
func (s *Session) Inbox() *Inbox                 { return s.inbox }
func (s *Session) Roles() spawn.StaticRoles      { return s.roles }
func (s *Session) Config() Config                { return s.cfg }

// SetPublisher подключает публикацию после создания транспорта
func (s *Session) SetPublisher(p spawn.Publisher) {
	s.publisher = p
	s.dispatcher.SetPublisher(p)
}

// AddTicker регистрирует обработчик конца тика
func (s *Session) AddTicker(t Ticker) {
	s.tickers = append(s.tickers, t)
}

// Push принимает событие транспорта; безопасно из любой горутины
func (s *Session) Push(ev transport.Event) { s.inbox.Push(ev) }

// Enqueue ставит команду на выполнение в потоке тика; безопасно из любой горутины
func (s *Session) Enqueue(cmd Command) { s.inbox.PushCommand(cmd) }

// Call выполняет fn в потоке тика и дожидается результата.
// Если ctx истёк до выполнения, fn не вызывается.
func (s *Session) Call(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	done := make(chan error, 1)
	caller := ctx
	s.Enqueue(func(ctx context.Context, s *Session) {
		// вызывающий уже получил ошибку: команда не выполняется
		if err := caller.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx, s)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start наполняет пулы из конфигурации и порождает собственную сущность участника
func (s *Session) Start(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return fmt.Errorf("session: already started")
	}

	for _, p := range s.cfg.Pools {
		if err := s.RegisterPool(p.Key, p.MinSize); err != nil {
			for key := range s.pools {
				s.pools[key].Teardown()
				delete(s.pools, key)
			}
			return fmt.Errorf("warm pool %s: %w", p.Key, err)
		}
	}
	s.started = true

	role := "участник"
	if s.roles.Authority {
		role = "authority"
	}
	s.logger.Info("🚀 Сессия запущена: участник %d (%s), пулов: %d, %d тиков/с", s.roles.Participant, role, len(s.pools), s.cfg.TickRate)

	return s.announceSelf(ctx)
}

// announceSelf порождает сущность локального участника: authority сразу,
// остальные участники запрашивают её у authority.
func (s *Session) announceSelf(ctx context.Context) error {
	as := s.cfg.AnnounceSelf
	if !as.Enabled {
		return nil
	}
	if !s.roles.Authority && s.cfg.AuthoritativeServer {
		s.logger.Debug("Собственная сущность порождается сервером, запрос не отправляется")
		return nil
	}
	if s.selfView != spawn.UnassignedViewID || s.requested {
		return nil
	}

	var payload []interface{}
	if as.AppendLoginData {
		payload = as.LoginData
	}
	local := s.roles.Participant

	if s.roles.Authority {
		h, err := s.dispatcher.Spawn(ctx, spawn.SpawnRequest{
			Key:       as.Proxy,
			OwnerKey:  as.Owner,
			Placement: as.Placement,
			Owner:     local,
			Creator:   local,
			Payload:   payload,
		})
		if err != nil {
			return fmt.Errorf("announce self: %w", err)
		}
		s.selfView = h.ViewID
		return nil
	}

	if s.publisher == nil {
		return fmt.Errorf("announce self: no publisher for spawn request")
	}
	err := s.publisher.Publish(ctx, spawn.Announcement{
		Kind:      spawn.AnnounceRequest,
		Key:       as.Proxy,
		OwnerKey:  as.Owner,
		Identity:  spawn.Identity{Owner: local, Creator: local},
		Placement: as.Placement,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("announce self: %w", err)
	}
	s.requested = true
	return nil
}

// SelfView идентификатор собственной сущности участника (0, пока не порождена)
func (s *Session) SelfView() spawn.ViewID { return s.selfView }

// Tick разбирает очередь в порядке поступления и вызывает обработчики тика
func (s *Session) Tick(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	for _, it := range s.inbox.Drain() {
		if it.Command != nil {
			it.Command(ctx, s)
			continue
		}
		s.apply(ctx, *it.Event)
	}
	for _, t := range s.tickers {
		t(ctx, s, s.tick)
	}
	s.tick++
	return nil
}

// Run выполняет тики с частотой TickRate до отмены контекста
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// apply применяет событие другого участника
func (s *Session) apply(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.KindSpawn:
		if ev.Sender != spawn.ServerParticipant {
			s.logger.Warn("Порождение view=%d от участника %d отклонено: выдаёт только authority", ev.ViewID, ev.Sender)
			return
		}
		h, err := s.dispatcher.Spawn(ctx, ev.SpawnRequest())
		if err != nil {
			s.logger.Warn("Не удалось применить порождение view=%d: %v", ev.ViewID, err)
			return
		}
		if h.Owner == s.roles.Participant && h.ProxyKey == s.cfg.AnnounceSelf.Proxy && s.selfView == spawn.UnassignedViewID {
			s.selfView = h.ViewID
		}

	case transport.KindDespawn:
		if ev.Sender != spawn.ServerParticipant {
			// не-authority освобождает только то, чем владеет по локальной записи
			if h, ok := s.dispatcher.Handle(ev.ViewID); ok && h.Owner != ev.Sender {
				s.logger.Warn("Освобождение view=%d от участника %d отклонено: владелец %d", ev.ViewID, ev.Sender, h.Owner)
				return
			}
		}
		if err := s.dispatcher.DespawnView(ctx, ev.ViewID); err != nil {
			s.logger.Warn("Не удалось применить освобождение view=%d: %v", ev.ViewID, err)
			return
		}
		if ev.ViewID == s.selfView {
			s.selfView = spawn.UnassignedViewID
		}

	case transport.KindRequest:
		if !s.roles.Authority {
			return
		}
		req := ev.SpawnRequest()
		req.Creator = ev.Sender
		if ev.Sender != spawn.ServerParticipant && req.Owner != ev.Sender {
			// клиент запрашивает сущность только для себя
			s.logger.Warn("Запрос %s от участника %d для владельца %d: владелец заменён на отправителя", ev.Key, ev.Sender, req.Owner)
			req.Owner = ev.Sender
		}
		if _, err := s.dispatcher.Spawn(ctx, req); err != nil {
			s.logger.Warn("Запрос порождения %s от участника %d отклонён: %v", ev.Key, ev.Sender, err)
		}
	}
}

// RegisterPool создаёт и наполняет пул шаблона
func (s *Session) RegisterPool(key spawn.EntityTypeKey, minSize int) error {
	if s.closed {
		return ErrClosed
	}
	pool := spawn.NewResourcePool(s.registry, key, minSize, s.metrics)
	if err := pool.Warm(); err != nil {
		return err
	}
	s.pools[key] = pool
	s.logger.Info("🏊 Пул %s наполнен: %d экземпляров", pool.Container().Name(), pool.Available())
	return nil
}

// UnregisterPool разбирает пул; выданные из него сущности забываются.
// Отсутствующий пул не ошибка.
func (s *Session) UnregisterPool(key spawn.EntityTypeKey) int {
	pool, ok := s.pools[key]
	if !ok {
		return 0
	}
	pool.Teardown()
	delete(s.pools, key)
	swept := s.dispatcher.Sweep()
	s.logger.Info("🧹 Пул %s разобран, забыто сущностей: %d", key, swept)
	return swept
}

// Pools возвращает снимки пулов в порядке ключей
func (s *Session) Pools() []spawn.PoolStats {
	keys := make([]spawn.EntityTypeKey, 0, len(s.pools))
	for k := range s.pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]spawn.PoolStats, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.pools[k].Stats())
	}
	return out
}

// Pool возвращает пул по ключу
func (s *Session) Pool(key spawn.EntityTypeKey) (*spawn.ResourcePool, bool) {
	p, ok := s.pools[key]
	return p, ok
}

// Spawn порождает сущность от имени локального authority
func (s *Session) Spawn(ctx context.Context, key spawn.EntityTypeKey, placement spawn.Placement, owner spawn.ParticipantID, payload []interface{}) (*spawn.SpawnHandle, error) {
	return s.Instantiate(ctx, spawn.SpawnRequest{
		Key:       key,
		Placement: placement,
		Owner:     owner,
		Payload:   payload,
	})
}

// Instantiate порождает сущность по полному запросу (в том числе с вариантом владельца)
func (s *Session) Instantiate(ctx context.Context, req spawn.SpawnRequest) (*spawn.SpawnHandle, error) {
	if s.closed {
		return nil, ErrClosed
	}
	req.Identity = spawn.Identity{}
	req.Creator = s.roles.Participant
	return s.dispatcher.Spawn(ctx, req)
}

// Request просит authority породить сущность. На authority порождает сразу.
func (s *Session) Request(ctx context.Context, req spawn.SpawnRequest) error {
	if s.closed {
		return ErrClosed
	}
	if s.roles.Authority {
		_, err := s.Instantiate(ctx, req)
		return err
	}
	if s.publisher == nil {
		return fmt.Errorf("session: no publisher for spawn request")
	}
	return s.publisher.Publish(ctx, spawn.Announcement{
		Kind:      spawn.AnnounceRequest,
		Key:       req.Key,
		OwnerKey:  req.OwnerKey,
		Identity:  spawn.Identity{Owner: req.Owner, Creator: s.roles.Participant},
		Placement: req.Placement,
		Payload:   req.Payload,
	})
}

// Despawn освобождает сущность. Не-authority может освобождать только свои сущности.
func (s *Session) Despawn(ctx context.Context, id spawn.ViewID) error {
	if s.closed {
		return ErrClosed
	}
	h, ok := s.dispatcher.Handle(id)
	if !ok {
		return &spawn.Error{Kind: spawn.ErrInvariant, Op: "despawn", ViewID: id, Msg: "unknown view"}
	}
	if !s.roles.Authority && h.Owner != s.roles.Participant {
		return &spawn.Error{Kind: spawn.ErrAuthority, Op: "despawn", Key: h.Key, ViewID: id,
			Msg: fmt.Sprintf("participant %d does not own the view", s.roles.Participant)}
	}
	if err := s.dispatcher.Despawn(ctx, h); err != nil {
		return err
	}
	if id == s.selfView {
		s.selfView = spawn.UnassignedViewID
	}
	return nil
}

// ParticipantLeft освобождает сущности ушедшего участника (только authority,
// если включена очистка). Возвращает количество освобождённых.
func (s *Session) ParticipantLeft(ctx context.Context, p spawn.ParticipantID) int {
	if s.closed || !s.roles.Authority || s.cfg.KeepAfterLeave {
		return 0
	}
	n := s.dispatcher.DespawnOwnedBy(ctx, p)
	if n > 0 {
		s.logger.Info("👋 Участник %d ушёл, освобождено сущностей: %d", p, n)
	}
	return n
}

// Handles активные сущности
func (s *Session) Handles() []*spawn.SpawnHandle { return s.dispatcher.Handles() }

// Stats снимок состояния
func (s *Session) Stats() Stats {
	return Stats{
		Participant: s.roles.Participant,
		Authority:   s.roles.Authority,
		Tick:        s.tick,
		Views:       s.dispatcher.Count(),
		Pending:     s.inbox.Len(),
		Pools:       s.Pools(),
		Started:     s.started,
	}
}

// Close разбирает все пулы. Повторный вызов ничего не делает.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	for _, stats := range s.Pools() {
		s.pools[stats.Key].Teardown()
		delete(s.pools, stats.Key)
	}
	s.dispatcher.Sweep()
	s.closed = true
	s.logger.Info("🛑 Сессия участника %d закрыта", s.roles.Participant)
	return nil
}
