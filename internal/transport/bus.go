package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/mmo-spawn/internal/eventbus"
	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/annel0/mmo-spawn/internal/spawn"
)

// priority порождения не отбрасываются шиной при переполнении
const priority = 7

// DefaultPublishTimeout предел ожидания шины при публикации из тика
const DefaultPublishTimeout = 50 * time.Millisecond

// BusPublisher реализует spawn.Publisher поверх eventbus.
type BusPublisher struct {
	bus    eventbus.EventBus
	codec  *Codec
	sender spawn.ParticipantID
	logger *logging.Logger

	timeout time.Duration
}

// NewBusPublisher создаёт публикатор участника sender
func NewBusPublisher(bus eventbus.EventBus, codec *Codec, sender spawn.ParticipantID) *BusPublisher {
	return &BusPublisher{
		bus:    bus,
		codec:  codec,
		sender:  sender,
		logger:  logging.GetTransportLogger(),
		timeout: DefaultPublishTimeout,
	}
}

// WithTimeout задаёт предел ожидания шины; d <= 0 снимает предел.
func (p *BusPublisher) WithTimeout(d time.Duration) *BusPublisher {
	p.timeout = d
	return p
}

// Publish кодирует объявление и отправляет его в шину
func (p *BusPublisher) Publish(ctx context.Context, a spawn.Announcement) error {
	return p.PublishEvent(ctx, FromAnnouncement(a, p.sender))
}

// PublishEvent отправляет готовое событие. Sender всегда свой.
func (p *BusPublisher) PublishEvent(ctx context.Context, ev Event) error {
	ev.Sender = p.sender
	typ, err := ev.EnvelopeType()
	if err != nil {
		return err
	}
	data, err := p.codec.Encode(ev)
	if err != nil {
		return err
	}
	env := eventbus.NewEnvelope(SourceName(p.sender), typ, data)
	env.Priority = priority
	env.CorrelationID = fmt.Sprintf("view-%d", ev.ViewID)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s view=%d: %w", typ, ev.ViewID, err)
	}
	p.logger.Trace("→ %s %s view=%d owner=%d (%dB)", typ, ev.Key, ev.ViewID, ev.Owner, len(data))
	return nil
}

// Sink принимает декодированные события (входящая очередь сессии)
type Sink interface {
	Push(ev Event)
}

// BusListener получает события других участников и складывает их в Sink.
type BusListener struct {
	sub      eventbus.Subscription
	codec    *Codec
	self     string
	sink     Sink
	logger   *logging.Logger
	received atomic.Uint64
	rejected atomic.Uint64
}

// NewBusListener подписывается на события порождения. Собственные конверты отбрасываются.
func NewBusListener(ctx context.Context, bus eventbus.EventBus, codec *Codec, self spawn.ParticipantID, sink Sink) (*BusListener, error) {
	l := &BusListener{
		codec:  codec,
		self:   SourceName(self),
		sink:   sink,
		logger: logging.GetTransportLogger(),
	}
	sub, err := bus.Subscribe(ctx, eventbus.Filter{
		Types: []string{EventTypeSpawn, EventTypeDespawn, EventTypeRequest},
	}, l.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe spawn events: %w", err)
	}
	l.sub = sub
	return l, nil
}

func (l *BusListener) handle(_ context.Context, env *eventbus.Envelope) {
	if env.Source == l.self {
		return
	}
	ev, err := l.codec.Decode(env.Payload)
	if err == nil {
		err = ev.Validate()
	}
	if err == nil && SourceName(ev.Sender) != env.Source {
		err = fmt.Errorf("sender %d does not match source %q", ev.Sender, env.Source)
	}
	if err != nil {
		l.rejected.Add(1)
		l.logger.Warn("Отброшен конверт %s от %s: %v", env.ID, env.Source, err)
		return
	}
	l.sink.Push(ev)
	l.received.Add(1)
}

// Received количество принятых событий
func (l *BusListener) Received() uint64 { return l.received.Load() }

// Rejected количество отброшенных конвертов
func (l *BusListener) Rejected() uint64 { return l.rejected.Load() }

// Stop отменяет подписку
func (l *BusListener) Stop() {
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
}
