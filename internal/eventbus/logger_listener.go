package eventbus

import (
	"context"

	"github.com/annel0/mmo-spawn/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог компонента на уровне DEBUG.
// Функция неблокирующая; возвращённую подписку нужно отменить при остановке.
func StartLoggingListener(ctx context.Context, bus EventBus, logger *logging.Logger) (Subscription, error) {
	if logger == nil {
		logger = logging.GetComponentLogger("eventbus")
	}
	sub, err := bus.Subscribe(ctx, Filter{}, func(ctx context.Context, ev *Envelope) {
		logger.Debug("[EventBus] %s %s src=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return nil, err
	}
	logger.Info("🪵 LoggingListener: подписка на все события активирована")
	return sub, nil
}
