package spawn

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus-метрики подсистемы порождения.
// Все методы безопасны для nil-получателя.
type Metrics struct {
	Spawned       *prometheus.CounterVec
	Despawned     *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	PoolAvailable *prometheus.GaugeVec
	PoolActive    *prometheus.GaugeVec
	PoolAllocated *prometheus.GaugeVec
	PoolGrown     *prometheus.CounterVec
	BoundViews    prometheus.Gauge
}

// NewMetrics создаёт метрики и регистрирует их в reg (nil: без регистрации).
// Уже зарегистрированные коллекторы переиспользуются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawn",
			Name:      "instances_spawned_total",
			Help:      "Порождённые сущности по шаблону и варианту.",
		}, []string{"key", "representation"}),
		Despawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawn",
			Name:      "instances_despawned_total",
			Help:      "Освобождённые сущности по шаблону.",
		}, []string{"key"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawn",
			Name:      "errors_total",
			Help:      "Ошибки операций по виду.",
		}, []string{"op", "kind"}),
		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spawn",
			Subsystem: "pool",
			Name:      "available",
			Help:      "Свободные экземпляры в пуле.",
		}, []string{"key"}),
		PoolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spawn",
			Subsystem: "pool",
			Name:      "active",
			Help:      "Выданные экземпляры пула.",
		}, []string{"key"}),
		PoolAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spawn",
			Subsystem: "pool",
			Name:      "allocated",
			Help:      "Всего сконструировано экземпляров пулом.",
		}, []string{"key"}),
		PoolGrown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spawn",
			Subsystem: "pool",
			Name:      "grown_total",
			Help:      "Ленивые расширения пула сверх начального размера.",
		}, []string{"key"}),
		BoundViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spawn",
			Name:      "bound_views",
			Help:      "Привязанные сетевые идентичности.",
		}),
	}

	if reg != nil {
		m.Spawned = register(reg, m.Spawned)
		m.Despawned = register(reg, m.Despawned)
		m.Errors = register(reg, m.Errors)
		m.PoolAvailable = register(reg, m.PoolAvailable)
		m.PoolActive = register(reg, m.PoolActive)
		m.PoolAllocated = register(reg, m.PoolAllocated)
		m.PoolGrown = register(reg, m.PoolGrown)
		m.BoundViews = register(reg, m.BoundViews)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) spawned(key EntityTypeKey, rep Representation) {
	if m == nil {
		return
	}
	m.Spawned.WithLabelValues(string(key), rep.String()).Inc()
}

func (m *Metrics) despawned(key EntityTypeKey) {
	if m == nil {
		return
	}
	m.Despawned.WithLabelValues(string(key)).Inc()
}

func (m *Metrics) failed(op string, err error) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(op, ErrorKind(err)).Inc()
}

func (m *Metrics) bound(n int) {
	if m == nil {
		return
	}
	m.BoundViews.Set(float64(n))
}

func (m *Metrics) poolChanged(p *ResourcePool) {
	if m == nil {
		return
	}
	key := string(p.key)
	m.PoolAvailable.WithLabelValues(key).Set(float64(len(p.available)))
	m.PoolActive.WithLabelValues(key).Set(float64(len(p.active)))
	m.PoolAllocated.WithLabelValues(key).Set(float64(p.allocated))
}

func (m *Metrics) poolGrown(key EntityTypeKey) {
	if m == nil {
		return
	}
	m.PoolGrown.WithLabelValues(string(key)).Inc()
}

func (m *Metrics) poolRemoved(key EntityTypeKey) {
	if m == nil {
		return
	}
	m.PoolAvailable.DeleteLabelValues(string(key))
	m.PoolActive.DeleteLabelValues(string(key))
	m.PoolAllocated.DeleteLabelValues(string(key))
}
