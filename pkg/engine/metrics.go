package engine

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
	"github.com/ruslano69/featurestore/pkg/plancache"
)

type metrics struct {
	// operations - завершенные операции по исходу
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	// retries - повторы после временных сбоев
	retries *prometheus.CounterVec
	// conflicts - отклоненные записи по устаревшей версии
	conflicts  *prometheus.CounterVec
	planEvents *prometheus.CounterVec
}

// newMetrics регистрирует метрики в reg; nil - без регистрации
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featurestore_operations_total",
				Help: "Total number of engine operations by outcome",
			},
			[]string{"op", "layer", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "featurestore_operation_duration_seconds",
				Help:    "Engine operation latency (stream opening for queries)",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featurestore_retries_total",
				Help: "Total number of retried attempts after transient failures",
			},
			[]string{"op"},
		),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featurestore_version_conflicts_total",
				Help: "Total number of writes rejected because of a stale version",
			},
			[]string{"layer"},
		),
		planEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featurestore_plan_cache_events_total",
				Help: "Plan cache lookups, compilations and evictions",
			},
			[]string{"event"},
		),
	}
}

// registerCacheSize публикует размер кэша планов
func registerCacheSize(reg prometheus.Registerer, c *plancache.Cache) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "featurestore_plan_cache_entries",
			Help: "Number of compiled plans held in the cache",
		},
		func() float64 { return float64(c.Len()) },
	)
}

func (m *metrics) observe(op, layer string, start time.Time, err error) {
	m.operations.WithLabelValues(op, layer, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errors.Is(err, feature.ErrConcurrencyConflict) {
		m.conflicts.WithLabelValues(layer).Inc()
	}
}

func (m *metrics) planEvent(_ string, ev plancache.EventType) {
	m.planEvents.WithLabelValues(string(ev)).Inc()
}

// outcome - метка исхода операции
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, feature.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, feature.ErrNotFound):
		return "not_found"
	case errors.Is(err, feature.ErrPreconditionRequired), errors.Is(err, feature.ErrInvalidVersionToken):
		return "precondition"
	case errors.Is(err, feature.ErrInvalidQuery), errors.Is(err, feature.ErrUnknownProperty),
		errors.Is(err, feature.ErrUnknownLayer), errors.Is(err, feature.ErrFilterTooComplex),
		errors.Is(err, filter.ErrInvalidFilter):
		return "invalid"
	case errors.Is(err, feature.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, feature.ErrTransient):
		return "transient"
	case errors.Is(err, feature.ErrPermanent):
		return "permanent"
	default:
		return "error"
	}
}
