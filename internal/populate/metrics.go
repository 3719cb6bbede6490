package populate

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	labelPopulated = "populated"
	labelSkipped   = "skipped"
	labelFailed    = "failed"
	labelConflict  = "conflict"
)

type metrics struct {
	keys     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &metrics{
		keys: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "populate",
			Name:      "keys_total",
			Help:      "Keys handled by populate, by table and outcome.",
		}, []string{"table", "outcome"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Subsystem: "populate",
			Name:      "make_duration_seconds",
			Help:      "Time spent in computations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"table"})),
		pending: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Subsystem: "populate",
			Name:      "pending_keys",
			Help:      "Pending keys seen at the start of the last pass.",
		}, []string{"table"})),
	}
}

// register adds c to reg, reusing an identical collector registered by
// another engine in the same process.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) count(table, outcome string) {
	m.keys.WithLabelValues(table, outcome).Inc()
}
