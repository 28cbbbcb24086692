package distributor

import (
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the distributor's Prometheus collectors.
type Metrics struct {
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	hookDecisions  *prometheus.CounterVec
	filterRebuilds prometheus.Counter
	filterSkips    prometheus.Counter
}

// NewMetrics registers the distributor metrics with reg. A nil reg uses a
// private registry, which keeps tests from colliding on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eds",
			Subsystem: "distributor",
			Name:      "calls_total",
			Help:      "Distributor entry point calls by operation and outcome code",
		}, []string{"op", "code"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eds",
			Subsystem: "distributor",
			Name:      "call_duration_seconds",
			Help:      "Distributor entry point latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		hookDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eds",
			Subsystem: "distributor",
			Name:      "hook_decisions_total",
			Help:      "Authorization hook outcomes by path taken",
		}, []string{"decision"}),

		filterRebuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eds",
			Subsystem: "distributor",
			Name:      "component_filter_rebuilds_total",
			Help:      "Number of times the component bloom filter was rebuilt",
		}),

		filterSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eds",
			Subsystem: "distributor",
			Name:      "component_filter_negatives_total",
			Help:      "Hook lookups answered by the bloom filter without touching the ledger",
		}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	code := "OK"
	if err != nil {
		if code = ederrors.GetCode(err); code == "" {
			code = "UNKNOWN"
		}
	}
	m.callsTotal.WithLabelValues(op, code).Inc()
	m.callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) decision(d string) {
	m.hookDecisions.WithLabelValues(d).Inc()
}
