package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stanle/madopt/constants"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Dispatches  prometheus.Counter
	Expressions prometheus.Counter
	Panics      prometheus.Counter
	Latency     prometheus.Histogram
	Workers     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. With a nil
// reg they are created unregistered. Register one Metrics per registry and
// share it between dispatchers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dispatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "dispatch_total",
			Help:      "Parallel evaluation requests served",
		}),
		Expressions: f.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "expressions_evaluated_total",
			Help:      "Expressions evaluated by dispatcher workers",
		}),
		Panics: f.NewCounter(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "worker_panics_total",
			Help:      "Evaluation requests aborted by a worker panic",
		}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one parallel evaluation request",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		Workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "workers",
			Help:      "Live dispatcher workers",
		}),
	}
}

func (m *Metrics) observe(start time.Time, exprs int) {
	m.Dispatches.Inc()
	m.Expressions.Add(float64(exprs))
	m.Latency.Observe(time.Since(start).Seconds())
}
