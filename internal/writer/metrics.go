package writer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the writer loop's Prometheus counters, grounded on
// ClusterCockpit's own promauto-based instrumentation pattern.
type Metrics struct {
	Flushes prometheus.Counter
	Errors  prometheus.Counter
}

// NewMetrics registers the writer's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kenshin",
			Subsystem: "writer",
			Name:      "flushes_total",
			Help:      "Total number of bundle files successfully flushed to disk.",
		}),
		Errors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kenshin",
			Subsystem: "writer",
			Name:      "flush_errors_total",
			Help:      "Total number of bundle flush attempts that failed and were retried next tick.",
		}),
	}
}
