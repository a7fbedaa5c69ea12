package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors.
//
// Metrics:
//   - itemforge_runs_submitted_total{caller,preset,mode}
//   - itemforge_runs_completed_total{status}
//   - itemforge_queue_depth
//   - itemforge_active_workers
//   - itemforge_rate_limit_hits_total{caller,limit_type}
type Metrics struct {
	SubmittedTotal *prometheus.CounterVec
	CompletedTotal *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	ActiveWorkers  prometheus.Gauge
	RateLimitHits  *prometheus.CounterVec
}

// NewMetrics registers the scheduler metrics with reg. Each registry may
// only be used once; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmittedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "itemforge_runs_submitted_total",
				Help: "Total number of accepted run submissions",
			},
			[]string{"caller", "preset", "mode"},
		),
		CompletedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "itemforge_runs_completed_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"status"}, // done, failed, cancelled
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "itemforge_queue_depth",
			Help: "Runs waiting for a worker slot",
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "itemforge_active_workers",
			Help: "Runs currently holding a worker slot",
		}),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "itemforge_rate_limit_hits_total",
				Help: "Submissions refused by admission control",
			},
			[]string{"caller", "limit_type"},
		),
	}
}
