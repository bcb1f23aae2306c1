// Package observability exposes dispatcher and scheduler state as
// Prometheus metrics, replacing the teacher's hand-rolled text
// exposition with the real client library the rest of the pack reaches
// for.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the gauges/counters the dispatcher and scheduler update
// as requests move through the pool.
type Metrics struct {
	InFlight      prometheus.Gauge
	Remaining     prometheus.Gauge
	Processed     prometheus.Counter
	CacheHits     prometheus.Counter
	RobotsBlocked prometheus.Counter
	HookErrors    *prometheus.CounterVec
}

// New registers and returns a fresh Metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default registerer across parallel test packages.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "politefetch_in_flight",
			Help: "Requests currently dispatched to the network.",
		}),
		Remaining: f.NewGauge(prometheus.GaugeOpts{
			Name: "politefetch_remaining",
			Help: "Requests pushed but not yet completed.",
		}),
		Processed: f.NewCounter(prometheus.CounterOpts{
			Name: "politefetch_processed_total",
			Help: "Requests that have completed, successfully or not.",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "politefetch_cache_hits_total",
			Help: "Completed requests whose response was served from a caching proxy.",
		}),
		RobotsBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "politefetch_robots_blocked_total",
			Help: "Pushes rejected by the robots policy oracle.",
		}),
		HookErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "politefetch_hook_errors_total",
			Help: "Hook invocations that panicked.",
		}, []string{"hook"}),
	}
}

// Observe records the dispatcher's in-flight and remaining gauges after
// a state change; processed is counted separately by IncProcessed.
func (m *Metrics) Observe(inFlight, remaining int) {
	m.InFlight.Set(float64(inFlight))
	m.Remaining.Set(float64(remaining))
}

func (m *Metrics) IncProcessed()     { m.Processed.Inc() }
func (m *Metrics) IncCacheHit()      { m.CacheHits.Inc() }
func (m *Metrics) IncRobotsBlocked() { m.RobotsBlocked.Inc() }
func (m *Metrics) IncHookError(hook string) {
	m.HookErrors.WithLabelValues(hook).Inc()
}
