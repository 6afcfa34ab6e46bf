package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketsync"

// Metrics groups the scheduler's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Ticks          *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	SlicesEnqueued prometheus.Counter
	Claims         prometheus.Counter
	Dispatches     *prometheus.CounterVec
	RunsCompleted  *prometheus.CounterVec
	Reclaimed      *prometheus.CounterVec
	Retried        prometheus.Counter
	Errors         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total", Help: "Scheduler ticks by resulting health status.",
		}, []string{"status"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds", Help: "Wall time of one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SlicesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slices_enqueued_total", Help: "Job runs inserted by slice enqueue.",
		}),
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total", Help: "Job runs moved from queued to running.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatches_total", Help: "Fetch worker calls by path and result.",
		}, []string{"path", "result"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_completed_total", Help: "Job runs reaching a terminal status.",
		}, []string{"status"}),
		Reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_runs_total", Help: "Stale running job runs by action taken.",
		}, []string{"action"}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retried_total", Help: "Failed job runs requeued by retry maintenance.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Isolated errors by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.TickDuration, m.SlicesEnqueued, m.Claims, m.Dispatches,
			m.RunsCompleted, m.Reclaimed, m.Retried, m.Errors)
	}
	return m
}

func (m *Metrics) ObserveTick(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(status).Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) AddEnqueued(n int) {
	if m == nil {
		return
	}
	m.SlicesEnqueued.Add(float64(n))
}

func (m *Metrics) IncClaim() {
	if m == nil {
		return
	}
	m.Claims.Inc()
}

func (m *Metrics) IncDispatch(path string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Dispatches.WithLabelValues(path, result).Inc()
}

func (m *Metrics) IncCompleted(status string) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(status).Inc()
}

func (m *Metrics) AddReclaimed(reset, failed int) {
	if m == nil {
		return
	}
	m.Reclaimed.WithLabelValues("reset").Add(float64(reset))
	m.Reclaimed.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) AddRetried(n int) {
	if m == nil {
		return
	}
	m.Retried.Add(float64(n))
}

func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}
