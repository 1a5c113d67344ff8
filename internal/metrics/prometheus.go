package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "serialforge"

// Prometheus implements Collector backed by Prometheus. Metrics are created
// and registered on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	jobsCreated    prometheus.Counter
	jobConflicts   prometheus.Counter
	runsActive     prometheus.Gauge
	runsFinished   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	watchdogFired  prometheus.Counter
	attempts       *prometheus.CounterVec
	attemptScores  prometheus.Histogram
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	qualityRuns    *prometheus.CounterVec
	qualityLatency *prometheus.HistogramVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector. A nil registerer means
// prometheus.DefaultRegisterer; an empty namespace means DefaultNamespace.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.jobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total chapter jobs accepted for execution.",
		})
		p.jobConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "jobs",
			Name:      "conflicts_total",
			Help:      "Job creations rejected because the project already had an active job.",
		})
		p.runsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "jobs",
			Name:      "runs_active",
			Help:      "Pipeline runs currently executing.",
		})
		p.runsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "jobs",
			Name:      "runs_finished_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"})
		p.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s .. ~43m
		}, []string{"status"})
		p.watchdogFired = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "jobs",
			Name:      "watchdog_timeouts_total",
			Help:      "Jobs failed by the watchdog after going idle.",
		})
		p.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pipeline",
			Name:      "attempts_total",
			Help:      "Critic verdicts by outcome (accepted, rejected).",
		}, []string{"outcome"})
		p.attemptScores = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "pipeline",
			Name:      "attempt_score",
			Help:      "Composite critic scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		})
		p.backendCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Generation backend requests by stage and result.",
		}, []string{"stage", "result"})
		p.backendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Generation backend latency by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms .. ~2m
		}, []string{"stage"})
		p.qualityRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "quality",
			Name:      "module_runs_total",
			Help:      "Enrichment module runs by module and result.",
		}, []string{"module", "result"})
		p.qualityLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "quality",
			Name:      "module_duration_seconds",
			Help:      "Enrichment module wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"module"})

		p.reg.MustRegister(
			p.jobsCreated,
			p.jobConflicts,
			p.runsActive,
			p.runsFinished,
			p.runDuration,
			p.watchdogFired,
			p.attempts,
			p.attemptScores,
			p.backendCalls,
			p.backendLatency,
			p.qualityRuns,
			p.qualityLatency,
		)
	})
}

// JobCreated counts an accepted job creation
func (p *Prometheus) JobCreated() {
	p.ensureRegistered()
	p.jobsCreated.Inc()
}

// JobConflict counts a rejected duplicate creation
func (p *Prometheus) JobConflict() {
	p.ensureRegistered()
	p.jobConflicts.Inc()
}

// RunStarted marks a pipeline run as executing
func (p *Prometheus) RunStarted() {
	p.ensureRegistered()
	p.runsActive.Inc()
}

// RunFinished records a run's terminal status and duration
func (p *Prometheus) RunFinished(status string, d time.Duration) {
	p.ensureRegistered()
	p.runsActive.Dec()
	p.runsFinished.WithLabelValues(status).Inc()
	p.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// WatchdogTimeout counts a watchdog failure
func (p *Prometheus) WatchdogTimeout() {
	p.ensureRegistered()
	p.watchdogFired.Inc()
}

// AttemptScored records one critic verdict
func (p *Prometheus) AttemptScored(accepted bool, score float64) {
	p.ensureRegistered()
	p.attempts.WithLabelValues(outcome(accepted)).Inc()
	p.attemptScores.Observe(score)
}

// BackendRequest records one generation call
func (p *Prometheus) BackendRequest(stage string, d time.Duration, err error) {
	p.ensureRegistered()
	p.backendCalls.WithLabelValues(stage, result(err)).Inc()
	p.backendLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// QualityModule records one enrichment module run
func (p *Prometheus) QualityModule(module string, d time.Duration, err error) {
	p.ensureRegistered()
	p.qualityRuns.WithLabelValues(module, result(err)).Inc()
	p.qualityLatency.WithLabelValues(module).Observe(d.Seconds())
}

func outcome(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
