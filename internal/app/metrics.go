package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the operational instruments for the harvest pipeline.
type Metrics struct {
	registry *prometheus.Registry

	harvestRuns       *prometheus.CounterVec
	harvestedFacts    *prometheus.CounterVec
	harvestDuration   prometheus.Histogram
	failedRepos       prometheus.Counter
	rateLimitRemained *prometheus.GaugeVec
	queueDepth        prometheus.GaugeFunc
}

// NewMetrics registers the harvest instruments on a fresh registry.
func NewMetrics(queueDepth func() int) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	m := &Metrics{
		registry: registry,
		harvestRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_harvest_runs_total",
			Help: "Completed harvest jobs by result.",
		}, []string{"result"}),
		harvestedFacts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_facts_collected_total",
			Help: "New contribution facts ingested by resource.",
		}, []string{"resource"}),
		harvestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_harvest_duration_seconds",
			Help:    "Wall clock duration of a full subject harvest.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		failedRepos: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvester_failed_repositories_total",
			Help: "Repositories skipped by failure isolation during commit collection.",
		}),
		rateLimitRemained: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvester_rate_limit_remaining",
			Help: "Last observed remaining API quota per subject.",
		}, []string{"subject"}),
	}
	if queueDepth != nil {
		m.queueDepth = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "harvester_job_queue_depth",
			Help: "Jobs waiting in the harvest queue.",
		}, func() float64 { return float64(queueDepth()) })
	}
	return m
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHarvest records the outcome of one harvest job.
func (m *Metrics) ObserveHarvest(duration time.Duration, failed bool) {
	result := "success"
	if failed {
		result = "failure"
	}
	m.harvestRuns.WithLabelValues(result).Inc()
	m.harvestDuration.Observe(duration.Seconds())
}

// ObserveFacts records the fact counts from a harvest summary.
func (m *Metrics) ObserveFacts(repositories, commits, pullRequests, issues, failedRepos int) {
	m.harvestedFacts.WithLabelValues("repositories").Add(float64(repositories))
	m.harvestedFacts.WithLabelValues("commits").Add(float64(commits))
	m.harvestedFacts.WithLabelValues("pull_requests").Add(float64(pullRequests))
	m.harvestedFacts.WithLabelValues("issues").Add(float64(issues))
	m.failedRepos.Add(float64(failedRepos))
}

// ObserveRateLimit records the remaining quota for a subject.
func (m *Metrics) ObserveRateLimit(subjectID string, remaining int) {
	m.rateLimitRemained.WithLabelValues(subjectID).Set(float64(remaining))
}
