package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cap2cal/internal/enrichment"
	"cap2cal/internal/race"
)

const namespace = "cap2cal"

// Metrics owns a private registry so tests and multiple servers never clash
// on global registration.
type Metrics struct {
	registry *prometheus.Registry

	candidates      *prometheus.CounterVec
	candidateTime   *prometheus.HistogramVec
	races           *prometheus.CounterVec
	raceTime        *prometheus.HistogramVec
	enrichmentJobs  *prometheus.CounterVec
	enrichAttempts  prometheus.Histogram
	quotaDecisions  *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	scanOutcomes    *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	latency := []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 150}

	m.candidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "race_candidates_total",
		Help:      "Race candidates by stage and result",
	}, []string{"stage", "result", "late"})
	m.candidateTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "race_candidate_duration_seconds",
		Help:      "Time from candidate launch to settle",
		Buckets:   latency,
	}, []string{"stage"})
	m.races = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "races_total",
		Help:      "Resolved races by stage and whether a candidate won",
	}, []string{"stage", "won"})
	m.raceTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "race_duration_seconds",
		Help:      "Time until a race resolved",
		Buckets:   latency,
	}, []string{"stage"})
	m.enrichmentJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrichment_jobs_total",
		Help:      "Enrichment jobs by terminal state",
	}, []string{"state", "cache"})
	m.enrichAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "enrichment_attempts",
		Help:      "Attempts used per enrichment job",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	})
	m.quotaDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_decisions_total",
		Help:      "Gate decisions by result",
	}, []string{"result"})
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   latency,
	}, []string{"route"})
	m.scanOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_outcomes_total",
		Help:      "Scan results by outcome: success, a declared reason, or infra_error",
	}, []string{"outcome"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.candidates, m.candidateTime, m.races, m.raceTime,
		m.enrichmentJobs, m.enrichAttempts, m.quotaDecisions,
		m.requests, m.requestDuration, m.scanOutcomes,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCandidate implements race.Observer.
func (m *Metrics) ObserveCandidate(stage string, result race.CandidateResult, late bool) {
	if m == nil {
		return
	}
	label := "valid"
	if !result.Valid {
		label = result.Failure
		if label == "" {
			label = "invalid"
		}
	}
	m.candidates.WithLabelValues(stage, label, strconv.FormatBool(late)).Inc()
	m.candidateTime.WithLabelValues(stage).Observe(result.Duration.Seconds())
}

// ObserveRace implements race.Observer.
func (m *Metrics) ObserveRace(stage string, won bool, d time.Duration) {
	if m == nil {
		return
	}
	m.races.WithLabelValues(stage, strconv.FormatBool(won)).Inc()
	m.raceTime.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveEnrichment implements enrichment.Observer.
func (m *Metrics) ObserveEnrichment(result enrichment.JobResult) {
	if m == nil {
		return
	}
	cache := "miss"
	if result.FromCache {
		cache = "hit"
	}
	m.enrichmentJobs.WithLabelValues(string(result.State), cache).Inc()
	m.enrichAttempts.Observe(float64(result.Attempts))
}

// ObserveQuota records a gate verdict: allowed, limited, unauthorized, or error.
func (m *Metrics) ObserveQuota(result string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(result).Inc()
}

// ObserveScan records how a scan ended.
func (m *Metrics) ObserveScan(outcome string) {
	if m == nil {
		return
	}
	m.scanOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

var (
	_ race.Observer       = (*Metrics)(nil)
	_ enrichment.Observer = (*Metrics)(nil)
)
