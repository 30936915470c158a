// Package metrics exports run telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cost-insight/decision/insight"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// Run statuses
const (
	StatusPublished = "published"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// Collector implements insight.Observer with Prometheus metrics
type Collector struct {
	registry *prometheus.Registry

	quality           *prometheus.GaugeVec
	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	componentFailures *prometheus.CounterVec
	llmAttempts       *prometheus.CounterVec
	lastSuccess       *prometheus.GaugeVec
}

// New creates the collectors on a private registry that also carries the Go and process collectors
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		quality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insight_quality_score",
			Help: "Quality score of the latest bundle per client.",
		}, []string{"client"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_runs_total",
			Help: "Orchestration runs by outcome.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_run_duration_seconds",
			Help:    "Wall time of successful runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		componentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_component_failures_total",
			Help: "Detector, model and stage failures by component.",
		}, []string{"component"}),
		llmAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_llm_attempts_total",
			Help: "Narrative model calls by outcome.",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insight_last_success_timestamp_seconds",
			Help: "Unix time of the latest published bundle per client.",
		}, []string{"client"}),
	}
	reg.MustRegister(c.quality, c.runs, c.runDuration, c.componentFailures, c.llmAttempts, c.lastSuccess)
	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RunCompleted(b *api.InsightBundle, elapsed time.Duration) {
	status := StatusPublished
	if len(b.Quality.DegradedSections) > 0 {
		status = StatusDegraded
	}
	c.runs.WithLabelValues(status).Inc()
	c.quality.WithLabelValues(b.ClientID).Set(b.QualityScore)
	c.runDuration.Observe(elapsed.Seconds())
	c.lastSuccess.WithLabelValues(b.ClientID).Set(float64(b.GeneratedAt.Unix()))
}

func (c *Collector) RunFailed(_ string, err error) {
	c.runs.WithLabelValues(StatusFailed).Inc()
	c.componentFailures.WithLabelValues("run_" + ierrors.KindOf(err).String()).Inc()
}

func (c *Collector) ComponentFailed(component string, count int) {
	if count <= 0 {
		return
	}
	c.componentFailures.WithLabelValues(component).Add(float64(count))
}

func (c *Collector) LLMAttempt(outcome string) {
	c.llmAttempts.WithLabelValues(outcome).Inc()
}

var _ insight.Observer = (*Collector)(nil)
