// Package metrics holds the Prometheus instruments shared by the assistant's
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "k8s_ai_assistant"

type Metrics struct {
	registry *prometheus.Registry

	scans           *prometheus.CounterVec
	issues          *prometheus.GaugeVec
	remediations    *prometheus.CounterVec
	classifications *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	cycleErrors     prometheus.Counter
	logQueueDepth   prometheus.Gauge
}

// New registers every instrument on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Cluster scans by resource kind and outcome.",
		}, []string{"kind", "outcome"}),
		issues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "issues",
			Help:      "Issues found by the most recent scan.",
		}, []string{"severity"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_attempts_total",
			Help:      "Remediation attempts by action and status.",
		}, []string{"action", "status"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Text classifications by matched catalog key.",
		}, []string{"issue_type"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM requests by backend and outcome.",
		}, []string{"backend", "outcome"}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycle_errors_total",
			Help:      "Scheduler cycles that ended in an error.",
		}),
		logQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_queue_depth",
			Help:      "Entries waiting in the log tail queue.",
		}),
	}

	reg.MustRegister(
		m.scans, m.issues, m.remediations, m.classifications,
		m.llmRequests, m.cycleErrors, m.logQueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ScanCompleted(kind, outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetIssues(severity string, n int) {
	if m == nil {
		return
	}
	m.issues.WithLabelValues(severity).Set(float64(n))
}

func (m *Metrics) RemediationAttempted(action, status string) {
	if m == nil {
		return
	}
	m.remediations.WithLabelValues(action, status).Inc()
}

func (m *Metrics) Classified(issueType string) {
	if m == nil {
		return
	}
	if issueType == "" {
		issueType = "none"
	}
	m.classifications.WithLabelValues(issueType).Inc()
}

func (m *Metrics) LLMRequest(backend, outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) CycleFailed() {
	if m == nil {
		return
	}
	m.cycleErrors.Inc()
}

func (m *Metrics) SetLogQueueDepth(n int) {
	if m == nil {
		return
	}
	m.logQueueDepth.Set(float64(n))
}
