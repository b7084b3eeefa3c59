package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus instruments for the analysis pipeline.
// A nil *Metrics is a valid disabled instance: every Record method is a
// no-op, so callers never branch on whether metrics are wired.
type Metrics struct {
	eventsProcessed   *prometheus.CounterVec
	entitiesExtracted *prometheus.CounterVec
	responsesExecuted *prometheus.CounterVec
	expansionFailures *prometheus.CounterVec
	batchInflight     prometheus.Gauge
	eventProcessing   prometheus.Histogram
	stageSeconds      *prometheus.HistogramVec
}

// New registers the pipeline instruments with reg (DefaultRegisterer when
// nil) and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Telemetry events analyzed, labeled by terminal status.",
		}, []string{"status"}),
		entitiesExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entities_extracted_total",
			Help: "Entities recognized in event payloads, labeled by type.",
		}, []string{"entity_type"}),
		responsesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "responses_executed_total",
			Help: "Response actions dispatched, labeled by action and outcome.",
		}, []string{"action", "status"}),
		expansionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "expansion_failures_total",
			Help: "Connection expansion branches that failed, labeled by method.",
		}, []string{"method"}),
		batchInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batch_inflight",
			Help: "Events currently being analyzed by BatchAnalyze.",
		}),
		eventProcessing: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "event_processing_seconds",
			Help:    "Wall-clock time to analyze one event.",
			Buckets: prometheus.DefBuckets,
		}),
		stageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_seconds",
			Help:    "Wall-clock time per pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// RecordEvent counts one analyzed event and observes its processing time.
func (m *Metrics) RecordEvent(status string, seconds float64) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(status).Inc()
	m.eventProcessing.Observe(seconds)
}

// RecordEntitiesExtracted adds n recognized entities of one type.
func (m *Metrics) RecordEntitiesExtracted(entityType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entitiesExtracted.WithLabelValues(entityType).Add(float64(n))
}

// RecordResponse counts one dispatched response action.
func (m *Metrics) RecordResponse(action, status string) {
	if m == nil {
		return
	}
	m.responsesExecuted.WithLabelValues(action, status).Inc()
}

// RecordExpansionFailure counts one failed expansion branch.
func (m *Metrics) RecordExpansionFailure(method string) {
	if m == nil {
		return
	}
	m.expansionFailures.WithLabelValues(method).Inc()
}

// BatchStarted marks one event entering batch analysis.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.batchInflight.Inc()
}

// BatchFinished marks one event leaving batch analysis.
func (m *Metrics) BatchFinished() {
	if m == nil {
		return
	}
	m.batchInflight.Dec()
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(seconds)
}
