package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Handler struct {
	FilesDetectedTotal    *prometheus.CounterVec
	FilesSkippedTotal     *prometheus.CounterVec
	RunsTotal             *prometheus.CounterVec
	MessagesAnonymized    *prometheus.CounterVec
	EntitiesFoundTotal    *prometheus.CounterVec
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryRetriesTotal  *prometheus.CounterVec
	DeliveryLatency       *prometheus.HistogramVec
	AuditEventsTotal      *prometheus.CounterVec
	PipelineDuration      *prometheus.HistogramVec
	InflightOrchestration *prometheus.GaugeVec
}

type Options struct {
	// Additional labels necessary
}

func New(name string) (*Handler, error) {
	return &Handler{
		FilesDetectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "files_detected_total",
			Help: "The total number of candidate files detected in the watch folder",
		}, []string{}),
		FilesSkippedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "files_skipped_total",
			Help: "The total number of files skipped before a run was created",
		}, []string{"reason"}),
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total",
			Help: "The total number of processing runs by terminal status",
		}, []string{"status"}),
		MessagesAnonymized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_anonymized_total",
			Help: "The total number of chat messages passed through anonymization",
		}, []string{}),
		EntitiesFoundTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "entities_found_total",
			Help: "The total number of PII entities detected",
		}, []string{"entity_type"}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "The total number of delivery calls by outcome",
		}, []string{"outcome"}),
		DeliveryRetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_retries_total",
			Help: "The total number of delivery retry attempts",
		}, []string{"target"}),
		DeliveryLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_latency_seconds",
			Help:    "The latency of delivery calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		AuditEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "The total number of audit event appends by outcome",
		}, []string{"outcome"}),
		PipelineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "End-to-end processing duration per file",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		InflightOrchestration: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inflight_orchestrations",
			Help: "The number of files currently being processed",
		}, []string{}),
	}, nil
}

// IncFilesDetected increments the detected-files counter
func (h *Handler) IncFilesDetected() {
	h.FilesDetectedTotal.WithLabelValues().Inc()
}

// IncFilesSkipped increments the skipped-files counter
func (h *Handler) IncFilesSkipped(reason string) {
	h.FilesSkippedTotal.WithLabelValues(reason).Inc()
}

// IncRuns increments the run counter for a terminal status
func (h *Handler) IncRuns(status string) {
	h.RunsTotal.WithLabelValues(status).Inc()
}

// IncMessagesAnonymized increments the anonymized-messages counter
func (h *Handler) IncMessagesAnonymized() {
	h.MessagesAnonymized.WithLabelValues().Inc()
}

// AddEntitiesFound adds detected entity counts per entity type
func (h *Handler) AddEntitiesFound(entityType string, count int) {
	h.EntitiesFoundTotal.WithLabelValues(entityType).Add(float64(count))
}

// IncDeliveries increments the delivery counter for an outcome
func (h *Handler) IncDeliveries(outcome string) {
	h.DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// IncDeliveryRetries increments the delivery retry counter for a target
func (h *Handler) IncDeliveryRetries(target string) {
	h.DeliveryRetriesTotal.WithLabelValues(target).Inc()
}

// ObserveDeliveryLatency records the latency of a delivery call
func (h *Handler) ObserveDeliveryLatency(duration time.Duration, outcome string) {
	h.DeliveryLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncAuditEvents increments the audit-event counter for an outcome
func (h *Handler) IncAuditEvents(outcome string) {
	h.AuditEventsTotal.WithLabelValues(outcome).Inc()
}

// ObservePipelineDuration records the end-to-end duration of one file run
func (h *Handler) ObservePipelineDuration(duration time.Duration, status string) {
	h.PipelineDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetInflight sets the in-flight orchestration gauge
func (h *Handler) SetInflight(n int) {
	h.InflightOrchestration.WithLabelValues().Set(float64(n))
}
