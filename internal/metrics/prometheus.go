package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the scribe ingestion service
type Metrics struct {
	// Ingestion metrics
	ChunksAccepted  prometheus.Counter
	ChunksDuplicate prometheus.Counter
	ChunksRejected  *prometheus.CounterVec
	ChunkSize       prometheus.Histogram
	ChunkDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge

	// Session metrics
	SessionsByStatus *prometheus.GaugeVec
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	Reconnects       prometheus.Counter

	// Transcription metrics
	SegmentsFinalized     prometheus.Counter
	CheckpointAdvances    prometheus.Counter
	TranscriptionRetries  prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// Summarization metrics
	SummariesCreated      prometheus.Counter
	SummarizationRetries  prometheus.Counter
	SummarizationFailures prometheus.Counter

	// Transport metrics
	ActiveConnections prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ingestion metrics
		ChunksAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_accepted_total",
			Help: "Total number of chunks durably accepted",
		}),
		ChunksDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_duplicate_total",
			Help: "Total number of duplicate chunk deliveries re-acknowledged",
		}),
		ChunksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_chunks_rejected_total",
			Help: "Total number of rejected chunk deliveries",
		}, []string{"reason"}),
		ChunkSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_chunk_size_bytes",
			Help:    "Size of accepted audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_chunk_duration_seconds",
			Help:    "Declared capture duration of accepted chunks",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_queue_depth",
			Help: "Chunks enqueued and not yet covered by the transcription checkpoint",
		}),

		// Session metrics
		SessionsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scribe_sessions",
			Help: "Current number of sessions per lifecycle status",
		}, []string{"status"}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_finished_total",
			Help: "Total number of sessions reaching a terminal status",
		}, []string{"status"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "Duration of finished sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 11), // 10s to ~3 hours
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_reconnects_total",
			Help: "Total number of transport channel reconnects observed",
		}),

		// Transcription metrics
		SegmentsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segments_finalized_total",
			Help: "Total number of transcript segments persisted",
		}),
		CheckpointAdvances: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_checkpoint_advances_total",
			Help: "Total number of transcription checkpoint advances",
		}),
		TranscriptionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_failures_total",
			Help: "Total number of chunks exhausting their transcription retry budget",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcription_duration_seconds",
			Help:    "Duration of per-chunk transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Summarization metrics
		SummariesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_summaries_created_total",
			Help: "Total number of session summaries created",
		}),
		SummarizationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_summarization_retries_total",
			Help: "Total number of summarization request retries",
		}),
		SummarizationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_summarization_failures_total",
			Help: "Total number of sessions exhausting their summarization retry budget",
		}),

		// Transport metrics
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_connections",
			Help: "Current number of open websocket stream connections",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunkAccepted records a durably accepted chunk
func (m *Metrics) RecordChunkAccepted(sizeBytes int, durationSeconds float64) {
	m.ChunksAccepted.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
	m.ChunkDuration.Observe(durationSeconds)
}

// RecordChunkDuplicate increments the duplicate delivery counter
func (m *Metrics) RecordChunkDuplicate() {
	m.ChunksDuplicate.Inc()
}

// RecordChunkRejected records a rejected chunk delivery
func (m *Metrics) RecordChunkRejected(reason string) {
	m.ChunksRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth sets the current unprocessed queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// SetSessionsByStatus replaces the per-status session gauges
func (m *Metrics) SetSessionsByStatus(counts map[string]int) {
	m.SessionsByStatus.Reset()
	for status, n := range counts {
		m.SessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionFinished records a terminal transition and session duration
func (m *Metrics) RecordSessionFinished(status string, durationSeconds float64) {
	m.SessionsFinished.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordReconnect increments the reconnect counter
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordSegmentFinalized records a persisted transcript segment
func (m *Metrics) RecordSegmentFinalized(durationSeconds float64) {
	m.SegmentsFinalized.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordCheckpointAdvance increments the checkpoint advance counter
func (m *Metrics) RecordCheckpointAdvance() {
	m.CheckpointAdvances.Inc()
}

// RecordTranscriptionRetry increments the transcription retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	m.TranscriptionRetries.Inc()
}

// RecordTranscriptionFailure increments the transcription failure counter
func (m *Metrics) RecordTranscriptionFailure() {
	m.TranscriptionFailures.Inc()
}

// RecordSummaryCreated increments the summaries created counter
func (m *Metrics) RecordSummaryCreated() {
	m.SummariesCreated.Inc()
}

// RecordSummarizationRetry increments the summarization retry counter
func (m *Metrics) RecordSummarizationRetry() {
	m.SummarizationRetries.Inc()
}

// RecordSummarizationFailure increments the summarization failure counter
func (m *Metrics) RecordSummarizationFailure() {
	m.SummarizationFailures.Inc()
}

// ConnectionOpened increments the active connection gauge
func (m *Metrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge
func (m *Metrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
