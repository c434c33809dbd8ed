package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the speech-to-plotter service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	FramesReceived    *prometheus.CounterVec
	FrameErrors       *prometheus.CounterVec

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   *prometheus.CounterVec
	SessionsDestroyed *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Ingestion metrics
	ChunksIngested  prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	SamplesIngested prometheus.Counter

	// Pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageFailures    *prometheus.CounterVec
	StreamingCycles  *prometheus.CounterVec
	SideEffectsTotal *prometheus.CounterVec

	// Recognition metrics
	RecognitionRequests *prometheus.CounterVec
	RecognitionRetries  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sw_active_connections",
			Help: "Current number of open client connections",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_frames_received_total",
			Help: "Total number of client frames received",
		}, []string{"event"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_frame_errors_total",
			Help: "Total number of client frames that failed to parse",
		}, []string{"reason"}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sw_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_sessions_created_total",
			Help: "Total number of sessions created",
		}, []string{"mode"}),
		SessionsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}, []string{"mode", "reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sw_session_duration_seconds",
			Help:    "Lifetime of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Ingestion metrics
		ChunksIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "sw_chunks_ingested_total",
			Help: "Total number of audio chunks buffered",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_chunks_dropped_total",
			Help: "Total number of audio chunks dropped",
		}, []string{"reason"}),
		SamplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "sw_samples_ingested_total",
			Help: "Total number of audio samples buffered",
		}),

		// Pipeline metrics
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		}, []string{"mode", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sw_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_stage_failures_total",
			Help: "Total number of pipeline stage failures",
		}, []string{"stage"}),
		StreamingCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_streaming_cycles_total",
			Help: "Total number of streaming cycles",
		}, []string{"outcome"}),
		SideEffectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_side_effects_total",
			Help: "Total number of best-effort stage executions",
		}, []string{"stage", "status"}),

		// Recognition metrics
		RecognitionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_recognition_requests_total",
			Help: "Total number of recognition requests",
		}, []string{"backend", "outcome"}),
		RecognitionRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_recognition_retries_total",
			Help: "Total number of recognition request retries",
		}, []string{"backend"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sw_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sw_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveConnections sets the current number of open connections
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordFrame counts one received client frame
func (m *Metrics) RecordFrame(event string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(event).Inc()
}

// RecordFrameError counts one malformed client frame
func (m *Metrics) RecordFrameError(reason string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated(mode string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(mode).Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(mode, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.WithLabelValues(mode, reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunk records one buffered chunk
func (m *Metrics) RecordChunk(samples int) {
	if m == nil {
		return
	}
	m.ChunksIngested.Inc()
	m.SamplesIngested.Add(float64(samples))
}

// RecordChunkDropped records one dropped chunk
func (m *Metrics) RecordChunkDropped(reason string) {
	if m == nil {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

// RecordPipelineRun records the outcome of one pipeline run
func (m *Metrics) RecordPipelineRun(mode, outcome string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(mode, outcome).Inc()
}

// RecordStage records the duration of one stage and whether it failed
func (m *Metrics) RecordStage(stage string, durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordSideEffect records the status of one best-effort stage
func (m *Metrics) RecordSideEffect(stage, status string) {
	if m == nil {
		return
	}
	m.SideEffectsTotal.WithLabelValues(stage, status).Inc()
}

// RecordStreamingCycle records the outcome of one streaming cycle
func (m *Metrics) RecordStreamingCycle(outcome string) {
	if m == nil {
		return
	}
	m.StreamingCycles.WithLabelValues(outcome).Inc()
}

// RecordRecognitionRequest records the outcome of one recognition request
func (m *Metrics) RecordRecognitionRequest(backend, outcome string) {
	if m == nil {
		return
	}
	m.RecognitionRequests.WithLabelValues(backend, outcome).Inc()
}

// RecordRecognitionRetry increments the retry counter
func (m *Metrics) RecordRecognitionRetry(backend string) {
	if m == nil {
		return
	}
	m.RecognitionRetries.WithLabelValues(backend).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
