package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/config"
	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/protocol"
	"github.com/henry-bao/simple-whisper/internal/stream"
)

// ServiceName is reported by the health and root endpoints
const ServiceName = "simple-whisper"

// Version is the service version
var Version = "dev"

// StatsFunc reports the statistics of one component
type StatsFunc func() any

// Deps are the components served by the HTTP server
type Deps struct {
	Config   *config.Config
	Manager  *stream.Manager
	Hub      *Hub
	Runner   *pipeline.Runner
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // nil uses the default registry

	// Components adds named entries to /stats, e.g. recognition client stats
	Components map[string]StatsFunc
}

// HTTPServer provides the WebSocket endpoint, the one-shot transcription API
// and monitoring endpoints
type HTTPServer struct {
	server  *http.Server
	router  chi.Router
	logger  *slog.Logger
	deps    Deps
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(deps Deps, logger *slog.Logger) (*HTTPServer, error) {
	if deps.Config == nil || deps.Manager == nil || deps.Hub == nil || deps.Runner == nil {
		return nil, fmt.Errorf("config, manager, hub and runner are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		metrics:   deps.Metrics,
		startTime: time.Now(),
	}

	h.router = h.routes()

	cfg := deps.Config.HTTP
	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     h.router,
		ReadTimeout: cfg.GetReadTimeoutDuration(),
		// Long lived WebSocket connections manage their own deadlines
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return h, nil
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// Addr returns the listen address
func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

// routes configures HTTP API routes
func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.cors)

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/sessions", h.withMetrics("/sessions", h.handleSessions))
	r.Get("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Post("/api/transcribe", h.withMetrics("/api/transcribe", h.handleTranscribe))

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Handle("/ws", h.deps.Hub)

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// cors sets CORS headers for configured origins and answers preflights
func (h *HTTPServer) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool)
	for _, o := range h.deps.Config.HTTP.AllowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			if allowed["*"] {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start serves until the server is shut down. It returns nil after Stop.
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and closes WebSocket connections
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	err := h.server.Shutdown(ctx)
	h.deps.Hub.CloseAll()
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.Failure(msg))
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Manager.Stats()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    ServiceName,
			"version": Version,
		},
		"components": map[string]any{
			"websocket": map[string]any{
				"status":      "running",
				"connections": h.deps.Hub.Len(),
			},
			"session_manager": map[string]any{
				"status":          "running",
				"active_sessions": stats.ActiveSessions,
				"processing":      stats.Processing,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Manager.Sessions()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.deps.Manager.Session(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleConfig implements the /config endpoint. Secrets are omitted by the
// json tags of the config types.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Config)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.deps.Manager.Stats(),
		"websocket": h.deps.Hub.GetStats(),
	}

	for name, fn := range h.deps.Components {
		stats[name] = fn()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTranscribe runs the full pipeline over an uploaded WAV file. The
// audio is read from the "audio" form field or, failing that, the raw body.
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.Config.HTTP.GetMaxUploadBytes())

	data, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if info.SampleRate != audio.SampleRate {
		resampler, err := audio.NewResampler(info.SampleRate)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if samples, err = resampler.Process(samples); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	samples, _ = audio.Sanitize(samples)
	if len(samples) == 0 || audio.IsSilent(samples) {
		writeError(w, http.StatusBadRequest, protocol.MsgNoAudio)
		return
	}

	result, err := h.deps.Runner.Run(r.Context(), samples, audio.SampleRate, pipeline.AllStages)
	if err != nil {
		h.logger.Error("Transcription request failed",
			slog.Int("samples", len(samples)),
			slog.String("error", err.Error()),
		)
		status := http.StatusBadGateway
		var renderErr *pipeline.RenderError
		if errors.As(err, &renderErr) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}

	payload := protocol.Success(result.Text, string(result.SVG))
	if result.NoSpeech {
		payload.Message = protocol.MsgNoSpeech
	}

	writeJSON(w, http.StatusOK, payload)
}

func readUpload(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("audio")
		if err != nil {
			return nil, fmt.Errorf("missing audio file: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New(protocol.MsgNoAudio)
	}
	return data, nil
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]any{
		"service": ServiceName,
		"version": Version,
		"endpoints": map[string]any{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /sessions":        "List active sessions",
			"GET /sessions/{id}":   "Get detailed session information",
			"GET /config":          "Get service configuration",
			"GET /stats":           "Get service statistics",
			"GET /metrics":         "Prometheus metrics",
			"POST /api/transcribe": "Transcribe and render an uploaded WAV file",
			"GET /ws":              "WebSocket audio streaming",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
