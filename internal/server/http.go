package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/structaAI/scribe-ai/internal/config"
	"github.com/structaAI/scribe-ai/internal/gateway"
	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/session"
	"github.com/structaAI/scribe-ai/internal/store"
)

// HTTPServer provides the session management API, the websocket ingest
// endpoint and monitoring endpoints.
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	gateway *gateway.Gateway
	store   *store.Store
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the HTTP API server.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, gw *gateway.Gateway,
	st *store.Store, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		gateway:   gw,
		store:     st,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Websocket ingest endpoint. No read/write timeouts apply here; the
	// connection lives as long as the recording.
	mux.HandleFunc("/v1/stream", h.gateway.HandleStream)

	// Session lifecycle and inspection
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionSubtree))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
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

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

type sessionResponse struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Source    string     `json:"source"`
	Status    string     `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  string     `json:"duration,omitempty"`
}

func toSessionResponse(sess *session.Session) sessionResponse {
	resp := sessionResponse{
		ID:        sess.ID.String(),
		UserID:    sess.UserID,
		Source:    string(sess.Source),
		Status:    string(sess.Status),
		LastError: string(sess.LastError),
		StartedAt: sess.StartedAt,
		EndedAt:   sess.EndedAt,
	}
	if sess.Duration > 0 {
		resp.Duration = sess.Duration.String()
	}
	return resp
}

// handleSessions implements POST /sessions (start) and GET /sessions (list)
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleStartSession(w, r)
	case http.MethodGet:
		h.handleListSessions(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, token, err := h.gateway.StartSession(r.Context(), req.UserID, session.Source(req.Source))
	if err != nil {
		if errors.Is(err, gateway.ErrTooManySessions) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session": toSessionResponse(sess),
		"token":   token,
	})
}

func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", slog.String("error", err.Error()))
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	responses := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		responses = append(responses, toSessionResponse(sess))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_sessions": len(responses),
		"timestamp":      time.Now().UTC(),
		"sessions":       responses,
	})
}

// handleSessionSubtree dispatches /sessions/{id}, /sessions/{id}/permission
// and /sessions/{id}/token.
func (h *HTTPServer) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	idPart, action, _ := strings.Cut(rest, "/")
	if idPart == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sessionID, err := uuid.Parse(idPart)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		h.handleSessionDetail(w, r, sessionID)
	case "permission":
		h.handlePermission(w, r, sessionID)
	case "token":
		h.handleRenewToken(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

// handleSessionDetail implements GET /sessions/{id}: the session row plus
// its finalized transcript and summary, when present.
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session", slog.String("error", err.Error()))
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}

	segments, err := h.store.SegmentsForSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load transcript", slog.String("error", err.Error()))
		http.Error(w, "Failed to load transcript", http.StatusInternalServerError)
		return
	}

	type segmentResponse struct {
		Sequence   uint64  `json:"sequence"`
		Text       string  `json:"text"`
		SpeakerTag string  `json:"speaker_tag,omitempty"`
		Confidence float64 `json:"confidence"`
	}
	transcript := make([]segmentResponse, 0, len(segments))
	for _, seg := range segments {
		transcript = append(transcript, segmentResponse{
			Sequence:   seg.Sequence,
			Text:       seg.Text,
			SpeakerTag: seg.SpeakerTag,
			Confidence: seg.Confidence,
		})
	}

	detail := map[string]interface{}{
		"session":    toSessionResponse(sess),
		"transcript": transcript,
	}

	summary, err := h.store.GetSummary(r.Context(), sessionID)
	if err == nil {
		detail["summary"] = map[string]interface{}{
			"overview":     summary.Overview,
			"key_points":   summary.KeyPoints,
			"action_items": summary.ActionItems,
			"decisions":    summary.Decisions,
			"created_at":   summary.CreatedAt.UTC(),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("Failed to load summary", slog.String("error", err.Error()))
		http.Error(w, "Failed to load summary", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}

// handlePermission implements POST /sessions/{id}/permission with a granted
// flag: the result of the client's capture permission prompt.
func (h *HTTPServer) handlePermission(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Granted bool `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.gateway.RequestPermission(sessionID); err != nil {
		h.sessionError(w, sessionID, err)
		return
	}

	var err error
	if req.Granted {
		err = h.gateway.GrantPermission(sessionID)
	} else {
		err = h.gateway.DenyPermission(sessionID)
	}
	if err != nil {
		h.sessionError(w, sessionID, err)
		return
	}

	status, err := h.gateway.SessionStatus(sessionID)
	if err != nil {
		// Denied sessions go terminal and drop out of the active set.
		status = session.StatusFailed
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": string(status),
	})
}

// handleRenewToken implements POST /sessions/{id}/token: a fresh credential
// for an active session.
func (h *HTTPServer) handleRenewToken(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, err := h.gateway.RenewCredential(sessionID)
	if err != nil {
		h.sessionError(w, sessionID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token": token,
	})
}

func (h *HTTPServer) sessionError(w http.ResponseWriter, sessionID uuid.UUID, err error) {
	if errors.Is(err, gateway.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	h.logger.Warn("Session operation rejected",
		slog.String("session_id", sessionID.String()),
		slog.String("error", err.Error()),
	)
	http.Error(w, err.Error(), http.StatusConflict)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "scribe-ingestion-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"gateway": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.gateway.ActiveSessions(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":         h.config.Server.Port,
			"bind_address": h.config.Server.BindAddress,
			"max_sessions": h.config.Server.MaxSessions,
		},
		"audio": map[string]interface{}{
			"sample_rate":        h.config.Audio.SampleRate,
			"channels":           h.config.Audio.Channels,
			"bit_depth":          h.config.Audio.BitDepth,
			"chunk_max_duration": h.config.Audio.ChunkMaxDuration,
			"buffer_capacity":    h.config.Audio.BufferCapacity,
		},
		"checkpoint": map[string]interface{}{
			"every_chunks":  h.config.Checkpoint.EveryChunks,
			"every_seconds": h.config.Checkpoint.EverySecs,
		},
		"reconnect": map[string]interface{}{
			"max_attempts":  h.config.Reconnect.MaxAttempts,
			"initial_delay": h.config.Reconnect.InitialDelay,
			"max_delay":     h.config.Reconnect.MaxDelay,
			"sweep_window":  h.config.Reconnect.SweepWindow,
		},
		"transcription": map[string]interface{}{
			"endpoint":    h.config.Transcription.Endpoint,
			"model":       h.config.Transcription.Model,
			"language":    h.config.Transcription.Language,
			"max_retries": h.config.Transcription.MaxRetries,
			// Note: API key is intentionally omitted for security
		},
		"summarization": map[string]interface{}{
			"endpoint":    h.config.Summarization.Endpoint,
			"model":       h.config.Summarization.Model,
			"timeout":     h.config.Summarization.Timeout,
			"max_retries": h.config.Summarization.MaxRetries,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := h.store.CountsByStatus(r.Context())
	if err != nil {
		h.logger.Error("Failed to count sessions", slog.String("error", err.Error()))
		http.Error(w, "Failed to count sessions", http.StatusInternalServerError)
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.gateway.ActiveSessions(),
			"by_status":    byStatus,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Scribe Ingestion Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                          "API documentation",
			"GET /health":                    "Service health check",
			"POST /sessions":                 "Start a recording session",
			"GET /sessions":                  "List all sessions",
			"GET /sessions/{id}":             "Session detail with transcript and summary",
			"POST /sessions/{id}/permission": "Report the capture permission result",
			"POST /sessions/{id}/token":      "Renew the session credential",
			"GET /v1/stream":                 "Websocket audio ingest (credential required)",
			"GET /config":                    "Get service configuration",
			"GET /stats":                     "Get service statistics",
			"GET /metrics":                   "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
