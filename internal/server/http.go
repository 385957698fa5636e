package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshmu/aid-online/internal/config"
	"github.com/joshmu/aid-online/internal/metrics"
	"github.com/joshmu/aid-online/internal/room"
	"github.com/joshmu/aid-online/internal/speech"
)

// SpeechStats exposes synthesis client statistics for monitoring.
type SpeechStats interface {
	GetStats() speech.ClientStats
}

// HTTPServer provides the HTTP surface: the web app, audio artifacts,
// the websocket endpoint, and monitoring APIs.
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *room.Registry
	hub      *Hub
	speech   SpeechStats
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the HTTP server with all routes configured.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger,
	registry *room.Registry, hub *Hub, speechStats SpeechStats, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		hub:       hub,
		speech:    speechStats,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the configured route handler.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Realtime endpoint
	mux.HandleFunc("/ws", h.hub.HandleWS)

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Room monitoring endpoints
	mux.HandleFunc("/rooms", h.withMetrics("/rooms", h.handleRooms))
	mux.HandleFunc("/rooms/", h.withMetrics("/rooms/{id}", h.handleRoomDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Client clock sync
	mux.HandleFunc("/heartbeat", h.withMetrics("/heartbeat", h.handleHeartbeat))

	// Synthesized audio artifacts
	mux.HandleFunc("/mp3/", h.withMetrics("/mp3/{filename}", h.handleAudio))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Web app and room pages
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

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
	h.logger.Info("Starting HTTP server",
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
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
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
			"name":    "aid-online",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"rooms": map[string]interface{}{
				"status": "running",
				"count":  h.registry.Count(),
			},
			"websocket": map[string]interface{}{
				"status":  "running",
				"clients": h.hub.ClientCount(),
			},
		},
	}

	if h.speech != nil {
		stats := h.speech.GetStats()
		health["components"].(map[string]interface{})["speech"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleRooms implements the /rooms endpoint
func (h *HTTPServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.Sessions()

	response := map[string]interface{}{
		"total_rooms": len(sessions),
		"timestamp":   time.Now().UTC(),
		"rooms":       sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoomDetail implements the /rooms/{id} endpoint
func (h *HTTPServer) handleRoomDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := strings.TrimPrefix(r.URL.Path, "/rooms/")
	if roomID == "" || strings.Contains(roomID, "/") {
		http.Error(w, "Invalid room ID", http.StatusBadRequest)
		return
	}

	session, ok := h.registry.Get(roomID)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session.Info())
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
			"port":       h.config.Server.Port,
			"address":    h.config.Server.Address,
			"static_dir": h.config.Server.StaticDir,
		},
		"speech": map[string]interface{}{
			"endpoint":       h.config.Speech.Endpoint,
			"voice":          h.config.Speech.Voice,
			"timeout":        h.config.Speech.Timeout,
			"max_retries":    h.config.Speech.MaxRetries,
			"max_concurrent": h.config.Speech.MaxConcurrent,
			// Note: API key is intentionally omitted for security
		},
		"engine": map[string]interface{}{
			"script_path": h.config.Engine.ScriptPath,
			"max_depth":   h.config.Engine.MaxDepth,
		},
		"room": map[string]interface{}{
			"rate_min":      h.config.Room.RateMin,
			"rate_max":      h.config.Room.RateMax,
			"rate_offset":   h.config.Room.RateOffset,
			"pitch_offset":  h.config.Room.PitchOffset,
			"default_delay": h.config.Room.DefaultDelay,
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

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"rooms": map[string]interface{}{
			"count": h.registry.Count(),
		},
		"websocket": map[string]interface{}{
			"clients": h.hub.ClientCount(),
		},
	}
	if h.speech != nil {
		stats["speech"] = h.speech.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleHeartbeat implements the /heartbeat endpoint. Clients use it to
// estimate clock skew against the server.
func (h *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Client any `json:"client"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	response := map[string]interface{}{
		"msg": "heartbeat",
		"data": map[string]interface{}{
			"client": body.Client,
			"server": time.Now().UnixMilli(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleAudio serves synthesized speech artifacts from the media
// directory.
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/mp3/")
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	path := filepath.Join(h.config.Media.OutputDir, filename)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "Audio not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, path)
}

// handleRoot serves the web app. Unknown paths fall back to the app
// shell so room URLs work as deep links.
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	staticDir := h.config.Server.StaticDir
	if staticDir == "" {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		h.handleAPIDoc(w, r)
		return
	}

	if r.URL.Path != "/" {
		path := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			http.ServeFile(w, r, path)
			return
		}
	}

	http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
}

// handleAPIDoc lists the available endpoints
func (h *HTTPServer) handleAPIDoc(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "AID Online",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":               "Web app",
			"GET /ws":             "Websocket endpoint",
			"GET /health":         "Service health check",
			"GET /rooms":          "List all rooms",
			"GET /rooms/{id}":     "Get detailed room information",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get service statistics",
			"POST /heartbeat":     "Client clock sync",
			"GET /mp3/{filename}": "Synthesized audio artifacts",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
