package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ItzCrazyKns/deepresearch/internal/config"
	"github.com/ItzCrazyKns/deepresearch/internal/daemon"
	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"
	"github.com/ItzCrazyKns/deepresearch/internal/research/engine"

	"github.com/oklog/ulid/v2"
)

type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.ServerConfig
	engineComp  *EngineComponent
	server      *http.Server
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.ServerConfig, engineComp *EngineComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:     d,
		cfg:        cfg,
		engineComp: engineComp,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"ArtifactStore", "Sessions", "ResearchEngine"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	mux := h.routes()

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

func (h *HTTPServerComponent) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /api/research", h.handleStart)
	mux.HandleFunc("GET /api/research/{id}", h.handleManifest)
	mux.HandleFunc("GET /api/research/{id}/stream", h.handleStream)
	mux.HandleFunc("POST /api/research/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/research/{id}/respond-now", h.handleRespondNow)
	return mux
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", h.server.Addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
	}, nil
}

type startRequest struct {
	ID      string                 `json:"id,omitempty"`
	Query   string                 `json:"query"`
	History engine.History         `json:"history,omitempty"`
	Budgets engine.BudgetOverrides `json:"budgets,omitempty"`
}

func (h *HTTPServerComponent) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	eng := h.engineComp.GetEngine()
	if err := eng.Start(req.ID, req.Query, req.History, engine.Options{Budgets: req.Budgets}); err != nil {
		switch {
		case apperrors.IsCategory(err, apperrors.ErrConflict):
			writeJSONError(w, http.StatusConflict, err.Error())
		case apperrors.IsCategory(err, apperrors.ErrInvalidInput):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID})
}

// handleStream serves the job's event stream as newline-delimited JSON.
// A reconnecting client after termination receives the retained
// terminal event. Disconnecting only unsubscribes; the job keeps
// running.
func (h *HTTPServerComponent) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	events, unsubscribe, err := h.engineComp.GetEngine().Subscribe(jobID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := encoder.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (h *HTTPServerComponent) handleManifest(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	m, err := h.engineComp.GetEngine().Manifest(jobID)
	if err != nil {
		if apperrors.IsCategory(err, apperrors.ErrInvalidInput) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *HTTPServerComponent) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	cancelled := h.engineComp.GetEngine().Cancel(jobID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *HTTPServerComponent) handleRespondNow(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	success := h.engineComp.GetEngine().RespondNow(jobID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": success})
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthResponse := map[string]interface{}{
		"status": "ok",
	}

	componentHealths := h.daemon.ComponentHealth()
	componentHealthMap := make(map[string]interface{})
	for name, ch := range componentHealths {
		entry := map[string]interface{}{"healthy": ch.Healthy}
		if ch.Error != nil {
			entry["error"] = ch.Error.Error()
		}
		componentHealthMap[name] = entry
	}
	healthResponse["components"] = componentHealthMap

	writeJSON(w, http.StatusOK, healthResponse)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
