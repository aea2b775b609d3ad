// Package server exposes the engine over HTTP: session lifecycle routes,
// health, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/engine"
	"github.com/vettaio/vetta/pkg/observability"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/session"
)

// Server is the HTTP surface over the engine.
type Server struct {
	cfg     *config.Config
	engine  *engine.Engine
	metrics *observability.Metrics
	http    *http.Server
}

// New creates a server. Metrics may be nil.
func New(cfg *config.Config, eng *engine.Engine, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		metrics: metrics,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Order: logging -> cors
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if s.cfg.Metrics.Enabled {
		if h := s.metrics.Handler(); h != nil {
			r.Get(s.cfg.Metrics.Path, h.ServeHTTP)
		}
	}

	r.Route("/v1/interviews", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/turns", s.handleTurn)
			r.Post("/finish", s.handleFinish)
		})
	})

	return r
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	slog.Info("HTTP server listening", "address", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.SessionID = chi.URLParam(r, "session_id")

	resp, err := s.engine.Turn(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	resp, err := s.engine.Finish(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// errorBody is the uniform error envelope. Oracle transport failures also
// carry a generic assistant line so clients have something to render.
type errorBody struct {
	Error      string             `json:"error"`
	UIMessages []engine.UIMessage `json:"ui_messages,omitempty"`
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var transportErr *oracle.TransportError

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")

	case errors.Is(err, engine.ErrSessionExpired):
		writeError(w, http.StatusGone, "session expired")

	case errors.Is(err, engine.ErrValidation), errors.Is(err, session.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.As(err, &transportErr):
		slog.Error("Oracle transport failure", "route", transportErr.Route, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error: "upstream model unavailable",
			UIMessages: []engine.UIMessage{{
				Role: engine.RoleAssistant,
				Text: "I hit a technical snag on my side; your progress is saved. Please try again in a moment.",
			}},
		})

	case errors.Is(err, session.ErrStateCorrupt):
		slog.Error("Session state corrupt", "error", err)
		writeError(w, http.StatusInternalServerError, "session state corrupt")

	default:
		slog.Error("Turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
