// Package control exposes the manual-override HTTP API: status, lifecycle
// commands, entries and closes. Every command goes through the same engine
// operations the scheduler uses, so the governance gates apply equally.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/niftyterm/gamma_strangler/internal/engine"
	"github.com/niftyterm/gamma_strangler/internal/models"
	"github.com/niftyterm/gamma_strangler/internal/storage"
	"github.com/niftyterm/gamma_strangler/internal/strategy"
)

// Config selects the listen port and the shared auth token. An empty token
// disables authentication; meant for localhost use only.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the control API HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	engine    *engine.Engine
	store     storage.Interface
	margin    *strategy.MarginAggregator
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer wires the routes around the engine.
func NewServer(cfg Config, eng *engine.Engine, store storage.Interface, margin *strategy.MarginAggregator, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		store:     store,
		margin:    margin,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/trades/{id}", s.handleTrade)
	s.router.Get("/api/trades/{id}/adjustments", s.handleAdjustments)
	s.router.Get("/api/trades/{id}/margin", s.handleMargin)
	s.router.Get("/api/summaries", s.handleSummaries)

	s.router.Post("/api/start", s.handleStart)
	s.router.Post("/api/stop", s.handleStop)
	s.router.Post("/api/reset", s.handleReset)
	s.router.Post("/api/entry", s.handleEntry)
	s.router.Post("/api/trades/{id}/close", s.handleClose)
	s.router.Post("/api/close-all", s.handleCloseAll)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving the API until the listener fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("control API listening on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.engine.Status()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	var trades []*models.Trade
	var err error
	if date := r.URL.Query().Get("date"); date != "" {
		trades, err = s.store.GetTradesForDate(date)
	} else if r.URL.Query().Get("open") == "true" {
		trades, err = s.store.GetOpenTrades()
	} else {
		trades, err = s.store.GetAllTrades()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrTradeNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := s.store.GetAdjustmentsForTrade(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, adjustments)
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrTradeNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.margin.ForTrade(r.Context(), trade))
}

func (s *Server) handleSummaries(w http.ResponseWriter, _ *http.Request) {
	summaries, err := s.store.GetAllDailySummaries()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Start(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"phase": string(s.engine.Phase())})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Stop(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"phase": string(s.engine.Phase())})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetDay(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"phase": string(s.engine.Phase())})
}

type entryRequest struct {
	Variant models.Variant `json:"variant,omitempty"`
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
	}
	variant := req.Variant
	if variant == "" {
		variant = s.engine.VariantNow()
	}

	trade, err := s.engine.OpenPosition(r.Context(), variant)
	if engine.IsDecline(err) {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"declined": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	pnl, err := s.engine.ClosePosition(r.Context(), chi.URLParam(r, "id"), engine.CloseReasonManual)
	if errors.Is(err, storage.ErrTradeNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"realized_pnl": pnl})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseAllPositions(r.Context(), engine.CloseReasonManual); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
