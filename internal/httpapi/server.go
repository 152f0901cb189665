// Package httpapi is the CRM-facing admin HTTP surface: session lifecycle,
// messaging operations, polling management, and health. Requests carry an
// API key and are rate limited per caller.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sablecrm/telebridge/internal/config"
	"github.com/sablecrm/telebridge/internal/engine"
	"github.com/sablecrm/telebridge/internal/gateway"
)

// Server serves the admin API.
type Server struct {
	cfg        config.AdminConfig
	logger     *slog.Logger
	engine     *engine.Manager
	limiter    *gateway.RateLimiter
	media      MediaArchiver
	httpServer *http.Server
	startedAt  time.Time
}

func NewServer(cfg config.AdminConfig, logger *slog.Logger, eng *engine.Manager) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "admin"),
		engine:    eng,
		limiter:   gateway.NewRateLimiter(cfg.RPM, cfg.Burst),
		startedAt: time.Now(),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("POST /sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("POST /sessions/{id}/auth/initiate", s.auth(s.handleInitiateAuth))
	mux.HandleFunc("POST /sessions/{id}/auth/complete", s.auth(s.handleCompleteAuth))
	mux.HandleFunc("POST /sessions/{id}/messages", s.auth(s.handleSendMessage))
	mux.HandleFunc("POST /sessions/{id}/files", s.auth(s.handleSendFile))
	mux.HandleFunc("GET /sessions/{id}/history", s.auth(s.handleHistory))
	mux.HandleFunc("GET /sessions/{id}/dialogs", s.auth(s.handleDialogs))
	mux.HandleFunc("GET /sessions/{id}/media/{fileId}", s.auth(s.handleDownloadMedia))
	mux.HandleFunc("GET /sessions/{id}/polling", s.auth(s.handlePollingStatus))
	mux.HandleFunc("POST /sessions/{id}/polling/track", s.auth(s.handleTrackChat))
	mux.HandleFunc("POST /sessions/{id}/polling/untrack", s.auth(s.handleUntrackChat))
	mux.HandleFunc("POST /sessions/{id}/reconnect", s.auth(s.handleReconnect))
	mux.HandleFunc("POST /sessions/{id}/disconnect", s.auth(s.handleDisconnect))
	mux.HandleFunc("POST /sessions/{id}/cache/clear", s.auth(s.handleClearCache))
	mux.HandleFunc("PUT /sessions/{id}/webhook", s.auth(s.handleSetWebhook))
	mux.HandleFunc("DELETE /sessions/{id}/webhook", s.auth(s.handleDeleteWebhook))

	return mux
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// auth wraps a handler with API-key verification and per-caller rate
// limiting. An empty configured key disables the check (local development).
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.cfg.APIKey != "" && key != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key", 0)
			return
		}
		limitKey := key
		if limitKey == "" {
			limitKey = r.RemoteAddr
		}
		if !s.limiter.Allow(limitKey) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "request rate exceeded", 0)
			return
		}
		next(w, r)
	}
}
