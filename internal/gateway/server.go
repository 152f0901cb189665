// Package gateway is the observer-facing WebSocket server. Connections
// authenticate with a shared token, subscribe to sessions through the
// fanout hub, and receive role-scoped message events.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sablecrm/telebridge/internal/config"
	"github.com/sablecrm/telebridge/internal/engine"
	"github.com/sablecrm/telebridge/internal/fanout"
	"github.com/sablecrm/telebridge/pkg/protocol"
)

// Server accepts observer connections and routes their RPC frames.
type Server struct {
	cfg     config.GatewayConfig
	logger  *slog.Logger
	hub     *fanout.Hub
	engine  *engine.Manager
	router  *MethodRouter
	limiter *RateLimiter

	mu      sync.Mutex
	clients map[string]*Client

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg config.GatewayConfig, logger *slog.Logger, hub *fanout.Hub, eng *engine.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		hub:     hub,
		engine:  eng,
		limiter: NewRateLimiter(cfg.RPM, cfg.Burst),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers connect from the CRM backend, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = NewMethodRouter(s)
	return s
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown notifies connected observers and closes the listener.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.SendEvent(protocol.NewEvent(protocol.EventShutdown, "", "", nil))
		c.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.logger.Info("observer connected", "conn_id", client.id, "remote", r.RemoteAddr)

	client.Run(r.Context())

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	s.hub.Drop(client.id)
	s.logger.Info("observer disconnected", "conn_id", client.id)
}

// ClientCount reports connected observers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
