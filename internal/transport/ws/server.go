package ws

import (
	"context"
	"net"
	"net/http"
	"sync"

	"voicecall-server-go/internal/platform/logging"
)

// ServerConfig stores the settings required to expose the call endpoint.
type ServerConfig struct {
	Addr string
	Path string
}

// Server owns the listener. The websocket router is mounted at Path and
// every other request goes to the fallback handler (the HTTP API).
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	router   *Router
	fallback http.Handler
	logger   *logging.Logger

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewServer builds the combined websocket and API server.
func NewServer(cfg ServerConfig, router *Router, hub *Hub, fallback http.Handler, logger *logging.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws/call"
	}
	return &Server{
		cfg:      cfg,
		router:   router,
		hub:      hub,
		fallback: fallback,
		logger:   logger,
	}
}

// Handler returns the mux serving both the call endpoint and the fallback.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.router)
	if s.fallback != nil {
		mux.Handle("/", s.fallback)
	}
	return mux
}

// Start listens until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.httpSrv != nil {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{Handler: s.Handler()}
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.InfoTag("WebSocket", "监听地址 %s%s", ln.Addr(), s.cfg.Path)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server and every active call.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeoutCause(context.Background(), defaultCloseTimeout, ErrServerShutdown)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	s.hub.CloseAll(ErrServerShutdown)
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ActiveCalls exposes the number of connected call sessions.
func (s *Server) ActiveCalls() int {
	return s.hub.Count()
}
