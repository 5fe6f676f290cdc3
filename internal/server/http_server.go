package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// Read and write timeouts are left unset so WebSocket sessions are not cut off;
// handshake and idle timeouts still apply.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServeHTTP serves Routes on the configured HTTP address until
// Shutdown is called.
func (s *Server) ListenAndServeHTTP() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener on %s: %w", s.cfg.HTTPAddress, err)
	}
	return s.ServeHTTPListener(ln)
}

// ServeHTTPListener serves Routes on ln.
func (s *Server) ServeHTTPListener(ln net.Listener) error {
	hs := CreateServer(ln.Addr().String(), s.Routes())

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.httpServer = hs
	s.httpAddr = ln.Addr()
	s.mu.Unlock()

	logger.Info("HTTP server listening", "address", ln.Addr().String(),
		"metrics", s.metricsHandler != nil, "admin", s.cfg.Admin.Enabled)

	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ErrServerClosed
}

// HTTPAddr returns the HTTP listener address, or nil when not serving.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}
