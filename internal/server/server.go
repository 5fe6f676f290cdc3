package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/storage"
)

// Transport labels used in logs and metrics.
const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"
)

// Server is the chat relay. It accepts framed TCP clients and WebSocket
// clients, and serves both from one Directory.
type Server struct {
	cfg            Config
	dir            *Directory
	store          storage.Store
	metrics        metrics.Metrics
	metricsHandler http.Handler
	now            func() time.Time
	origins        originPolicy
	commands       map[protocol.CommandKind]commandFunc
	upgrader       websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	connSemaphore chan struct{}

	mu           sync.Mutex
	listener     net.Listener
	httpServer   *http.Server
	httpAddr     net.Addr
	sessions     map[*Session]struct{}
	shuttingDown bool
	done         chan struct{}
	ready        chan struct{}
	readyOnce    sync.Once

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records relay activity in m.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithClock replaces the wall clock used for event timestamps and file names.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server. Uploaded files are written to store; a nil store
// keeps them in memory.
func New(cfg Config, store storage.Store, opts ...Option) *Server {
	cfg = sanitizeConfig(cfg)
	if store == nil {
		store = storage.NewMemoryStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		dir:      NewDirectory(),
		store:    store,
		now:      time.Now,
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.MaxConnections > 0 {
		s.connSemaphore = make(chan struct{}, cfg.MaxConnections)
		logger.Debug("Connection limit", "max_connections", cfg.MaxConnections)
	} else {
		logger.Debug("Connection limit", "max_connections", "unlimited")
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.commands = s.commandTable()
	return s
}

// Directory exposes the registry, mainly for inspection.
func (s *Server) Directory() *Directory {
	return s.dir
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Ready is closed once the TCP listener is accepting.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the TCP listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves TCP and, when configured, HTTP until ctx is cancelled or a
// listener fails, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- s.ListenAndServe(ctx) }()
	if s.cfg.HTTPAddress != "" {
		go func() { errCh <- s.ListenAndServeHTTP() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", "error", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, ErrServerClosed) && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// ListenAndServe listens on the configured TCP address and serves until
// ctx is cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", s.cfg.ListenAddress, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.closeListener()
		case <-s.done:
		}
	}()

	return s.Serve(ln)
}

// Serve accepts framed clients on ln, one goroutine per connection.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	logger.Info("Relay listening", "address", ln.Addr().String(), "transport", transportTCP)

	for {
		if !s.acquireSlot(true) {
			return ErrServerClosed
		}

		conn, err := ln.Accept()
		if err != nil {
			s.releaseSlot()
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			logger.Debug("Error accepting connection", "error", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("Failed to set TCP_NODELAY", "error", err)
			}
		}

		t := protocol.NewConnTransport(conn, uint32(s.cfg.MaxFrameSize))
		sess := s.newSession(t, transportTCP)
		if !s.track(sess) {
			s.releaseSlot()
			sess.close()
			return ErrServerClosed
		}

		go func() {
			defer s.releaseSlot()
			s.serveSession(sess)
		}()
	}
}

func (s *Server) closeListener() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Debug("Error closing listener", "error", err)
		}
	}
}

// acquireSlot reserves a connection slot. With wait set it blocks until a
// slot frees up or the server shuts down.
func (s *Server) acquireSlot(wait bool) bool {
	if s.connSemaphore == nil {
		return true
	}
	if !wait {
		select {
		case s.connSemaphore <- struct{}{}:
			return true
		default:
			return false
		}
	}
	select {
	case s.connSemaphore <- struct{}{}:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.connSemaphore != nil {
		<-s.connSemaphore
	}
}

func (s *Server) newSession(t protocol.Transport, kind string) *Session {
	limiter := newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval, s.now)
	return newSession(t, kind, s.now(), limiter)
}

// track registers a live connection so Shutdown can reach it. It fails once
// shutdown has begun.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// serveSession runs the handshake and command loop for one tracked session.
func (s *Server) serveSession(sess *Session) {
	metrics.ConnectionAccepted(s.metrics, sess.kind)
	logger.Debug("Connection accepted", sess.logAttrs()...)

	defer func() {
		s.disconnect(sess)
		s.untrack(sess)
		metrics.ConnectionClosed(s.metrics, sess.kind, s.now().Sub(sess.connectedAt))
		logger.Debug("Connection closed", sess.logAttrs()...)
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in session", append(sess.logAttrs(), "panic", r)...)
		}
	}()

	if err := s.handshake(sess); err != nil {
		if !isExpectedCloseError(err) {
			logger.Info("Handshake failed", append(sess.logAttrs(), "error", err)...)
		}
		return
	}

	s.commandLoop(sess)
}

// handshake requests a nickname and registers it.
func (s *Server) handshake(sess *Session) error {
	if err := sess.transition(StateAwaitNick); err != nil {
		return err
	}
	if err := sess.send(s.event(protocol.EventNickRequest, "Please enter your nickname:")); err != nil {
		return err
	}

	frame, err := sess.transport.ReadFrame()
	if err != nil {
		return err
	}

	nick, reason := parseNickname(frame)
	if reason != "" {
		return s.rejectNickname(sess, reason)
	}

	if err := s.dir.Register(sess, nick); err != nil {
		return s.rejectNickname(sess, "Nickname already taken!")
	}
	if err := sess.transition(StateActive); err != nil {
		// Shutdown closed the session while the nickname was in flight.
		s.dir.Unregister(sess)
		return err
	}
	metrics.SetActiveSessions(s.metrics, s.dir.Count())

	logger.Info("Client registered", sess.logAttrs()...)
	return sess.send(s.event(protocol.EventNickAccepted, fmt.Sprintf("Welcome %s!", nick)))
}

func (s *Server) rejectNickname(sess *Session, reason string) error {
	if err := sess.send(s.event(protocol.EventNickError, reason)); err != nil {
		logger.Debug("Failed to send nickname rejection", append(sess.logAttrs(), "error", err)...)
	}
	return fmt.Errorf("nickname rejected: %s", reason)
}

// parseNickname validates the raw handshake reply. A non-empty reason means
// the nickname is rejected.
func parseNickname(frame []byte) (nick, reason string) {
	raw := strings.TrimSpace(string(frame))

	switch {
	case !utf8.ValidString(raw):
		return "", "Invalid nickname format!"
	case strings.HasPrefix(raw, "{") && json.Valid([]byte(raw)):
		return "", "Invalid nickname format!"
	case raw == "":
		return "", "Nickname cannot be empty!"
	case strings.IndexFunc(raw, unicode.IsSpace) >= 0:
		return "", "Nickname cannot contain spaces!"
	}
	return raw, ""
}

// commandLoop reads and dispatches commands until the transport fails.
func (s *Server) commandLoop(sess *Session) {
	for {
		frame, err := sess.transport.ReadFrame()
		if err != nil {
			s.logReadError(sess, err)
			return
		}

		if !sess.allow() {
			logger.Warn("Rate limit exceeded; discarding command", append(sess.logAttrs(),
				"burst", s.cfg.RateLimit.Burst, "interval", s.cfg.RateLimit.RefillInterval)...)
			metrics.CommandHandled(s.metrics, "", metrics.OutcomeRejected)
			s.reply(sess, protocol.EventError, "Rate limit exceeded, message discarded!")
			continue
		}

		cmd, err := protocol.ParseCommand(frame)
		if err != nil {
			s.rejectEnvelope(sess, err)
			continue
		}

		s.dispatch(sess, cmd)
	}
}

func (s *Server) rejectEnvelope(sess *Session, err error) {
	logger.Debug("Rejected envelope", append(sess.logAttrs(), "error", err)...)
	metrics.CommandHandled(s.metrics, "", metrics.OutcomeRejected)

	if errors.Is(err, protocol.ErrUnknownCommand) {
		s.reply(sess, protocol.EventError, "Unknown command!")
		return
	}
	s.reply(sess, protocol.EventError, "Invalid message format!")
}

// logReadError classifies why a session's read loop ended.
func (s *Server) logReadError(sess *Session, err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		logger.Warn("Frame exceeded maximum size; dropping connection", append(sess.logAttrs(),
			"max_frame_size", s.cfg.MaxFrameSize.String(), "error", err)...)
	case isExpectedCloseError(err):
		logger.Info("Client disconnected", sess.logAttrs()...)
	default:
		logger.Warn("Read error; dropping connection", append(sess.logAttrs(), "error", err)...)
	}
}

// disconnect removes sess from the Directory, notifies its room, and closes
// its transport. Only the first call has an effect.
func (s *Server) disconnect(sess *Session) {
	sess.cleanupOnce.Do(func() {
		if sess.Nickname() != "" {
			room, peers := s.dir.Unregister(sess)
			if room != "" && len(peers) > 0 {
				s.notifyRoom(room, peers, s.event(protocol.EventUserLeft, sess.Nickname()+" left the room"), nil)
			}
			metrics.SetActiveSessions(s.metrics, s.dir.Count())
			logger.Info("Client unregistered", sess.logAttrs()...)
		}
		sess.close()
	})
}

func (s *Server) liveSessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// shutdownWriteTimeout bounds each send made while shutting down, so a peer
// that stopped reading cannot hold up the notifications to everyone else.
const shutdownWriteTimeout = 2 * time.Second

// Shutdown stops accepting, removes every session from the Directory with
// peer notification before closing it, and waits for connection goroutines
// until ctx expires. When ctx expires first, the remaining transports are
// closed without further notification.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		logger.Info("Relay shutdown initiated")

		s.mu.Lock()
		s.shuttingDown = true
		close(s.done)
		hs := s.httpServer
		s.mu.Unlock()

		s.closeListener()
		if hs != nil {
			if err := hs.Shutdown(ctx); err != nil {
				logger.Warn("HTTP server shutdown error", "error", err)
			}
		}

		sessions := s.liveSessions()
		s.boundWrites(ctx, sessions)
		go func() {
			for _, sess := range sessions {
				s.disconnect(sess)
			}
			logger.Info("Closed client connections", "count", len(sessions))
		}()
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancel()
		logger.Info("Relay shutdown completed")
		return nil
	case <-ctx.Done():
		logger.Warn("Shutdown timeout reached; closing remaining connections")
		for _, sess := range s.liveSessions() {
			sess.close()
		}
		return ctx.Err()
	}
}

// boundWrites puts a deadline on every session's writes, including writes
// already blocked on a peer. The deadline never extends past ctx's.
func (s *Server) boundWrites(ctx context.Context, sessions []*Session) {
	deadline := time.Now().Add(shutdownWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for _, sess := range sessions {
		if err := sess.transport.SetWriteDeadline(deadline); err != nil {
			logger.Debug("Failed to set shutdown write deadline", append(sess.logAttrs(), "error", err)...)
		}
	}
}

func (s *Server) event(typ protocol.EventType, content string) protocol.Event {
	return protocol.NewEventAt(typ, content, s.now())
}
