package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// Routes builds the HTTP surface:
//   - GET /health, and / for compatibility
//   - GET /ws, the WebSocket gateway
//   - GET /test, a browser test page
//   - GET /metrics when a metrics handler is configured
//   - /admin/* when admin.enabled is set
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/health", HealthHandler)
	r.Get("/test", TestPageHandler)
	r.HandleFunc("/ws", s.handleWebSocket)

	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	if s.cfg.Admin.Enabled {
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/sessions", s.handleAdminSessions)
			r.Delete("/users", s.handleAdminKickAll)
			r.Post("/users/{nickname}/message", s.handleAdminMessageUser)
			r.Delete("/users/{nickname}", s.handleAdminKick)

			r.Post("/broadcast", s.handleAdminBroadcast)

			r.Get("/rooms", s.handleAdminRooms)
			r.Delete("/rooms", s.handleAdminClearRooms)
			r.Post("/rooms/{room}/broadcast", s.handleAdminRoomBroadcast)
			r.Delete("/rooms/{room}", s.handleAdminDeleteRoom)
		})
	}

	return r
}

// requestLogger logs each HTTP request with its request ID.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("HTTP request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
