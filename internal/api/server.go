// Package api exposes the local HTTP control surface a thin client UI
// drives. Handlers translate requests onto the session manager and group
// coordinators and map domain errors onto status codes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/mesh"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/session"
)

// Server is the local control-plane HTTP server.
type Server struct {
	httpServer *http.Server
	log        calllog.Logger
}

// NewServer wires the call and group handlers onto a mux. Call-start
// endpoints sit behind a per-IP rate limiter; CORS is scoped to the
// configured origins.
func NewServer(cfg config.APIConfig, sessions *session.Manager, groups mesh.Deps) *Server {
	mux := http.NewServeMux()
	limiter := NewRateLimiter(cfg.CallStartRate, cfg.CallStartWindow)

	calls := NewCallsHandler(sessions, groups.Media)
	calls.RegisterRoutes(mux, limiter)

	rooms := NewGroupsHandler(groups)
	rooms.RegisterRoutes(mux, limiter)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:           cfg.ListenAddr,
			Handler:        corsMiddleware(cfg.AllowedOrigins, mux),
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		log: calllog.L().Named("api"),
	}
}

// Handler returns the fully wired handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("control api listening", calllog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine.
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.log.Error("control api failed", calllog.Error(err))
		}
	}()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("control api shutting down")
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware sets CORS headers for whitelisted origins and resolves
// preflight requests.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
