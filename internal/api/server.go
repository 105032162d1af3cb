package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Server combines the HTTP router with the WebSocket hub for live battle
// spectating.
type Server struct {
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *IPRateLimiter
}

// NewServer creates the API server. Background workers do NOT start until
// Start() is called, so tests can construct it and use Router() freely.
func NewServer(cfg RouterConfig) *Server {
	s := &Server{
		wsHub: NewWebSocketHub(cfg.Battles, cfg.CORSOrigins),
	}

	if cfg.RateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		cfg.RateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	s.rateLimiter = cfg.RateLimiter

	s.router = NewRouter(cfg)

	// WebSocket routes need the hub instance, so they live outside the pure
	// router factory.
	s.router.Get("/ws/battles/{battleID}", s.wsHub.HandleBattle)

	return s
}

// Start begins the HTTP server AND starts the hub workers. Call once.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.wsHub.StartSnapshotLoop()

	log.Printf("🌐 API server starting on %s", addr)
	return http.ListenAndServe(addr, s.router)
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Stop shuts down background workers.
func (s *Server) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}
