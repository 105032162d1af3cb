package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"avalon-arena/internal/automatch"
	"avalon-arena/internal/observer"
	"avalon-arena/internal/rating"
	"avalon-arena/internal/store"
)

// BattleService is the slice of the battle manager the API consumes.
// Interface-shaped so handler tests can run against a fake.
type BattleService interface {
	Submit(rankingID int, battleType string, eloExempt bool, participants []store.Participant) (string, error)
	Cancel(battleID, reason string) (bool, error)
	Status(battleID string) (*store.Battle, error)
	Snapshots(battleID string) []observer.Snapshot
	ActiveBattles() []string
	QueueDepth() int
	Workers() int
}

// AutomatchService is the slice of the scheduler registry the API consumes.
type AutomatchService interface {
	Start(rankingID int) error
	Stop(rankingID int) error
	Terminate(rankingID int) error
	ManageSet(rankingIDs []int)
	ResetStats(rankingID int) error
	Statuses() []automatch.Stats
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// Designed for dependency injection and testability.
type RouterConfig struct {
	// Battles is the battle manager (required).
	Battles BattleService

	// Automatch is the scheduler registry (required).
	Automatch AutomatchService

	// Store backs the read-only leaderboard and history endpoints (required).
	Store store.Store

	// Ladders serves rank queries without store round trips (required).
	Ladders *rating.Ladders

	// AdminToken guards mutating endpoints; "" disables the check.
	AdminToken string

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one is created from RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is only used when RateLimiter is nil; nil falls back to
	// DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins beyond localhost.
	CORSOrigins []string

	// DisableLogging disables the request logger middleware (benchmarks).
	DisableLogging bool
}

type routerHandlers struct {
	battles   BattleService
	automatch AutomatchService
	st        store.Store
	ladders   *rating.Ladders
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE - no goroutines, no listeners, no
// background workers - so it is safe to use with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Rate limiting before CORS to reject early.
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		battles:   cfg.Battles,
		automatch: cfg.Automatch,
		st:        cfg.Store,
		ladders:   cfg.Ladders,
	}

	r.Route("/api", func(r chi.Router) {
		// Read surface
		r.Get("/battles/recent", h.handleRecentBattles)
		r.Get("/battles/{battleID}", h.handleGetBattle)
		r.Get("/battles/{battleID}/players", h.handleGetBattlePlayers)
		r.Get("/battles/{battleID}/snapshots", h.handleGetBattleSnapshots)
		r.Get("/leaderboards/{rankingID}", h.handleGetLeaderboard)
		r.Get("/leaderboards/{rankingID}/users/{userID}", h.handleGetUserRank)
		r.Get("/stats", h.handleGetStats)
		r.Get("/automatch/status", h.handleAutomatchStatus)

		// Operator surface
		r.Group(func(r chi.Router) {
			r.Use(adminAuth(cfg.AdminToken))
			r.Post("/battles", h.handleSubmitBattle)
			r.Post("/battles/{battleID}/cancel", h.handleCancelBattle)
			r.Post("/automatch/manage", h.handleAutomatchManage)
			r.Post("/automatch/{rankingID}/start", h.handleAutomatchStart)
			r.Post("/automatch/{rankingID}/stop", h.handleAutomatchStop)
			r.Post("/automatch/{rankingID}/terminate", h.handleAutomatchTerminate)
			r.Post("/automatch/{rankingID}/reset", h.handleAutomatchReset)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
