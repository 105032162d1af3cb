package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"avalon-arena/internal/api"
	"avalon-arena/internal/automatch"
	"avalon-arena/internal/battle"
	"avalon-arena/internal/config"
	"avalon-arena/internal/llm"
	"avalon-arena/internal/rating"
	"avalon-arena/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  AVALON ARENA - MATCH ENGINE")
	log.Println("🎮 ================================")

	// Load centralized configuration (SSOT - Single Source of Truth)
	appConfig := config.Load()

	// Battle store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		st store.Store
		pg *store.Postgres
	)
	if appConfig.Database.DSN != "" {
		var err error
		pg, err = store.OpenPostgres(appConfig.Database.DSN, appConfig.Database.MaxOpenConns, appConfig.Database.MaxIdleConns)
		if err != nil {
			log.Fatalf("❌ Postgres connect failed: %v", err)
		}
		if err := pg.EnsureSchema(); err != nil {
			log.Fatalf("❌ Postgres schema init failed: %v", err)
		}
		st = pg
		log.Println("✅ Battle store: Postgres")
	} else {
		st = store.NewMemory()
		log.Println("⚠️ DATABASE_URL not set, battle store is in-memory (non-persistent)")
	}

	// Optional dev roster: seed bots onto leaderboards from a YAML file.
	seededLadders := seedRoster(st)

	// LLM gateway pool
	if len(appConfig.LLM.Clients) == 0 {
		log.Println("⚠️ No OPENAI_API_KEY configured - bot askLLM calls will degrade to error strings")
	} else {
		log.Printf("🤖 LLM gateway: %d backend(s)", len(appConfig.LLM.Clients))
	}
	llmPool := llm.NewPool(appConfig.LLM.Clients, appConfig.LLM.StaleSession)
	llmPool.Start()

	// Rating processor and in-memory ladders
	ladders := rating.NewLadders()
	for _, rankingID := range seededLadders {
		if err := ladders.Warm(st, rankingID, 1000); err != nil {
			log.Printf("⚠️ ladder warm %d: %v", rankingID, err)
		}
	}
	processor := rating.NewProcessor(st, ladders)

	// Battle manager with adaptive worker pool
	manager := battle.NewManager(appConfig, st, llmPool, processor)
	manager.Start()
	log.Printf("✅ Battle manager started (queue %d)", appConfig.Battle.QueueSize)

	// Automatch schedulers for seeded leaderboards
	scheduler := automatch.NewManager(appConfig.Automatch, st, manager)
	if os.Getenv("AUTOMATCH_ENABLED") == "true" {
		scheduler.ManageSet(seededLadders)
	} else {
		log.Println("💡 Automatch idle (set AUTOMATCH_ENABLED=true to schedule seeded leaderboards)")
	}

	// Debug server (pprof + metrics, localhost only)
	if os.Getenv("DISABLE_DEBUG_SERVER") != "true" {
		if err := api.StartDebugServer(api.DefaultObservabilityConfig()); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	// Public API server
	server := api.NewServer(api.RouterConfig{
		Battles:    manager,
		Automatch:  scheduler,
		Store:      st,
		Ladders:    ladders,
		AdminToken: appConfig.Server.AdminToken,
	})

	go func() {
		addr := ":" + strconv.Itoa(appConfig.Server.Port)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Arena ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	scheduler.TerminateAll()
	manager.Stop()
	llmPool.Stop()
	server.Stop()
	if pg != nil {
		pg.Close()
	}
	log.Println("👋 Goodbye!")
}

// seedRoster loads the optional bot roster and seeds it into the store,
// returning the leaderboard ids it touched.
func seedRoster(st store.Store) []int {
	seeder, ok := st.(store.Seeder)
	if !ok {
		return nil
	}

	path := os.Getenv("ROSTER_PATH")
	if path == "" {
		path = "roster.yaml"
	}
	roster, err := config.LoadRoster(path, true)
	if err != nil {
		log.Printf("⚠️ roster load failed: %v", err)
		return nil
	}

	var ladders []int
	for _, lb := range roster.Leaderboards {
		for _, bot := range lb.Bots {
			if _, err := seeder.SeedBot(lb.RankingID, bot.Username, bot.AIName, bot.AIPath); err != nil {
				log.Printf("⚠️ seed bot %s on ladder %d: %v", bot.Username, lb.RankingID, err)
			}
		}
		ladders = append(ladders, lb.RankingID)
		log.Printf("🤖 seeded %d bots onto leaderboard %d", len(lb.Bots), lb.RankingID)
	}
	return ladders
}
