// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for all arena and scheduler settings.
//
// IMPORTANT: When changing values, only modify this file.
// All other parts of the codebase should reference these values.
package config

import (
	"os"
	"strconv"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int
	AdminToken string // Token required on mutating admin endpoints ("" disables auth)
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port: 3000,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	return cfg
}

// =============================================================================
// BATTLE EXECUTION CONFIGURATION
// =============================================================================

// BattleConfig controls the battle manager queue and its adaptive worker pool.
type BattleConfig struct {
	QueueSize    int           // Admission queue capacity (bounded FIFO)
	MinWorkers   int           // Pool never shrinks below this
	MaxWorkers   int           // HARD CAP regardless of CPU count (0 = min(16*NumCPU, 192))
	MonitorEvery time.Duration // CPU/memory sampling interval
	AdjustEvery  time.Duration // Minimum gap between pool adjustments
	CPUHighPct   float64       // Above this CPU%, shrink by 2
	CPULowPct    float64       // Below this CPU% (and MemLowPct), grow by 2
	MemHighPct   float64
	MemLowPct    float64
	StatusCheck  time.Duration // Referee polls battle status at this interval
	BotCallLimit time.Duration // Wall-clock deadline per bot entry-point call
}

// DefaultBattle returns the default battle execution configuration.
func DefaultBattle() BattleConfig {
	return BattleConfig{
		QueueSize:    100,
		MinWorkers:   4,
		MaxWorkers:   0, // resolved at pool start
		MonitorEvery: 60 * time.Second,
		AdjustEvery:  30 * time.Second,
		CPUHighPct:   75,
		CPULowPct:    30,
		MemHighPct:   80,
		MemLowPct:    60,
		StatusCheck:  2 * time.Second,
		BotCallLimit: 100 * time.Second,
	}
}

// BattleFromEnv returns battle configuration with environment variable overrides.
func BattleFromEnv() BattleConfig {
	cfg := DefaultBattle()

	if q := getEnvInt("BATTLE_QUEUE_SIZE", 0); q > 0 {
		cfg.QueueSize = q
	}
	if w := getEnvInt("BATTLE_MIN_WORKERS", 0); w > 0 {
		cfg.MinWorkers = w
	}
	if w := getEnvInt("BATTLE_MAX_WORKERS", 0); w > 0 {
		cfg.MaxWorkers = w
	}
	if s := getEnvInt("BOT_CALL_LIMIT_SECONDS", 0); s > 0 {
		cfg.BotCallLimit = time.Duration(s) * time.Second
	}
	cfg.CPUHighPct = getEnvFloat("BATTLE_CPU_HIGH_PCT", cfg.CPUHighPct)
	cfg.CPULowPct = getEnvFloat("BATTLE_CPU_LOW_PCT", cfg.CPULowPct)
	cfg.MemHighPct = getEnvFloat("BATTLE_MEM_HIGH_PCT", cfg.MemHighPct)
	cfg.MemLowPct = getEnvFloat("BATTLE_MEM_LOW_PCT", cfg.MemLowPct)

	return cfg
}

// =============================================================================
// LLM GATEWAY CONFIGURATION
// =============================================================================

// LLMClientConfig is one chat-completion backend.
type LLMClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// LLMConfig holds the gateway pool and sampling settings.
type LLMConfig struct {
	Clients          []LLMClientConfig
	CallTimeout      time.Duration // Per-attempt wall clock
	MaxRetries       int
	PerRoundCalls    int // Ceiling on ask_llm calls per (player, round)
	MaxTokenAllowed  int // Token mean below this never penalizes (rating input)
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
	MaxTokens        int
	StaleSession     time.Duration // Watchdog force-release threshold
}

// DefaultLLM returns the default gateway configuration (no clients).
func DefaultLLM() LLMConfig {
	return LLMConfig{
		CallTimeout:      20 * time.Second,
		MaxRetries:       3,
		PerRoundCalls:    3,
		MaxTokenAllowed:  3000,
		Temperature:      1.0,
		TopP:             0.9,
		PresencePenalty:  0.5,
		FrequencyPenalty: 0.5,
		MaxTokens:        500,
		StaleSession:     5 * time.Minute,
	}
}

// LLMFromEnv returns the gateway configuration with clients discovered from
// numbered env triples: OPENAI_API_KEY / OPENAI_BASE_URL / OPENAI_MODEL_NAME,
// then the _1, _2, ... suffixed variants until the first gap.
func LLMFromEnv() LLMConfig {
	cfg := DefaultLLM()

	if c, ok := llmClientFromEnv(""); ok {
		cfg.Clients = append(cfg.Clients, c)
	}
	for i := 1; ; i++ {
		c, ok := llmClientFromEnv("_" + strconv.Itoa(i))
		if !ok {
			break
		}
		cfg.Clients = append(cfg.Clients, c)
	}

	if n := getEnvInt("LLM_PER_ROUND_CALLS", 0); n > 0 {
		cfg.PerRoundCalls = n
	}
	if n := getEnvInt("LLM_MAX_TOKEN_ALLOWED", 0); n > 0 {
		cfg.MaxTokenAllowed = n
	}
	if s := getEnvInt("LLM_CALL_TIMEOUT_SECONDS", 0); s > 0 {
		cfg.CallTimeout = time.Duration(s) * time.Second
	}

	return cfg
}

func llmClientFromEnv(suffix string) (LLMClientConfig, bool) {
	key := os.Getenv("OPENAI_API_KEY" + suffix)
	if key == "" {
		return LLMClientConfig{}, false
	}
	c := LLMClientConfig{
		APIKey:  key,
		BaseURL: os.Getenv("OPENAI_BASE_URL" + suffix),
		Model:   os.Getenv("OPENAI_MODEL_NAME" + suffix),
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	return c, true
}

// =============================================================================
// AUTOMATCH CONFIGURATION
// =============================================================================

// AutomatchConfig controls the per-leaderboard scheduler loops.
type AutomatchConfig struct {
	InFlightCap  int // Battles a single leaderboard may have outstanding
	BatchSize    int // Max battles created per produce iteration
	RefreshEvery int // Roster refresh cadence, in battles created
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration // Status polling while waiting on a full queue
	PopTimeout   time.Duration // Block-pop timeout on the in-flight queue
	BatchSleep   time.Duration
	IdleSleep    time.Duration
	StopJoin     time.Duration // How long Stop waits for the worker to exit
}

// DefaultAutomatch returns the default automatch configuration.
func DefaultAutomatch() AutomatchConfig {
	return AutomatchConfig{
		InFlightCap:  20,
		BatchSize:    5,
		RefreshEvery: 10,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		PollInterval: 500 * time.Millisecond,
		PopTimeout:   5 * time.Second,
		BatchSleep:   1 * time.Second,
		IdleSleep:    100 * time.Millisecond,
		StopJoin:     10 * time.Second,
	}
}

// AutomatchFromEnv returns automatch configuration with environment overrides.
func AutomatchFromEnv() AutomatchConfig {
	cfg := DefaultAutomatch()

	if n := getEnvInt("AUTOMATCH_INFLIGHT_CAP", 0); n > 0 {
		cfg.InFlightCap = n
	}
	if n := getEnvInt("AUTOMATCH_BATCH_SIZE", 0); n > 0 {
		cfg.BatchSize = n
	}

	return cfg
}

// =============================================================================
// DATABASE CONFIGURATION
// =============================================================================

// DatabaseConfig holds the battle store connection settings.
type DatabaseConfig struct {
	DSN          string // Postgres DSN; empty selects the in-memory store
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultDatabase returns the default database configuration.
func DefaultDatabase() DatabaseConfig {
	return DatabaseConfig{
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	}
}

// DatabaseFromEnv returns database configuration with environment overrides.
func DatabaseFromEnv() DatabaseConfig {
	cfg := DefaultDatabase()

	cfg.DSN = os.Getenv("DATABASE_URL")
	if n := getEnvInt("DB_MAX_OPEN_CONNS", 0); n > 0 {
		cfg.MaxOpenConns = n
	}

	return cfg
}

// =============================================================================
// FILE LAYOUT CONFIGURATION
// =============================================================================

// FilesConfig holds on-disk layout for battle artifacts.
type FilesConfig struct {
	DataDir   string // Per-battle log/archive directories live under here
	ModuleDir string // Staged bot sources: <ModuleDir>/<battle_id>/player_<pos>.js
}

// DefaultFiles returns the default file layout.
func DefaultFiles() FilesConfig {
	return FilesConfig{
		DataDir:   "./data",
		ModuleDir: "./battle_modules",
	}
}

// FilesFromEnv returns file layout with environment overrides.
func FilesFromEnv() FilesConfig {
	cfg := DefaultFiles()

	if d := os.Getenv("DATA_DIR"); d != "" {
		cfg.DataDir = d
	}
	if d := os.Getenv("MODULE_DIR"); d != "" {
		cfg.ModuleDir = d
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server    ServerConfig
	Battle    BattleConfig
	LLM       LLMConfig
	Automatch AutomatchConfig
	Database  DatabaseConfig
	Files     FilesConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Server:    ServerFromEnv(),
		Battle:    BattleFromEnv(),
		LLM:       LLMFromEnv(),
		Automatch: AutomatchFromEnv(),
		Database:  DatabaseFromEnv(),
		Files:     FilesFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
