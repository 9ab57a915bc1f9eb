// Package config loads runtime settings from the environment. Defaults are
// development-safe: in-process store, mock generation, local bind.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the companion chat service.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"sprout"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	LogLevel         string        `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogPretty        bool          `env:"APP_LOG_PRETTY" envDefault:"false"`

	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"10m"`

	// DSN selection: empty or "memory" for the in-process store,
	// postgres:// for PostgreSQL, anything else is a SQLite path.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	GenerateMode     string        `env:"GENERATE_MODE" envDefault:"auto"`
	GenerateURL      string        `env:"GENERATE_URL"`
	GenerateAPIKey   string        `env:"GENERATE_API_KEY"`
	GenerateTimeout  time.Duration `env:"GENERATE_TIMEOUT" envDefault:"30s"`
	SummarizeTimeout time.Duration `env:"SUMMARIZE_TIMEOUT" envDefault:"20s"`
	PersistTimeout   time.Duration `env:"PERSIST_TIMEOUT" envDefault:"10s"`

	MaxMessageChars      int `env:"MAX_MESSAGE_CHARS" envDefault:"2000"`
	RecentTurnLimit      int `env:"RECENT_TURN_LIMIT" envDefault:"12"`
	SummaryTriggerTokens int `env:"SUMMARY_TRIGGER_TOKENS" envDefault:"2000"`
	SuffixTokenBudget    int `env:"PROMPT_SUFFIX_TOKEN_BUDGET" envDefault:"1024"`

	StageThresholds []int64 `env:"STAGE_THRESHOLDS" envDefault:"0,20,50,120" envSeparator:","`
	MilestoneTZ     string  `env:"MILESTONE_TZ" envDefault:"UTC"`

	// Retention tier table as "tier:days" pairs; empty keeps the built-in
	// free/plus/pro table.
	RetentionTiers     string        `env:"RETENTION_TIERS"`
	RetentionWorkers   int           `env:"RETENTION_WORKERS" envDefault:"2"`
	RetentionQueueSize int           `env:"RETENTION_QUEUE_SIZE" envDefault:"64"`
	SweepInterval      time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"10m"`
}

// Load reads environment variables, applies defaults and validates.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.GenerateTimeout <= 0 {
		return fmt.Errorf("GENERATE_TIMEOUT must be positive")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT must be positive")
	}
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("MAX_MESSAGE_CHARS must be positive")
	}
	if c.RecentTurnLimit <= 0 {
		return fmt.Errorf("RECENT_TURN_LIMIT must be positive")
	}
	if c.SummaryTriggerTokens <= 0 {
		return fmt.Errorf("SUMMARY_TRIGGER_TOKENS must be positive")
	}
	if c.SuffixTokenBudget <= 0 {
		return fmt.Errorf("PROMPT_SUFFIX_TOKEN_BUDGET must be positive")
	}
	if len(c.StageThresholds) == 0 {
		return fmt.Errorf("STAGE_THRESHOLDS must not be empty")
	}
	if c.StageThresholds[0] != 0 {
		return fmt.Errorf("STAGE_THRESHOLDS must start at 0")
	}
	for i := 1; i < len(c.StageThresholds); i++ {
		if c.StageThresholds[i] <= c.StageThresholds[i-1] {
			return fmt.Errorf("STAGE_THRESHOLDS must be strictly increasing")
		}
	}
	if _, err := time.LoadLocation(c.MilestoneTZ); err != nil {
		return fmt.Errorf("MILESTONE_TZ: %w", err)
	}
	if c.RetentionWorkers <= 0 {
		return fmt.Errorf("RETENTION_WORKERS must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// Location resolves the milestone day-boundary timezone. Load has already
// validated the name.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MilestoneTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}
