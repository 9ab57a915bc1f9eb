package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.GenerateMode != "auto" {
		t.Fatalf("GenerateMode = %q, want %q", cfg.GenerateMode, "auto")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
	if cfg.MaxMessageChars != 2000 {
		t.Fatalf("MaxMessageChars = %d, want 2000", cfg.MaxMessageChars)
	}
	want := []int64{0, 20, 50, 120}
	if len(cfg.StageThresholds) != len(want) {
		t.Fatalf("StageThresholds = %v, want %v", cfg.StageThresholds, want)
	}
	for i := range want {
		if cfg.StageThresholds[i] != want[i] {
			t.Fatalf("StageThresholds = %v, want %v", cfg.StageThresholds, want)
		}
	}
	if cfg.MilestoneTZ != "UTC" {
		t.Fatalf("MilestoneTZ = %q, want UTC", cfg.MilestoneTZ)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/sprout")
	t.Setenv("STAGE_THRESHOLDS", "0,10,30")
	t.Setenv("GENERATE_MODE", "http")
	t.Setenv("GENERATE_URL", "http://localhost:7777/complete")
	t.Setenv("MAX_MESSAGE_CHARS", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.DatabaseURL != "postgres://localhost/sprout" {
		t.Fatalf("DatabaseURL = %q, want explicit value", cfg.DatabaseURL)
	}
	if len(cfg.StageThresholds) != 3 || cfg.StageThresholds[2] != 30 {
		t.Fatalf("StageThresholds = %v, want [0 10 30]", cfg.StageThresholds)
	}
	if cfg.GenerateURL != "http://localhost:7777/complete" {
		t.Fatalf("GenerateURL = %q, want explicit value", cfg.GenerateURL)
	}
	if cfg.MaxMessageChars != 500 {
		t.Fatalf("MaxMessageChars = %d, want 500", cfg.MaxMessageChars)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"thresholds without zero", "STAGE_THRESHOLDS", "5,10"},
		{"thresholds not increasing", "STAGE_THRESHOLDS", "0,10,10"},
		{"negative message cap", "MAX_MESSAGE_CHARS", "-1"},
		{"tiny inactivity timeout", "APP_SESSION_INACTIVITY_TIMEOUT", "1s"},
		{"unknown timezone", "MILESTONE_TZ", "Mars/Olympus"},
		{"zero workers", "RETENTION_WORKERS", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q should fail", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_PRETTY",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"DATABASE_URL",
		"REDIS_URL",
		"GENERATE_MODE",
		"GENERATE_URL",
		"GENERATE_API_KEY",
		"GENERATE_TIMEOUT",
		"SUMMARIZE_TIMEOUT",
		"PERSIST_TIMEOUT",
		"MAX_MESSAGE_CHARS",
		"RECENT_TURN_LIMIT",
		"SUMMARY_TRIGGER_TOKENS",
		"PROMPT_SUFFIX_TOKEN_BUDGET",
		"STAGE_THRESHOLDS",
		"MILESTONE_TZ",
		"RETENTION_TIERS",
		"RETENTION_WORKERS",
		"RETENTION_QUEUE_SIZE",
		"RETENTION_SWEEP_INTERVAL",
	}
	// Setenv registers restoration of the original value; the follow-up
	// Unsetenv leaves the key genuinely absent for the test body.
	for _, key := range keys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}
