// Package app wires configuration, storage, and services into a runnable
// server. cmd/sprout and integration-style tests both build through here so
// the two cannot drift apart.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/companion"
	"github.com/leafwise/sprout/internal/config"
	"github.com/leafwise/sprout/internal/events"
	"github.com/leafwise/sprout/internal/growth"
	"github.com/leafwise/sprout/internal/httpapi"
	"github.com/leafwise/sprout/internal/llm"
	"github.com/leafwise/sprout/internal/logging"
	"github.com/leafwise/sprout/internal/memory"
	"github.com/leafwise/sprout/internal/observability"
	"github.com/leafwise/sprout/internal/persona"
	"github.com/leafwise/sprout/internal/prompt"
	"github.com/leafwise/sprout/internal/retention"
	"github.com/leafwise/sprout/internal/session"
	"github.com/leafwise/sprout/internal/store"
)

type BuildResult struct {
	Config       config.Config
	Log          zerolog.Logger
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *companion.Orchestrator
	Tracker      *growth.Tracker
	Retention    *retention.Manager
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources
	// (store, retention workers, event bus).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backend, err := store.NewBackend(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	publisher, err := events.NewPublisher(cfg.RedisURL)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("event publisher init failed: %w", err)
	}

	client, err := llm.NewClient(llm.Config{
		Mode:   cfg.GenerateMode,
		URL:    cfg.GenerateURL,
		APIKey: cfg.GenerateAPIKey,
	})
	if err != nil {
		_ = publisher.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("generation client init failed: %w", err)
	}
	retrying := llm.NewRetryClient(client)

	personas, err := persona.Default()
	if err != nil {
		_ = publisher.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("persona catalog init failed: %w", err)
	}

	policy, err := retention.ParsePolicy(cfg.RetentionTiers)
	if err != nil {
		_ = publisher.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("retention policy init failed: %w", err)
	}

	tracker, err := growth.NewTracker(backend, publisher, cfg.StageThresholds, cfg.Location(), logging.Component(log, "growth"))
	if err != nil {
		_ = publisher.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("growth tracker init failed: %w", err)
	}

	mem := memory.NewService(backend, backend, retrying, memory.Config{
		RecentTurnLimit:      cfg.RecentTurnLimit,
		SummaryTriggerTokens: cfg.SummaryTriggerTokens,
		SummarizeTimeout:     cfg.SummarizeTimeout,
	}, logging.Component(log, "memory"))

	sweeper := retention.NewManager(backend, policy, retention.Config{
		Workers:       cfg.RetentionWorkers,
		QueueSize:     cfg.RetentionQueueSize,
		SweepInterval: cfg.SweepInterval,
	}, logging.Component(log, "retention"))
	if err := sweeper.Start(ctx); err != nil {
		_ = publisher.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("retention manager start failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	orchestrator := companion.NewOrchestrator(
		personas,
		prompt.NewComposer(cfg.SuffixTokenBudget),
		mem,
		retrying,
		tracker,
		policy,
		metrics,
		companion.Config{
			MaxMessageChars: cfg.MaxMessageChars,
			GenerateTimeout: cfg.GenerateTimeout,
			PersistTimeout:  cfg.PersistTimeout,
		},
		logging.Component(log, "companion"),
	)

	api := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Sessions:  sessions,
		Orch:      orchestrator,
		Tracker:   tracker,
		Retention: sweeper,
		Policy:    policy,
		Personas:  personas,
		Metrics:   metrics,
		Log:       logging.Component(log, "httpapi"),
	})

	cleanup := func() error {
		var errs []string
		if err := sweeper.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := backend.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		Log:          log,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Tracker:      tracker,
		Retention:    sweeper,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
