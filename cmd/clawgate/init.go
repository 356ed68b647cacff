package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"clawgate/internal/adapter/channel"
	"clawgate/internal/adapter/gateway"
	"clawgate/internal/adapter/journal"
	"clawgate/internal/adapter/llm"
	"clawgate/internal/domain"
	"clawgate/internal/infra/config"
	"clawgate/internal/infra/logger"
	"clawgate/internal/infra/middleware"
	"clawgate/internal/usecase"
	"clawgate/internal/usecase/bridge"
	"clawgate/internal/usecase/eventbus"
	"clawgate/internal/usecase/scheduling"
)

// app holds every long-lived component of the gateway.
type app struct {
	log       *slog.Logger
	bus       *eventbus.Bus
	channel   *channel.OpenAIChannel
	tap       *gateway.EventTap      // nil when events are disabled
	journal   *journal.SQLiteJournal // nil when the journal is disabled
	scheduler *scheduling.Scheduler  // nil without journal retention
}

// newApp wires the components described by cfg. Nothing listens until start.
func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log, bus: eventbus.New(logger.Component(log, "eventbus"))}

	provider, err := newProvider(cfg.Agent, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	runtime := usecase.NewLLMRuntime(usecase.LLMRuntimeDeps{
		LLM:          provider,
		Bus:          a.bus,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Logger:       logger.Component(log, "runtime"),
	})

	var runJournal domain.RunJournal
	if cfg.Journal.Enabled {
		a.journal, err = journal.NewSQLiteJournal(cfg.Journal.Path, logger.Component(log, "journal"))
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.journal.Watch(a.bus)
		runJournal = a.journal

		if cfg.Journal.Retention > 0 {
			a.scheduler = scheduling.NewScheduler(logger.Component(log, "scheduler"))
			if err := a.scheduler.Add("journal_sweep", cfg.Journal.SweepSchedule, a.journal.SweepJob(cfg.Journal.Retention)); err != nil {
				a.journal.Close()
				return nil, fmt.Errorf("journal sweep: %w", err)
			}
		}
	}

	auth := gateway.NewStaticTokenAuth(tokenEntries(cfg.Auth.Tokens), cfg.Auth.AllowAnonymous)
	if len(cfg.Auth.Tokens) == 0 && cfg.Auth.AllowAnonymous {
		log.Warn("no auth tokens configured, accepting anonymous requests")
	}

	deps := channel.OpenAIDeps{
		Preparer: bridge.NewPreparer(cfg.Agent.DefaultID, cfg.Agent.DefaultModel),
		Runs: bridge.NewOrchestrator(bridge.OrchestratorDeps{
			Runtime: runtime,
			Bus:     a.bus,
			Journal: runJournal,
			Logger:  logger.Component(log, "bridge"),
		}),
		Auth:    auth,
		Journal: runJournal,
		Logger:  logger.Component(log, "http"),
	}
	if cfg.Events.Enabled {
		a.tap = gateway.NewEventTap(a.bus, auth, cfg.Events.SendBuffer, logger.Component(log, "events"))
		deps.Events = a.tap
	}

	a.channel = channel.NewOpenAIChannel(channel.OpenAIConfig{
		Addr:         cfg.Server.Addr,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: cfg.Server.RateLimit.RequestsPerMin,
			BurstSize:      cfg.Server.RateLimit.Burst,
			TrustedProxies: cfg.Server.RateLimit.TrustedProxies,
		},
	}, deps)
	return a, nil
}

// newProvider builds the upstream model client named by cfg.Provider.
func newProvider(cfg config.AgentConfig, log *slog.Logger) (domain.StreamingLLMProvider, error) {
	var p domain.StreamingLLMProvider
	switch cfg.Provider {
	case "echo":
		return llm.NewEchoProvider(), nil
	case "openai":
		p = llm.NewOpenAIProvider(cfg, logger.Component(log, "llm"))
	case "bedrock":
		var err error
		if p, err = newBedrockProvider(cfg, logger.Component(log, "llm")); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if cfg.CircuitBreaker.Enabled {
		p = llm.NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger.Component(log, "llm"))
	}
	return p, nil
}

func tokenEntries(tokens []config.TokenConfig) []gateway.TokenEntry {
	out := make([]gateway.TokenEntry, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, gateway.TokenEntry{Token: t.Token, Name: t.Name})
	}
	return out
}

func (a *app) start(ctx context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}
	return a.channel.Start(ctx)
}

// shutdown stops accepting requests, then releases resources in reverse
// dependency order.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.channel.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if a.tap != nil {
		a.tap.Close()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	a.bus.Close()
	return errors.Join(errs...)
}
