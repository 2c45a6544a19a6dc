package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"llm-playground/internal/adapter/llm"
	"llm-playground/internal/adapter/store"
	"llm-playground/internal/domain"
	"llm-playground/internal/infra/config"
	"llm-playground/internal/infra/logger"
	"llm-playground/internal/infra/tracer"
	"llm-playground/internal/usecase"
	"llm-playground/internal/usecase/eventbus"
)

// app holds the components shared by every command.
type app struct {
	cfgPath string
	cfg     atomic.Pointer[config.Config]

	log   *slog.Logger
	store domain.ConversationRepository
	bus   *eventbus.Bus
	chat  *usecase.SessionController

	cleanup []func()
}

// newApp loads configuration and wires the store, the provider stack and the
// session controller.
func newApp(ctx context.Context, cfgPath string) (_ *app, err error) {
	a := &app{cfgPath: cfgPath}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a.cfg.Store(cfg)

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.onClose(func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerShutdown(shutdownCtx)
	})

	// 3. Store
	repo, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.store = repo
	a.onClose(func() {
		if err := closeStore(); err != nil {
			log.Error("close store", "error", err)
		}
	})

	// 4. Event bus
	a.bus = eventbus.New(log)
	a.onClose(a.bus.Close)

	// 5. Providers and session controller
	maxEventSize := cfg.LLM.MaxEventSize
	agg := usecase.NewAggregator(usecase.AggregatorDeps{
		Sender:         llm.NewSender(cfg.LLM, log),
		Store:          repo,
		NewDecoder:     func(r io.Reader) usecase.EventSource { return llm.NewDecoder(r, maxEventSize) },
		Bus:            a.bus,
		Logger:         log,
		RequestTimeout: cfg.LLM.RequestTimeout,
		IdleTimeout:    cfg.LLM.IdleTimeout,
		FlushInterval:  cfg.Chat.FlushInterval,
	})

	a.chat = usecase.NewSessionController(usecase.SessionDeps{
		Store:                repo,
		Adapters:             llm.NewDefaultRegistry(),
		Providers:            a.resolveProvider,
		Aggregator:           agg,
		Bus:                  a.bus,
		Logger:               log,
		SystemPrompt:         cfg.Chat.SystemPrompt,
		MaxConcurrentStreams: cfg.Chat.MaxConcurrentStreams,
	})
	a.onClose(a.chat.Close)

	log.Debug("playground ready",
		"config", cfgPath,
		"provider", cfg.LLM.DefaultProvider,
		"store", cfg.Store.Driver,
	)
	return a, nil
}

// onClose registers fn to run on Close, in reverse registration order.
func (a *app) onClose(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// Close stops active streams and releases resources.
func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// resolveProvider reads the current config so reloads apply to the next send.
func (a *app) resolveProvider(name string) (domain.ProviderConfig, error) {
	return a.cfg.Load().ResolveProvider(name)
}

// watchConfig reloads the config file until ctx is done. Provider entries
// and the log level take effect immediately; a failed reload keeps the
// previous config.
func (a *app) watchConfig(ctx context.Context) {
	err := config.Watch(ctx, a.cfgPath, 250*time.Millisecond, func(cfg *config.Config, err error) {
		if err != nil {
			a.log.Warn("config reload failed", "path", a.cfgPath, "error", err)
			return
		}
		a.cfg.Store(cfg)
		logger.SetLevel(cfg.Logger.Level)
		a.log.Info("config reloaded", "path", a.cfgPath)
		a.bus.Publish(ctx, domain.NewEvent(domain.EventConfigReloaded, "", "", map[string]any{
			"path":             a.cfgPath,
			"default_provider": cfg.LLM.DefaultProvider,
			"providers":        len(cfg.LLM.Providers),
		}))
	})
	if err != nil {
		a.log.Debug("config watch stopped", "path", a.cfgPath, "error", err)
	}
}
