package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duraloop/duraloop/internal/agent"
	agentcontext "github.com/duraloop/duraloop/internal/agent/context"
	"github.com/duraloop/duraloop/internal/agent/providers"
	"github.com/duraloop/duraloop/internal/config"
	"github.com/duraloop/duraloop/internal/observability"
	"github.com/duraloop/duraloop/internal/process"
	"github.com/duraloop/duraloop/internal/schedule"
	"github.com/duraloop/duraloop/internal/sessions"
	"github.com/duraloop/duraloop/internal/web"
	"github.com/duraloop/duraloop/pkg/models"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use: "serve",
		Short: "Run the duraloopd HTTP server, process registry, and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("duraloopd: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level: cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	fileStore, err := sessions.NewFileStore(cfg.Session.DataDir, sessions.SnapshotPolicy{
		EveryNEvents: cfg.Session.SnapshotEveryN,
		EveryT:       5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("duraloopd: open session store: %w", err)
	}

	index, err := sessions.OpenIndex(filepath.Join(cfg.Session.DataDir, "index.sqlite"))
	if err != nil {
		return fmt.Errorf("duraloopd: open session index: %w", err)
	}
	var store sessions.Store = sessions.NewIndexingStore(fileStore, index, func(err error) {
		logger.Warn("session index write failed", "error", err)
	})

	agents := agent.NewRegistry()
	if err := agents.LoadDir(cfg.Agents.Dir); err != nil {
		logger.Warn("agents directory load failed, continuing with none registered", "dir", cfg.Agents.Dir, "error", err)
	}

	providerSet, err := buildProviders(cfg.LLM)
	if err != nil {
		return fmt.Errorf("duraloopd: %w", err)
	}

	bus := agent.NewSteeringBus()
	directives, err := agentcontext.NewDirectiveStore("", nil, logger)
	if err != nil {
		return fmt.Errorf("duraloopd: directive store: %w", err)
	}
	budget := agentcontext.DefaultTokenBudget()

	dispatcher := agent.NewDispatcher(store, bus, agents, func(spec models.Agent) *agent.Loop {
		provider := providerSet[spec.Provider]
		registry := agent.NewToolRegistry()
		for _, t := range spec.Tools {
			_ = registry.Register(t)
		}
		executor := agent.NewExecutor(registry, spec.Policy, spec.Hooks, agent.NewExecSandbox(), noopNotify{}, agent.DefaultExecutorConfig())
		builder := agentcontext.NewBuilder(directives, agent.RegistryToolSource{Registry: registry}, budget)
		return agent.NewLoop(provider, executor, store, bus, builder)
	})

	metaStore, err := process.NewMetaStore(cfg.Process.MetaDir)
	if err != nil {
		return fmt.Errorf("duraloopd: process meta store: %w", err)
	}
	registry := process.NewRegistry(cfg.Process.LogDir, metaStore, agent.CompletionAdapter{D: dispatcher}, process.NoopGatewaySender{})
	registry.SetMetrics(observability.ProcessMetricsAdapter{Metrics: metrics})
	if cfg.Process.UseTmux {
		registry.DetectTmux(ctx)
	}
	if err := registry.Recover(ctx); err != nil {
		logger.Warn("process recovery failed", "error", err)
	}

	sched := schedule.New(registry, logger)
	sched.Load(cfg.Cron)
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	cleanupTicker := time.NewTicker(cfg.Process.CleanupInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				if err := registry.Cleanup(cfg.Process.CleanupAge); err != nil {
					logger.Warn("process cleanup failed", "error", err)
				}
			}
		}
	}()

	var authenticator *web.Authenticator
	if cfg.Auth.JWTSecret != "" {
		authenticator = web.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	}
	handler := web.NewHandler(web.Config{
		Store: store,
		Dispatcher: dispatcher,
		Agents: agents,
		Auth: authenticator,
		Logger: logger,
	})

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: handler.Mount(),
	}
	metricsSrv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: observability.MetricsHandler(),
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-runCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func buildProviders(cfg config.LLMConfig) (map[models.Provider]providers.Provider, error) {
	out := make(map[models.Provider]providers.Provider)
	for name, p := range cfg.Providers {
		switch models.Provider(name) {
		case models.ProviderAnthropic:
			if p.OAuth {
				out[models.ProviderAnthropic] = providers.NewAnthropicOAuthProvider(p.APIKey, p.DefaultModel)
			} else {
				out[models.ProviderAnthropic] = providers.NewAnthropicProvider(p.APIKey, p.DefaultModel)
			}
		case models.ProviderOpenAI:
			out[models.ProviderOpenAI] = providers.NewOpenAIProvider(p.APIKey, p.DefaultModel)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return out, nil
}

type noopNotify struct{}

func (noopNotify) Notify(context.Context, string, string) {}
