package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vettaio/vetta/pkg/agents"
	"github.com/vettaio/vetta/pkg/analytics"
	"github.com/vettaio/vetta/pkg/config"
	"github.com/vettaio/vetta/pkg/engine"
	"github.com/vettaio/vetta/pkg/observability"
	"github.com/vettaio/vetta/pkg/oracle"
	"github.com/vettaio/vetta/pkg/safety"
	"github.com/vettaio/vetta/pkg/server"
	"github.com/vettaio/vetta/pkg/session"
)

// ServeCmd starts the interview HTTP server.
type ServeCmd struct {
	Port  int  `help:"Override the configured listen port."`
	Watch bool `help:"Watch the safety rules file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer loader.Close()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rules := safety.NewEngine(cfg.Safety.Path)
	if cfg.Safety.Watch || c.Watch {
		go func() {
			if err := rules.Watch(ctx); err != nil {
				slog.Warn("Safety rules watch stopped", "error", err)
			}
		}()
	}

	sink, err := analytics.Open(cfg.Analytics)
	if err != nil {
		return fmt.Errorf("failed to open analytics store: %w", err)
	}
	defer sink.Close()

	metrics, err := observability.InitMetrics(ctx, cfg.Metrics.Enabled)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics shutdown failed", "error", err)
		}
	}()

	oracles, err := oracle.NewRegistry(cfg.Oracles, oracle.WithObserver(metrics.RecordOracleCall))
	if err != nil {
		return fmt.Errorf("failed to build oracle registry: %w", err)
	}

	store, err := session.NewStore(cfg.Checkpoints.Dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	eng := engine.New(cfg, store, oracles, rules, sink, metrics, agents.StaticCosine(cfg.Flow.TopicBaseline))
	srv := server.New(cfg, eng, metrics)

	// Config hot reload applies the flow and interview tuning; the other
	// sections take effect on restart.
	loader.OnChange(func(next *config.Config) {
		eng.ApplyConfig(next)
		slog.Info("Applied reloaded flow and interview tuning",
			"hints_per_stage", next.Flow.HintsPerStage,
			"session_ttl", next.Interview.SessionTTL)
	})
	go func() {
		if err := loader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Config watch stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// MigrateCmd creates the analytics tables and exits. Useful for granting
// the serving credentials INSERT-only access.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer loader.Close()

	sink, err := analytics.Open(cfg.Analytics)
	if err != nil {
		return fmt.Errorf("failed to open analytics store: %w", err)
	}
	defer sink.Close()

	fmt.Printf("Analytics schema ready (%s)\n", cfg.Analytics.Driver)
	return nil
}
