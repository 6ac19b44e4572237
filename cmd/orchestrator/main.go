// Package main provides the orchestrator service entry point: the agent
// queues, workers, approval workflow and the monitoring endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/adapter/sessionhost"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/app"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/config"
	"github.com/fairyhunter13/dispatch-orchestrator/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	agents, err := config.LoadAgents(cfg.AgentsFile)
	if err != nil {
		slog.Error("agents file load failed",
			slog.String("path", cfg.AgentsFile), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("starting orchestrator",
		slog.String("env", cfg.AppEnv),
		slog.Int("agents", len(agents.IDs())))

	host, sender, moderator := buildGateway(cfg)

	svc := app.New(cfg, agents, host, sender, moderator)
	if err := svc.Start(context.Background()); err != nil {
		slog.Error("service start failed", slog.Any("error", err))
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("monitoring endpoint listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitoring endpoint error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("monitoring endpoint shutdown failed", slog.Any("error", err))
	}
	svc.Stop()
	slog.Info("orchestrator stopped")
}

// buildGateway wires the session-host transport. Without a configured
// gateway URL the in-memory fake serves, which only makes sense in dev.
func buildGateway(cfg config.Config) (domain.SessionHost, domain.MessageSender, domain.ReactionModerator) {
	if cfg.SessionHostURL == "" {
		if cfg.IsProd() {
			slog.Error("SESSION_HOST_URL is required in prod")
			os.Exit(1)
		}
		slog.Warn("no session host configured; using in-memory fake")
		fake := sessionhost.NewFake()
		return fake, &sessionhost.FakeSender{}, nil
	}
	client := sessionhost.NewClient(cfg.SessionHostURL, cfg.SessionHostToken, cfg.SessionHostTimeout)
	return client, client, client
}
