// chaincord - LLM chat bot answering Discord reply chains
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chaincord/internal/api"
	"github.com/ashureev/chaincord/internal/bot"
	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/config"
	"github.com/ashureev/chaincord/internal/discord"
	"github.com/ashureev/chaincord/internal/llm"
	"github.com/ashureev/chaincord/internal/metrics"
	"github.com/ashureev/chaincord/internal/prompt"
	"github.com/ashureev/chaincord/internal/retention"
	"github.com/ashureev/chaincord/internal/store"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envFile := pflag.String("env-file", ".env", "path to an optional .env file")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting chaincord", "http_addr", cfg.HTTPAddr, "model", cfg.Models.Default(), "plain", cfg.UsePlainResponses)
	if invite := cfg.InviteURL(); invite != "" {
		slog.Info("Bot invite URL", "url", invite)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	client := discord.NewClient(nil, discord.DefaultBaseURL, cfg.BotToken, logger)
	cache := chain.NewNodeCache()
	walker := chain.NewWalker(cache, discord.NewHistory(client), client, logger)

	registry := metrics.NewRegistry()
	m := metrics.New(registry, cache, walker)

	svc := bot.NewService(cfg, bot.Deps{
		Cache:     cache,
		Walker:    walker,
		Prompts:   prompt.NewResolver(cfg.SystemPrompts, discord.NewPromptSource(client), client, logger),
		Completer: llm.NewClient(&http.Client{}, logger),
		Sinks: func(channelID string) bot.ReplySink {
			return discord.NewSink(client, channelID)
		},
		Self:    client.Self,
		Repo:    repo,
		Metrics: m,
		Logger:  logger,
	})

	gateway := discord.NewGateway(client, discord.GatewayOptions{
		Token:  cfg.BotToken,
		Status: cfg.StatusMessage,
		Logger: logger,
	}, svc.HandleMessage)

	// Setup router.
	handler := api.NewHandler(repo, cache)
	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     api.NewRouter(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retentionDone := retention.StartWorker(ctx, repo, retention.DefaultInterval, cfg.ReplyRetention, m.ObservePruned)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- gateway.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-gatewayErr:
		slog.Error("Gateway stopped", "error", err)
		exitCode = 1
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		exitCode = 1
	}
	<-retentionDone

	if exitCode == 0 {
		// Gateway.Run returns once in-flight replies have finished.
		if err := <-gatewayErr; err != nil {
			slog.Error("Gateway stopped", "error", err)
			exitCode = 1
		}
	}
	if exitCode != 0 {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
		os.Exit(exitCode)
	}

	slog.Info("Server stopped successfully")
}
