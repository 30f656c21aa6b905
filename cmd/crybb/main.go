// CryBB mention responder.
//
// A long-lived worker that watches a microblog account for mentions,
// renders a styled image of the chosen target's profile picture, and
// posts it back as a threaded reply.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.crybb.tech/internal/batch"
	"go.crybb.tech/internal/common/health"
	"go.crybb.tech/internal/common/lifecycle"
	"go.crybb.tech/internal/config"
	"go.crybb.tech/internal/ledger"
	"go.crybb.tech/internal/limiter"
	"go.crybb.tech/internal/reply"
	"go.crybb.tech/internal/scheduler"
	"go.crybb.tech/internal/transform"
	"go.crybb.tech/internal/xapi"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting CryBB responder",
		"version", version,
		"build_time", buildTime,
		"mode", cfg.Bot.Mode,
		"pipeline", cfg.Bot.ImagePipeline)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := ledger.Open(cfg.OutboxDir)
	if err != nil {
		slog.Error("Failed to open ledger", "error", err)
		os.Exit(1)
	}
	slog.Info("Ledger opened", "dir", cfg.OutboxDir, "sinceId", store.SinceID())

	dryRun := strings.EqualFold(cfg.Bot.Mode, "dryrun")
	client := xapi.New(xapi.Options{
		BearerToken:    cfg.Credentials.BearerToken,
		ConsumerKey:    cfg.Credentials.APIKey,
		ConsumerSecret: cfg.Credentials.APISecret,
		AccessToken:    cfg.Credentials.AccessToken,
		AccessSecret:   cfg.Credentials.AccessSecret,
		Timeout:        cfg.HTTP.Timeout,
		DryRun:         dryRun,
		OutboxDir:      cfg.OutboxDir,
	}, xapi.NewRegistry())

	renderer, err := buildRenderer(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize image pipeline", "error", err)
		os.Exit(1)
	}

	incoming := limiter.NewWithWhitelist(cfg.Limits.PerAuthorHourly, cfg.Bot.WhitelistHandles)
	outgoing := limiter.New(cfg.Limits.PerTargetHourly)

	pipeline := reply.New(cfg.BotHandleClean(), client, renderer, store,
		incoming, outgoing, cfg.Transform.MaxConcurrency)

	sched := scheduler.New(scheduler.Config{
		AwakeMin:            cfg.Cadence.AwakeMin,
		AwakeMax:            cfg.Cadence.AwakeMax,
		SleeperMin:          cfg.Cadence.SleeperMin,
		SleeperMax:          cfg.Cadence.SleeperMax,
		RepostLikeThreshold: cfg.Repost.LikeThreshold,
	}, client, pipeline, store, batch.NewUserCache())

	healthChecker := health.NewChecker()
	healthChecker.AddLivenessCheck(health.ServiceCheck("ledger-dir", func() error {
		_, err := os.Stat(cfg.OutboxDir)
		return err
	}))
	healthChecker.AddReadinessCheck(health.ServiceCheck(sched.Name(), sched.Health))
	healthChecker.AddReadinessCheck(health.RateLimitCheck(client.Registry()))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      buildRouter(cfg, healthChecker),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if err := lifecycle.Run(ctx, sched, lifecycle.NewHTTPService("http", srv)); err != nil {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// buildRenderer selects the image pipeline and validates the style
// image once at startup.
func buildRenderer(ctx context.Context, cfg *config.Config) (transform.Renderer, error) {
	if !strings.EqualFold(cfg.Bot.ImagePipeline, transform.PipelineAI) {
		slog.Info("Using placeholder image pipeline")
		return transform.NewPlaceholder(cfg.HTTP.Timeout), nil
	}

	client := transform.NewClient(transform.Options{
		Token:        cfg.Transform.Token,
		Model:        cfg.Transform.Model,
		BaseURL:      cfg.Transform.BaseURL,
		StyleURL:     cfg.Transform.StyleURL,
		Timeout:      cfg.Transform.Timeout,
		PollInterval: cfg.Transform.PollInterval,
		MaxAttempts:  cfg.Transform.MaxAttempts,
	})

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.ValidateStyleURL(checkCtx); err != nil {
		return nil, fmt.Errorf("style URL validation failed: %w", err)
	}
	slog.Info("Style URL validated", "url", cfg.Transform.StyleURL)

	return client, nil
}

func buildRouter(cfg *config.Config, healthChecker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health/live", healthChecker.HandleLive)
	r.Get("/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
