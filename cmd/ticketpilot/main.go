package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ticketpilot/ticketpilot/internal/adapter/github"
	tphttp "github.com/ticketpilot/ticketpilot/internal/adapter/http"
	"github.com/ticketpilot/ticketpilot/internal/adapter/litellm"
	"github.com/ticketpilot/ticketpilot/internal/adapter/monday"
	tpnats "github.com/ticketpilot/ticketpilot/internal/adapter/nats"
	"github.com/ticketpilot/ticketpilot/internal/adapter/natskv"
	tpotel "github.com/ticketpilot/ticketpilot/internal/adapter/otel"
	"github.com/ticketpilot/ticketpilot/internal/adapter/postgres"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ristretto"
	"github.com/ticketpilot/ticketpilot/internal/adapter/slack"
	"github.com/ticketpilot/ticketpilot/internal/adapter/ws"
	"github.com/ticketpilot/ticketpilot/internal/config"
	"github.com/ticketpilot/ticketpilot/internal/domain/branch"
	"github.com/ticketpilot/ticketpilot/internal/logger"
	"github.com/ticketpilot/ticketpilot/internal/middleware"
	"github.com/ticketpilot/ticketpilot/internal/port/notifier"
	"github.com/ticketpilot/ticketpilot/internal/resilience"
	"github.com/ticketpilot/ticketpilot/internal/service"
)

const version = "0.1.0"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"board_id", cfg.Webhook.BoardID,
		"workers", cfg.Workers.Count,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Telemetry ---

	otelShutdown, err := tpotel.Init(ctx, cfg.Otel, cfg.Logging.Service, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := tpotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := tpnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	// A permanently closed connection means the work queue is gone and
	// nothing this process does is durable anymore.
	queue.NotifyClosed(func() {
		slog.Error("message queue connection closed permanently")
		os.Exit(2)
	})

	kv, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}
	deduper := natskv.New(kv)

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	// --- Outbound clients ---

	breakers := map[string]*resilience.Breaker{
		"monday":  resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		"github":  resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		"litellm": resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
	}

	tickets := monday.NewClient(cfg.Monday, cfg.Webhook.BoardID)
	tickets.SetBreaker(breakers["monday"])

	scmClient := github.NewClient(cfg.GitHub)
	scmClient.SetBreaker(breakers["github"])

	llmClient := litellm.NewClient(cfg.LiteLLM)
	llmClient.SetBreaker(breakers["litellm"])

	var notifiers []notifier.Notifier
	if cfg.Slack.BotToken != "" {
		notifiers = append(notifiers, slack.NewNotifier(cfg.Slack, ""))
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	comments := service.NewNotificationService(tickets, notifiers)
	slog.Info("notifiers registered", "count", comments.NotifierCount())
	ledger := service.NewLedgerService(store)
	ledger.SetMetrics(metrics)

	intents := service.NewIntentAnalyzer(llmClient, l1, ledger, cfg.Reactivation.DetectorCacheTTL)

	rules := branch.Rules{
		Default:       cfg.Branch.Default,
		RepoOverrides: cfg.Branch.RepoOverrides,
		TypeRules:     cfg.Branch.TypeRules,
	}
	factory := service.NewRunFactory(store, queue, hub, rules)
	factory.SetMetrics(metrics)

	gate := service.NewReactivationGate(store, factory, comments, cfg.Reactivation)
	gate.SetMetrics(metrics)

	validator := service.NewValidationCoordinator(store, factory, gate, intents, comments, tickets, queue, hub, cfg.Validation)
	validator.SetMetrics(metrics)
	validator.SetSCM(scmClient)

	executor := tpnats.NewExecutor(queue, cfg.Driver.TaskTimeout)
	driver := service.NewWorkflowDriver(store, executor, ledger, validator, scmClient, tickets, comments, hub, cfg.Driver)
	driver.SetMetrics(metrics)

	intake := service.NewIntakeService(store, l1, deduper, tickets, factory, gate, intents, validator, hub, cfg.Webhook)
	intake.SetMetrics(metrics)

	workers := service.NewRunWorkerPool(queue, store, driver, hub,
		cfg.Workers.Count, cfg.Driver.HeartbeatInterval, cfg.Reactivation.LockMaxAge)
	workers.SetMetrics(metrics)
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	validator.StartSweeper(ctx)

	// --- HTTP ---

	rl := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := rl.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := &tphttp.Handlers{
		Intake:   intake,
		Store:    store,
		Queue:    queue,
		Hub:      hub,
		Breakers: breakers,
		Version:  version,
		Started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(tpotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(rl.Handler)

	tphttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, let in-flight runs finish, then cut the rest.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := workers.Stop(shutdownCtx); err != nil {
		slog.Warn("workers did not drain in time", "error", err)
	}
	cancel()
	if err := queue.Drain(); err != nil {
		slog.Error("queue drain", "error", err)
	}
	return nil
}
