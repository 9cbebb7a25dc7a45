package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/izavyalov-dev/delta-triage/internal/archive"
	"github.com/izavyalov-dev/delta-triage/internal/config"
	"github.com/izavyalov-dev/delta-triage/internal/observability"
	"github.com/izavyalov-dev/delta-triage/internal/vault"
	"github.com/izavyalov-dev/delta-triage/internal/vcs/github"
	"github.com/izavyalov-dev/delta-triage/modelrunner"
	"github.com/izavyalov-dev/delta-triage/orchestrator"
	"github.com/izavyalov-dev/delta-triage/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: triage <serve|migrate> [flags]")
}

func runMigrate(args []string) error {
	cfg, err := config.Load("migrate", args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := state.NewStore(db).ApplyMigrations(ctx)
	if err != nil {
		return err
	}
	observability.NewLogger("migrate").Info("migrations applied", "event", "migrations_applied", "applied", applied)
	return nil
}

func runServe(args []string) error {
	cfg, err := config.Load("serve", args)
	if err != nil {
		return err
	}
	logger := observability.NewLogger("triage")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if applied, err := store.ApplyMigrations(ctx); err != nil {
		return err
	} else if len(applied) > 0 {
		logger.Info("migrations applied", "event", "migrations_applied", "applied", applied)
	}

	metrics := observability.NewMetrics(nil)

	var tokens orchestrator.TokenDecrypter
	if v, err := vault.New(cfg.TokenEncryptionKey, observability.NewLogger("vault")); err != nil {
		logger.Warn("token vault unavailable, log retrieval disabled", "event", "vault_unavailable", "error", err)
	} else {
		tokens = v
	}

	logs := orchestrator.NewLogRetriever(store, store, tokens, github.NewClient(cfg.LogDownloadTimeout),
		orchestrator.LogRetrieverConfig{DownloadTimeout: cfg.LogDownloadTimeout}, observability.NewLogger("logs"))
	if cfg.ArchiveBucket != "" {
		mirror, err := archive.NewS3Mirror(ctx, archive.S3Config{
			Bucket: cfg.ArchiveBucket,
			Prefix: cfg.ArchivePrefix,
			Region: cfg.ArchiveRegion,
		})
		if err != nil {
			logger.Warn("log archive mirror unavailable", "event", "archive_mirror_unavailable", "error", err)
		} else {
			logs.WithMirror(mirror)
		}
	}

	models := modelrunner.NewProcessRunner(modelrunner.Config{
		Interpreter: cfg.PythonPath,
		ScriptsDir:  cfg.MLScriptsDir,
		Timeout:     cfg.ModelTimeout,
	}, observability.NewLogger("modelrunner"), metrics)

	advisor := orchestrator.NewAIAdvisor(&orchestrator.HTTPAIClient{
		Endpoint: cfg.GenerationURL,
		Model:    cfg.GenerationModel,
		Token:    cfg.GenerationToken,
	}, orchestrator.AIConfig{
		Enabled: cfg.GenerationURL != "",
		Model:   cfg.GenerationModel,
		Timeout: cfg.GenerationTimeout,
	}, observability.NewLogger("advisor"), metrics)

	analyzer := orchestrator.NewModelFailureAnalyzer(models, advisor, orchestrator.AnalyzerConfig{}, observability.NewLogger("analyzer"), metrics)
	lifecycle := orchestrator.NewLifecycleManager(store, observability.NewLogger("lifecycle"), metrics)
	pipeline := orchestrator.NewPipeline(lifecycle, logs, analyzer, observability.NewLogger("pipeline"))

	queueLogger := observability.NewLogger("queue")
	dispatcher := orchestrator.NewDispatcher(pipeline.Process, func(ctx context.Context) (orchestrator.TaskQueue, error) {
		if !cfg.QueueEnabled {
			return nil, orchestrator.ErrQueueDisabled
		}
		queue, err := orchestrator.NewRedisQueue(ctx, orchestrator.RedisQueueConfig{
			URL:           cfg.RedisURL,
			Concurrency:   cfg.QueueConcurrency,
			RatePerSecond: cfg.QueueRatePerSecond,
		}, pipeline.Process, queueLogger, metrics)
		if err != nil {
			return nil, err
		}
		queue.Start()
		return queue, nil
	}, observability.NewLogger("dispatcher"), metrics)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("dispatcher close failed", "event", "dispatcher_close_failed", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           orchestrator.NewHTTPHandler(dispatcher, orchestrator.WebhookConfig{Secret: cfg.WebhookSecret}, observability.NewLogger("orchestrator.http"), metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not configured, deliveries will be refused", "event", "webhook_misconfigured")
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "event", "server_started", "addr", cfg.ListenAddr, "queue_enabled", cfg.QueueEnabled)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "event", "server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
