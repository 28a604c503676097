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

	"callqc-platform/internal/analysis"
	"callqc-platform/internal/auth"
	"callqc-platform/internal/config"
	"callqc-platform/internal/httpapi"
	"callqc-platform/internal/pipeline"
	"callqc-platform/internal/queue"
	"callqc-platform/internal/records"
	"callqc-platform/internal/reporting"
	"callqc-platform/internal/webhook"
	"callqc-platform/pkg/logger"
	"callqc-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Local development convenience; production injects real env.
	_ = godotenv.Load()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := records.NewPostgresStore(db)

	q := queue.NewRedisQueue(rdb, "callqc", queue.Options{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BackoffBase: cfg.Pipeline.BackoffBase,
	})

	httpClient := &http.Client{Timeout: 30 * time.Second}
	transcriber := analysis.NewTranscriptionClient(analysis.TranscriptionConfig{
		BaseURL: cfg.Transcribe.BaseURL,
		APIKey:  cfg.Transcribe.APIKey,
	}, httpClient)
	llmCfg := analysis.LLMConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}
	labeler := analysis.NewLLMSpeakerLabeler(llmCfg, httpClient)
	classifier := analysis.NewLLMDispositionClassifier(llmCfg, httpClient, analysis.DefaultDispositions, cfg.QC.StrictClassification)

	worker := pipeline.NewWorker(store, transcriber, labeler, classifier, cfg.Pipeline.StageTimeout, log)
	pool := queue.NewPool(q, worker.Handle, queue.PoolOptions{
		Concurrency:   cfg.Pipeline.Workers,
		RatePerSecond: cfg.Pipeline.RatePerSec,
	}, log)

	// Workers get their own context so HTTP can drain first on shutdown.
	poolCtx, stopPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(poolCtx); err != nil {
			log.Error("worker pool failed", "err", err)
			stop()
		}
	}()

	wh := &webhook.Handler{
		Store:             store,
		Queue:             q,
		ReprocessTerminal: cfg.QC.ReprocessTerminal,
	}
	handlers := httpapi.Handlers{
		Auth:      authManager,
		Store:     store,
		Reporting: reporting.NewService(store),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, wh, handlers, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Drain workers after HTTP stops accepting; in-flight jobs finish.
	stopPool()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn("worker drain timed out")
	}

	log.Info("shutdown complete")
}
