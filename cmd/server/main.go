package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zhangyuhan0377/zyh.ai/config"
	"github.com/zhangyuhan0377/zyh.ai/internal/api"
	"github.com/zhangyuhan0377/zyh.ai/internal/archive"
	"github.com/zhangyuhan0377/zyh.ai/internal/auth"
	"github.com/zhangyuhan0377/zyh.ai/internal/chat"
	"github.com/zhangyuhan0377/zyh.ai/internal/observability"
	"github.com/zhangyuhan0377/zyh.ai/internal/provider"
	"github.com/zhangyuhan0377/zyh.ai/internal/quota"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
	"github.com/zhangyuhan0377/zyh.ai/internal/tasks"
	"github.com/zhangyuhan0377/zyh.ai/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger := utils.MustNewLogger(cfg.Logging).Sugar()
	defer logger.Sync()

	ctx := context.Background()
	metrics := observability.NewMetrics("zyh")

	var (
		convStore store.ConversationStore
		counter   quota.Counter
	)
	if cfg.DBURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DBURL)
		if err != nil {
			logger.Fatalw("postgres: failed to connect", "error", err)
		}
		defer pgStore.Close()

		convStore = pgStore
		counter = quota.NewPostgresCounter(pgStore.Pool())
		logger.Infow("using postgres storage")
	} else {
		convStore = store.NewMemoryStore()
		counter = quota.NewMemoryCounter()
		logger.Warnw("DB_URL not set, conversations and usage counters are held in memory and lost on restart")
	}

	var (
		archiver    chat.TraceArchiver
		traceReader api.TraceReader
	)
	if cfg.MongoURI != "" {
		mongoStore, err := archive.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			logger.Fatalw("mongo: failed to connect", "error", err)
		}
		defer func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				logger.Warnw("mongo: close error", "error", err)
			}
		}()

		if err := mongoStore.EnsureCollections(ctx); err != nil {
			logger.Fatalw("mongo: ensure collections", "error", err)
		}
		archiver = mongoStore
		traceReader = mongoStore
		logger.Infow("generation trace archive enabled", "database", cfg.MongoDB)
	}

	ledger := quota.NewLedger(counter, quota.NewStaticEntitlements(cfg.Quota.ProOwnerIDs),
		cfg.Quota.FreeTierLimit, cfg.Quota.ProTierLimit, logger)

	runner := tasks.NewRunner(cfg.Tasks.Workers, cfg.Tasks.QueueSize, logger, metrics)
	defer runner.Close()

	completions := provider.NewOpenAIProvider(cfg.Model.APIBaseURL, cfg.Model.APIKey, cfg.Model.Name, logger)
	titles := provider.NewTitleService(cfg.Model.APIBaseURL, cfg.Model.APIKey, cfg.Model.TitleModel, logger)

	orchestrator := chat.NewOrchestrator(chat.OrchestratorConfig{
		Store:             convStore,
		Ledger:            ledger,
		Scheduler:         runner,
		Completions:       completions,
		Titles:            titles,
		Archiver:          archiver,
		Metrics:           metrics,
		Logger:            logger,
		GenerationTimeout: cfg.Model.GenerationTimeout,
		TitleTimeout:      cfg.Model.TitleTimeout,
	})

	authService, err := auth.NewService(cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		logger.Fatalw("failed to initialise auth service", "error", err)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	api.NewHandler(authService, orchestrator, convStore, ledger, traceReader, logger).RegisterRoutes(router)

	server := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server crashed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}

	logger.Infow("server stopped cleanly")
}
