// Command vidqueued runs the video-generation job queue: the submission API,
// the scheduler, and the retention cron in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dkenzh/vidqueue/pkg/blob"
	"github.com/dkenzh/vidqueue/pkg/config"
	"github.com/dkenzh/vidqueue/pkg/core"
	"github.com/dkenzh/vidqueue/pkg/httpapi"
	"github.com/dkenzh/vidqueue/pkg/notify"
	"github.com/dkenzh/vidqueue/pkg/scheduler"
	"github.com/dkenzh/vidqueue/pkg/sora"
	"github.com/dkenzh/vidqueue/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("vidqueued exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := storage.ConfigurePool(db, storage.DefaultPoolConfig()); err != nil {
		return fmt.Errorf("configure pool: %w", err)
	}

	store := storage.NewGormJobStore(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	ledger := storage.NewGormLedger(db)
	if err := ledger.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}

	artifacts, err := openArtifacts(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	engine := sora.New(cfg.OpenAIKey, artifacts)
	notifier := notify.NewLogNotifier(logger)

	sched := scheduler.New(store, ledger, engine, notifier, artifacts,
		scheduler.WithCeiling(cfg.MaxConcurrentJobs),
		scheduler.WithMaxRetries(cfg.MaxRetries),
		scheduler.WithAdmissionInterval(cfg.AdmissionInterval),
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithMaxWait(cfg.MaxWait),
		scheduler.WithLogger(logger),
	)

	events := sched.Events()
	defer sched.Unsubscribe(events)
	go logEvents(ctx, logger, events)

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	c := cron.New()
	if _, err := c.AddFunc("@daily", func() {
		n, err := store.PruneTerminal(context.Background(), retention)
		if err != nil {
			logger.Error("prune failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned terminal jobs", "count", n, "retention", retention)
		}
	}); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	c.Start()
	defer c.Stop()

	gin.SetMode(gin.ReleaseMode)
	api := httpapi.NewServer(store, ledger, sched, logger)
	var submitMiddleware []gin.HandlerFunc
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		submitMiddleware = append(submitMiddleware, httpapi.RateLimiter(httpapi.RateLimiterConfig{
			RedisClient: rdb,
			Limit:       30,
			Window:      time.Minute,
		}))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(submitMiddleware...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	select {
	case err := <-httpErr:
		stop()
		<-schedErr
		return fmt.Errorf("http server: %w", err)
	case err := <-schedErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
			logger.Warn("http shutdown", "error", sErr)
		}
		return err
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabasePath), gormCfg)
}

func openArtifacts(ctx context.Context, cfg config.Config) (core.ArtifactStore, error) {
	if cfg.S3Endpoint != "" {
		return blob.NewS3(ctx, blob.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return blob.NewLocalFS(cfg.ArtifactDir), nil
}

func logEvents(ctx context.Context, logger *slog.Logger, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch ev := e.(type) {
			case *core.JobProgress:
				logger.Debug("progress", "job_id", ev.Job.ID, "progress", ev.Progress)
			case *core.JobCompleted:
				logger.Debug("completed", "job_id", ev.Job.ID, "duration", ev.Duration)
			case *core.JobFailed:
				logger.Debug("failed", "job_id", ev.Job.ID, "refunded", ev.Refunded)
			}
		}
	}
}
