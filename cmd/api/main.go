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

	"github.com/redis/go-redis/v9"

	"github.com/abenezer101/Loanie/internal/api"
	"github.com/abenezer101/Loanie/internal/assets"
	"github.com/abenezer101/Loanie/internal/config"
	"github.com/abenezer101/Loanie/internal/idempotency"
	"github.com/abenezer101/Loanie/internal/jobstore"
	"github.com/abenezer101/Loanie/internal/logging"
	"github.com/abenezer101/Loanie/internal/narration"
	"github.com/abenezer101/Loanie/internal/orchestrator"
	"github.com/abenezer101/Loanie/internal/ratelimit"
	"github.com/abenezer101/Loanie/internal/render"
	"github.com/abenezer101/Loanie/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	// drainTimeout bounds how long shutdown waits for renders already running.
	drainTimeout = 15 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("render service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	durable, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer durable.Close()
	if err := durable.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if cfg.ReclaimInterrupted {
		n, err := durable.FailInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("reclaim interrupted jobs: %w", err)
		}
		if n > 0 {
			logger.Warn("marked interrupted jobs as failed", "count", n)
		}
	}

	local := assets.NewLocal(cfg.LocalAssetDir, cfg.PublicBaseURL)
	var (
		blobs    orchestrator.BlobStore = local
		fallback orchestrator.FallbackStore
	)
	if cfg.StorageDriver == "s3" {
		s3, err := assets.NewS3(ctx, assets.S3Config{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return fmt.Errorf("init s3: %w", err)
		}
		blobs, fallback = s3, local
	}

	if cfg.DeepgramAPIKey == "" {
		logger.Warn("DEEPGRAM_API_KEY is not set, narration will fail and scenes render silent")
	}
	engine := render.New(render.Config{
		Command:     cfg.RenderCommand,
		ProjectDir:  cfg.RenderProjectDir,
		EntryPoint:  cfg.RenderEntryPoint,
		Composition: cfg.RenderComposition,
		Concurrency: cfg.RenderConcurrency,
		Codec:       cfg.RenderCodec,
		WorkDir:     cfg.WorkDir,
		Logger:      logging.WithComponent(logger, "render"),
	})
	bundles := render.NewBundleCache(engine, logging.WithComponent(logger, "bundle"))

	tracker := jobstore.New(durable, cfg.EvictionGrace, logging.WithComponent(logger, "jobstore"))
	orch, err := orchestrator.New(orchestrator.Config{
		AudioBucket:      cfg.AudioBucket,
		VideoBucket:      cfg.VideoBucket,
		WorkDir:          cfg.WorkDir,
		ProgressInterval: cfg.ProgressInterval,
		PosterWidth:      cfg.PosterWidth,
	}, orchestrator.Deps{
		Tracker: tracker,
		Synthesizer: narration.NewClient(narration.Config{
			APIKey:  cfg.DeepgramAPIKey,
			Model:   cfg.DeepgramModel,
			BaseURL: cfg.DeepgramBaseURL,
		}),
		Blobs:     blobs,
		Fallback:  fallback,
		Engine:    engine,
		Bundles:   bundles,
		Artifacts: durable,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	opts := api.Options{
		Files:  local.Handler(),
		Bundle: bundles.Peek,
		Logger: logger,
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		opts.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		opts.Keys = idempotency.New(rdb, cfg.IdempotencyTTL)
	} else {
		logger.Info("REDIS_ADDR not set, rate limiting and idempotency keys disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(orch, tracker, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("render service listening", "port", cfg.HTTPPort, "database", cfg.DatabaseDriver, "storage", cfg.StorageDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down, waiting for running renders")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := orch.Wait(drainCtx); err != nil {
		logger.Warn("renders still running at exit", "error", err)
	}
	return nil
}
