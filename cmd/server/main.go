package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/playperu/cityjourney/internal/cache"
	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/config"
	"github.com/playperu/cityjourney/internal/database"
	"github.com/playperu/cityjourney/internal/handler/health"
	"github.com/playperu/cityjourney/internal/identity"
	"github.com/playperu/cityjourney/internal/journal"
	"github.com/playperu/cityjourney/internal/migrations"
	"github.com/playperu/cityjourney/internal/notify"
	"github.com/playperu/cityjourney/internal/server"
	"github.com/playperu/cityjourney/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// locker is what the cache backends offer to the rest of the service.
type locker interface {
	server.Locker
	identity.Revoker
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	checks := map[string]health.Checker{}

	// --- SQLite ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath)

	st := store.New(db)
	if err := st.SeedDemo(ctx, logger, cfg.SeedFile); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}
	checks["sqlite"] = st

	// --- Redis ---
	var locks locker = cache.NewMemory()
	if cfg.RedisURL != "" {
		rdb, err := cache.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		locks = rdb
		checks["redis"] = rdb
		logger.Info("connected to redis")
	} else {
		logger.Info("redis not configured, using in-process locks")
	}

	// --- Notifications ---
	var sender notify.Notifier = notify.NewLog(logger)
	if cfg.SMTP.Host != "" {
		sender = notify.NewSMTPSender(cfg.SMTP)
		logger.Info("sending completion emails over smtp", "host", cfg.SMTP.Host)
	}

	notifier := sender
	var queue *notify.Queue
	if cfg.AMQPURL != "" {
		queue, err = notify.DialQueue(cfg.AMQPURL, cfg.NotifyQueue)
		if err != nil {
			return fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		defer queue.Close()
		notifier = queue
		checks["rabbitmq"] = queue
		logger.Info("connected to rabbitmq", "queue", cfg.NotifyQueue)
	}

	// --- Journals ---
	var journals completion.JournalGenerator
	if cfg.S3.Endpoint != "" {
		uploader, err := journal.NewS3Uploader(cfg.S3)
		if err != nil {
			return fmt.Errorf("creating s3 client: %w", err)
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("preparing journal bucket: %w", err)
		}
		journals = journal.NewService(st, uploader)
		checks["s3"] = uploader
		logger.Info("travel journals enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	// --- HTTP Server ---
	deps := server.Deps{
		Store:    st,
		Identity: identity.NewService(st, locks, cfg.JWTSecret, cfg.TokenTTL),
		Locker:   locks,
		Notifier: notifier,
		Journals: journals,
		Journey:  cfg.Journey,
		SPADir:   cfg.SPADir,
	}
	srv := server.New(cfg.HTTPAddr, logger, deps, func(r chi.Router) {
		r.Mount("/healthz", health.NewHandler(logger, checks).Routes())
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	g.Go(func() error {
		return srv.Plays().RunReaper(gctx, time.Minute, cfg.SessionIdle)
	})

	if queue != nil {
		g.Go(func() error {
			return queue.Consume(gctx, sender, logger)
		})
	}

	return g.Wait()
}
