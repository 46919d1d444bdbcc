package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/app"
	"edittime/api/internal/archive"
	"edittime/api/internal/config"
	"edittime/api/internal/content"
	"edittime/api/internal/metrics"
	"edittime/api/internal/notify"
	"edittime/api/internal/reconcile"
	"edittime/api/internal/search"
	"edittime/api/internal/session"
	"edittime/api/internal/store"
	"edittime/api/internal/tracker"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var reindex bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog := newLogger(cmd.ErrOrStderr(), *cfg)
			defer closeLog()
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg, reindex, logger)
		},
	}
	cmd.Flags().BoolVar(&reindex, "reindex", false, "push every recorded session into the search index on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, reindex bool, logger slog.Logger) error {
	db, err := store.OpenWithRetry(ctx, cfg.DatabaseURL, time.Minute, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	pg := store.NewPostgresStore(db)
	clock := quartz.NewReal()
	pol := cfg.Policy()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var (
		sessions session.Store
		notifier notify.Notifier
	)
	redisStore, err := connectRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Warn(ctx, "redis unavailable, keeping sessions in process memory", slog.Error(err))
	}
	if redisStore != nil {
		defer redisStore.Close()
		sessions = redisStore
		notifier = notify.NewRedisNotifier(redisStore.Client(), pol.StatusTTL)
	} else {
		sessions = session.NewMemoryStore(clock)
		notifier = notify.NewMemoryNotifier(clock, pol.StatusTTL)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger.Named("search"))

	manager := tracker.NewManager(tracker.Options{
		Sessions:  sessions,
		Documents: pg,
		Sink:      pg,
		Extractor: content.NewExtractor(pg, pol.MaxTemplateDepth, logger.Named("content")),
		Policy:    pol,
		Clock:     clock,
		Logger:    logger.Named("tracker"),
		Metrics:   m,
	})
	manager.AddHook(searchService)

	archiver, err := archive.New(ctx, archive.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, logger.Named("archive"))
	switch {
	case err != nil:
		logger.Warn(ctx, "session archive disabled", slog.Error(err))
	case archiver != nil:
		manager.AddHook(archiver)
	}

	reconciler := reconcile.New(reconcile.Options{
		Lifecycle: manager,
		Documents: pg,
		Guard:     sessions,
		Notifier:  notifier,
		Policy:    pol,
		Clock:     clock,
		Logger:    logger.Named("reconcile"),
		Metrics:   m,
	})

	service := app.NewService(app.Options{
		Config:   cfg,
		Events:   reconciler,
		Store:    pg,
		Statuses: notifier,
		Search:   searchService,
		Sessions: sessions,
		Clock:    clock,
		Logger:   logger.Named("app"),
	})

	if reindex {
		n, err := searchService.ReindexAll(ctx, pg)
		if err != nil {
			logger.Warn(ctx, "search reindex failed", slog.F("indexed", n), slog.Error(err))
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, m, cfg.CORSOrigin, logger.Named("http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(ctx, "edittime API listening", slog.F("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// connectRedis returns nil, nil when no Redis URL is configured.
func connectRedis(ctx context.Context, redisURL string, logger slog.Logger) (*session.RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, nil
	}
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 15 * time.Second

	var redisStore *session.RedisStore
	err := backoff.Retry(func() error {
		var err error
		redisStore, err = session.NewRedisStore(redisURL)
		if err != nil {
			logger.Debug(ctx, "redis not ready", slog.Error(err))
		}
		return err
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		return nil, err
	}
	return redisStore, nil
}
