// Command triggerd starts the repowatch HTTP trigger and read-surface server.
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

	"github.com/fairyhunter13/repowatch/internal/adapter/ghclient"
	"github.com/fairyhunter13/repowatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/repowatch/internal/adapter/observability"
	"github.com/fairyhunter13/repowatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/repowatch/internal/app"
	"github.com/fairyhunter13/repowatch/internal/config"
	"github.com/fairyhunter13/repowatch/internal/pipeline/deepanalysis"
	"github.com/fairyhunter13/repowatch/internal/pipeline/discovery"
	"github.com/fairyhunter13/repowatch/internal/pipeline/queuemanager"
	"github.com/fairyhunter13/repowatch/internal/pipeline/watchlist"
)

// redisPinger adapts *redis.Client's Ping (which returns *redis.StatusCmd)
// to the simple error-returning shape app.BuildReadinessChecks expects.
type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	repoRepo := postgres.NewRepoRepo(pool)
	snapshotRepo := postgres.NewSnapshotRepo(pool)
	queueRepo := postgres.NewQueueRepo(pool)
	jobRunRepo := postgres.NewJobRunRepo(pool)
	watchlistRepo := postgres.NewWatchlistRepo(pool)

	client := ghclient.NewClient(cfg)
	defer func() { _ = client.Close() }()

	discoverySvc := discovery.NewService(repoRepo, snapshotRepo, jobRunRepo, client)
	queueSvc := queuemanager.NewService(repoRepo, snapshotRepo, queueRepo, jobRunRepo, cfg.QueueProcessedRetention)
	deepSvc := deepanalysis.NewService(repoRepo, snapshotRepo, queueRepo, jobRunRepo, client, deepanalysis.Weights{
		Momentum:   cfg.HealthWeightMomentum,
		Durability: cfg.HealthWeightDurability,
		Adoption:   cfg.HealthWeightAdoption,
		Risk:       cfg.HealthWeightRisk,
	})
	watchlistSvc := watchlist.NewService(repoRepo, snapshotRepo, watchlistRepo, jobRunRepo, watchlist.Config{SnapshotLookback: 90})

	runner := app.NewRunner(discoverySvc, queueSvc, deepSvc, watchlistSvc,
		discovery.Config{MinStars: cfg.MinStars, MaxAgeMonths: cfg.MaxAgeMonths, MaxDaysSincePush: cfg.MaxDaysSincePush},
		cfg.DeepAnalysisMaxRepos, cfg.DeepAnalysisMaxRequestsPerRun)

	var redisClient app.RedisPinger
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			opts = &redis.Options{Addr: cfg.RedisURL}
		}
		redisClient = redisPinger{c: redis.NewClient(opts)}
	}
	dbCheck, githubCheck, redisCheck := app.BuildReadinessChecks(cfg, pool, redisClient)

	srv := httpserver.NewServer(cfg, runner, jobRunRepo, queueRepo, watchlistRepo, repoRepo, snapshotRepo, dbCheck, githubCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
