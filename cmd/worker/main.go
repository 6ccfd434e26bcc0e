// Command worker runs exactly one pipeline pass end to end and exits,
// for invocation from cron or an external scheduler rather than as a
// long-running process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/repowatch/internal/adapter/ghclient"
	"github.com/fairyhunter13/repowatch/internal/adapter/observability"
	"github.com/fairyhunter13/repowatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/repowatch/internal/app"
	"github.com/fairyhunter13/repowatch/internal/config"
	"github.com/fairyhunter13/repowatch/internal/domain"
	"github.com/fairyhunter13/repowatch/internal/pipeline/deepanalysis"
	"github.com/fairyhunter13/repowatch/internal/pipeline/discovery"
	"github.com/fairyhunter13/repowatch/internal/pipeline/queuemanager"
	"github.com/fairyhunter13/repowatch/internal/pipeline/watchlist"
)

func main() {
	pipelineName := flag.String("pipeline", "", "pipeline to run: discovery|queue|deepanalysis|watchlist")
	maxRepos := flag.Int("max-repos", 0, "deep-analysis repo budget (0 = use configured default; ignored by other pipelines)")
	flag.Parse()

	switch *pipelineName {
	case "discovery", "queue", "deepanalysis", "watchlist":
	default:
		fmt.Fprintln(os.Stderr, "usage: worker --pipeline=discovery|queue|deepanalysis|watchlist [--max-repos=N]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	var run domain.JobRun
	switch *pipelineName {
	case "discovery":
		run, err = runner.RunDiscovery(ctx)
	case "queue":
		run, err = runner.RunQueueRefresh(ctx)
	case "deepanalysis":
		run, err = runner.RunDeepAnalysis(ctx, *maxRepos)
	case "watchlist":
		run, err = runner.RunWatchlist(ctx)
	}
	if err != nil {
		slog.Error("pipeline run failed to start", slog.String("pipeline", *pipelineName), slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("pipeline run finished",
		slog.String("pipeline", *pipelineName),
		slog.String("job_id", run.ID),
		slog.String("status", run.Status),
		slog.String("stats", string(run.Stats)))

	if run.Status == domain.JobRunFailed {
		os.Exit(1)
	}
}
