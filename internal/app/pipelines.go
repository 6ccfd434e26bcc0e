// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"time"

	"github.com/fairyhunter13/repowatch/internal/domain"
	"github.com/fairyhunter13/repowatch/internal/pipeline/deepanalysis"
	"github.com/fairyhunter13/repowatch/internal/pipeline/discovery"
	"github.com/fairyhunter13/repowatch/internal/pipeline/queuemanager"
	"github.com/fairyhunter13/repowatch/internal/pipeline/watchlist"
)

// Runner adapts the four pipeline Services to httpserver.PipelineRunner (and
// to cmd/worker, which calls the same methods directly). It holds no state
// of its own beyond the four Services it delegates to.
type Runner struct {
	Discovery    *discovery.Service
	QueueManager *queuemanager.Service
	DeepAnalysis *deepanalysis.Service
	Watchlist    *watchlist.Service

	DiscoveryConfig               discovery.Config
	DeepAnalysisMaxRepos          int
	DeepAnalysisMaxRequestsPerRun int
}

// NewRunner constructs a Runner from the four pipeline Services.
func NewRunner(d *discovery.Service, q *queuemanager.Service, da *deepanalysis.Service, wl *watchlist.Service, discoveryCfg discovery.Config, deepAnalysisMaxRepos, deepAnalysisMaxRequestsPerRun int) *Runner {
	return &Runner{
		Discovery:                     d,
		QueueManager:                  q,
		DeepAnalysis:                  da,
		Watchlist:                     wl,
		DiscoveryConfig:               discoveryCfg,
		DeepAnalysisMaxRepos:          deepAnalysisMaxRepos,
		DeepAnalysisMaxRequestsPerRun: deepAnalysisMaxRequestsPerRun,
	}
}

// RunDiscovery runs discover_repos() (§4.3).
func (r *Runner) RunDiscovery(ctx context.Context) (domain.JobRun, error) {
	return r.Discovery.Run(ctx, r.DiscoveryConfig)
}

// RunQueueRefresh runs refresh_queue() (§4.4).
func (r *Runner) RunQueueRefresh(ctx context.Context) (domain.JobRun, error) {
	return r.QueueManager.Refresh(ctx)
}

// RunDeepAnalysis runs the deep-analysis pass (§4.5), capped at maxRepos
// (falling back to the configured default budget when 0).
func (r *Runner) RunDeepAnalysis(ctx context.Context, maxRepos int) (domain.JobRun, error) {
	if maxRepos <= 0 {
		maxRepos = r.DeepAnalysisMaxRepos
	}
	budget := deepanalysis.Budget{MaxRepos: maxRepos, MaxRequestsPerRun: r.DeepAnalysisMaxRequestsPerRun}
	return r.DeepAnalysis.Run(ctx, budget)
}

// RunWatchlist runs the watchlist generator (§4.6).
func (r *Runner) RunWatchlist(ctx context.Context) (domain.JobRun, error) {
	return r.Watchlist.Run(ctx, time.Now().UTC())
}
