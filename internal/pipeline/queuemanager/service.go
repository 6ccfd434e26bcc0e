// Package queuemanager maintains the prioritized backlog of repos awaiting
// deep analysis (§4.4).
package queuemanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/repowatch/internal/domain"
	obsctx "github.com/fairyhunter13/repowatch/internal/observability"
)

// highMomentumVelocity is the §4.4 star-velocity threshold, in stars/day.
const highMomentumVelocity = 10.0

// RefreshStats aggregates the §4.4 refresh_queue() counters.
type RefreshStats struct {
	ClearedProcessed  int `json:"cleared_processed"`
	AddedToQueue      int `json:"added_to_queue"`
	UpdatedPriorities int `json:"updated_priorities"`
}

// QueueSummary is the §4.4 get_queue_summary() result.
type QueueSummary struct {
	TotalUnprocessed int         `json:"total_unprocessed"`
	ByPriority       map[int]int64 `json:"by_priority"`
}

// processedRetention is the §4.4 step-1 GC horizon (default 7 days, matches
// the default of config.Config.QueueProcessedRetention).
const processedRetention = 7 * 24 * time.Hour

// Service runs the queue-refresh pipeline.
type Service struct {
	Repos     domain.RepoStore
	Snapshots domain.SnapshotStore
	Queue     domain.QueueStore
	JobRuns   domain.JobRunStore
	Retention time.Duration
}

// NewService constructs a queuemanager Service. A zero Retention defaults
// to the spec's 7-day horizon.
func NewService(repos domain.RepoStore, snapshots domain.SnapshotStore, queue domain.QueueStore, jobRuns domain.JobRunStore, retention time.Duration) *Service {
	if retention <= 0 {
		retention = processedRetention
	}
	return &Service{Repos: repos, Snapshots: snapshots, Queue: queue, JobRuns: jobRuns, Retention: retention}
}

// classify evaluates the §4.4 priority table top-to-bottom; the first
// matching rule wins. snapshots must be ordered newest-first (as
// SnapshotStore.LatestDiscovery returns them) and hold at least the two
// most recent discovery snapshots when available.
func classify(repo domain.Repo, snapshots []domain.DiscoverySnapshot, latestDeepAge *time.Duration, now time.Time) (priority int, reason string) {
	if now.Sub(repo.FirstDiscoveredAt) <= 14*24*time.Hour {
		return domain.PriorityNewlyEligible, domain.ReasonNewlyEligible
	}
	if velocity(snapshots) > highMomentumVelocity {
		return domain.PriorityHighMomentum, domain.ReasonHighMomentum
	}
	if now.Sub(repo.PushedAt) <= 3*24*time.Hour {
		return domain.PriorityActivitySpike, domain.ReasonActivitySpike
	}
	if latestDeepAge == nil || *latestDeepAge > 30*24*time.Hour {
		return domain.PriorityStale, domain.ReasonStale
	}
	return domain.PriorityRegular, domain.ReasonRegular
}

// velocity computes star-velocity in stars/day between the two most recent
// discovery snapshots (§4.4): 0 if fewer than two exist or Δdays <= 0.
func velocity(snapshots []domain.DiscoverySnapshot) float64 {
	if len(snapshots) < 2 {
		return 0
	}
	recent, older := snapshots[0], snapshots[1]
	deltaDays := recent.SnapshotAt.Sub(older.SnapshotAt).Hours() / 24
	if deltaDays <= 0 {
		return 0
	}
	return float64(recent.Stars-older.Stars) / deltaDays
}

// Refresh runs refresh_queue() (§4.4) and returns the audit JobRun record.
func (s *Service) Refresh(ctx domain.Context) (domain.JobRun, error) {
	tr := otel.Tracer("pipeline.queuemanager")
	ctx, span := tr.Start(ctx, "queuemanager.Refresh")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	run, err := s.JobRuns.Open(ctx, domain.JobTypeQueueRefresh)
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("op=queuemanager.Refresh: %w", err)
	}
	ctx = obsctx.ContextWithJobRunID(ctx, run.ID)

	stats, runErr := s.refresh(ctx)
	statsJSON, _ := json.Marshal(stats)
	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Stats = statsJSON
	if runErr != nil {
		errMsg := runErr.Error()
		run.Status = domain.JobRunFailed
		run.Error = &errMsg
		if closeErr := s.JobRuns.Close(ctx, run.ID, domain.JobRunFailed, statsJSON, &errMsg); closeErr != nil {
			lg.Error("queuemanager: failed to close failed job run", slog.String("error", closeErr.Error()))
		}
		return run, runErr
	}
	if err := s.JobRuns.Close(ctx, run.ID, domain.JobRunCompleted, statsJSON, nil); err != nil {
		return run, fmt.Errorf("op=queuemanager.Refresh: %w", err)
	}
	run.Status = domain.JobRunCompleted
	return run, nil
}

func (s *Service) refresh(ctx domain.Context) (RefreshStats, error) {
	var stats RefreshStats
	now := time.Now().UTC()

	cleared, err := s.Queue.DeleteProcessedBefore(ctx, now.Add(-s.Retention))
	if err != nil {
		return stats, fmt.Errorf("op=queuemanager.refresh: %w", err)
	}
	stats.ClearedProcessed = int(cleared)

	repos, err := s.Repos.ListEligible(ctx)
	if err != nil {
		return stats, fmt.Errorf("op=queuemanager.refresh: %w", err)
	}

	for _, repo := range repos {
		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("op=queuemanager.refresh: %w", domain.ErrCancelled)
		default:
		}

		snapshots, err := s.Snapshots.LatestDiscovery(ctx, repo.ID, 2)
		if err != nil {
			return stats, fmt.Errorf("op=queuemanager.refresh: %w", err)
		}

		var deepAge *time.Duration
		deep, err := s.Snapshots.LatestDeep(ctx, repo.ID)
		switch {
		case err == nil:
			age := now.Sub(deep.SnapshotAt)
			deepAge = &age
		case !errors.Is(err, domain.ErrNotFound):
			return stats, fmt.Errorf("op=queuemanager.refresh: %w", err)
		}

		priority, reason := classify(repo, snapshots, deepAge, now)

		existing, err := s.Queue.GetUnprocessed(ctx, repo.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if upsertErr := s.Queue.Upsert(ctx, domain.QueueEntry{RepoID: repo.ID, Priority: priority, Reason: reason}); upsertErr != nil {
				return stats, fmt.Errorf("op=queuemanager.refresh: %w", upsertErr)
			}
			stats.AddedToQueue++
		case err != nil:
			return stats, fmt.Errorf("op=queuemanager.refresh: %w", err)
		case existing.Priority != priority:
			if upsertErr := s.Queue.Upsert(ctx, domain.QueueEntry{RepoID: repo.ID, Priority: priority, Reason: reason}); upsertErr != nil {
				return stats, fmt.Errorf("op=queuemanager.refresh: %w", upsertErr)
			}
			stats.UpdatedPriorities++
		}
	}
	return stats, nil
}

// GetSummary runs get_queue_summary() (§4.4).
func (s *Service) GetSummary(ctx domain.Context) (QueueSummary, error) {
	byPriority, err := s.Queue.CountByPriority(ctx)
	if err != nil {
		return QueueSummary{}, fmt.Errorf("op=queuemanager.GetSummary: %w", err)
	}
	total := 0
	for _, n := range byPriority {
		total += int(n)
	}
	return QueueSummary{TotalUnprocessed: total, ByPriority: byPriority}, nil
}
