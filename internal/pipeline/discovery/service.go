// Package discovery implements the broad, cheap, frequent pipeline that
// materializes the eligible universe from upstream search queries (§4.3).
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/repowatch/internal/domain"
	obsctx "github.com/fairyhunter13/repowatch/internal/observability"
)

const (
	perPage          = 100
	maxPages         = 10
	defaultMonthDays = 30
)

// Config parameterizes one discovery run (§4.3 eligibility predicate and
// config env vars from §6).
type Config struct {
	MinStars         int
	MaxAgeMonths     int
	MaxDaysSincePush int
}

// Stats aggregates counters for one run (§4.3 step 4).
type Stats struct {
	Found         int `json:"found"`
	Eligible      int `json:"eligible"`
	Ineligible    int `json:"ineligible"`
	New           int `json:"new"`
	Updated       int `json:"updated"`
	RequestsMade  int `json:"requests_made"`
	RateRemaining int `json:"rate_remaining"`
}

// Service runs the discovery pipeline.
type Service struct {
	Repos     domain.RepoStore
	Snapshots domain.SnapshotStore
	JobRuns   domain.JobRunStore
	Client    domain.UpstreamClient
}

// NewService constructs a discovery Service.
func NewService(repos domain.RepoStore, snapshots domain.SnapshotStore, jobRuns domain.JobRunStore, client domain.UpstreamClient) *Service {
	return &Service{Repos: repos, Snapshots: snapshots, JobRuns: jobRuns, Client: client}
}

// searchRepo is the subset of the upstream search-result item this pipeline
// consumes.
type searchRepo struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	Name      string    `json:"name"`
	Language  *string   `json:"language"`
	Stars     int       `json:"stargazers_count"`
	Forks     int       `json:"forks_count"`
	CreatedAt time.Time `json:"created_at"`
	PushedAt  time.Time `json:"pushed_at"`
	Archived  bool      `json:"archived"`
	Fork      bool      `json:"fork"`
}

type searchResponse struct {
	TotalCount int          `json:"total_count"`
	Items      []searchRepo `json:"items"`
}

// buildQuery composes the §4.3 search query string.
func buildQuery(cfg Config, now time.Time) string {
	cutoff := now.AddDate(0, 0, -cfg.MaxAgeMonths*defaultMonthDays)
	return fmt.Sprintf("stars:>=%d created:>=%s archived:false fork:false", cfg.MinStars, cutoff.Format("2006-01-02"))
}

// eligible evaluates the §4.3 predicate against a search-result item.
func eligible(cfg Config, r searchRepo, now time.Time) bool {
	if r.Stars < cfg.MinStars {
		return false
	}
	if r.CreatedAt.Before(now.AddDate(0, 0, -cfg.MaxAgeMonths*defaultMonthDays)) {
		return false
	}
	if r.Archived || r.Fork {
		return false
	}
	if r.PushedAt.Before(now.AddDate(0, 0, -cfg.MaxDaysSincePush)) {
		return false
	}
	return true
}

// Run executes one discovery pass end to end (§4.3 run procedure) and
// returns the audit JobRun record (status, stats payload, error message).
func (s *Service) Run(ctx domain.Context, cfg Config) (domain.JobRun, error) {
	tr := otel.Tracer("pipeline.discovery")
	ctx, span := tr.Start(ctx, "discovery.Run")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	now := time.Now().UTC()

	run, err := s.JobRuns.Open(ctx, domain.JobTypeDiscovery)
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("op=discovery.Run: %w", err)
	}
	ctx = obsctx.ContextWithJobRunID(ctx, run.ID)

	var stats Stats
	query := buildQuery(cfg, now)

	runErr := s.page(ctx, query, now, cfg, &stats)

	statsJSON, _ := json.Marshal(stats)
	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Stats = statsJSON
	if runErr != nil {
		errMsg := runErr.Error()
		run.Status = domain.JobRunFailed
		run.Error = &errMsg
		if closeErr := s.JobRuns.Close(ctx, run.ID, domain.JobRunFailed, statsJSON, &errMsg); closeErr != nil {
			lg.Error("discovery: failed to close failed job run", slog.String("error", closeErr.Error()))
		}
		return run, runErr
	}

	if err := s.JobRuns.Close(ctx, run.ID, domain.JobRunCompleted, statsJSON, nil); err != nil {
		return run, fmt.Errorf("op=discovery.Run: %w", err)
	}
	run.Status = domain.JobRunCompleted
	lg.Info("discovery run completed",
		slog.Int("found", stats.Found), slog.Int("eligible", stats.Eligible),
		slog.Int("new", stats.New), slog.Int("updated", stats.Updated))
	return run, nil
}

func (s *Service) page(ctx domain.Context, query string, now time.Time, cfg Config, stats *Stats) error {
	for page := 1; page <= maxPages; page++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=discovery.page: %w", domain.ErrCancelled)
		default:
		}

		params := url.Values{
			"q":        []string{query},
			"sort":     []string{"stars"},
			"order":    []string{"desc"},
			"per_page": []string{strconv.Itoa(perPage)},
			"page":     []string{strconv.Itoa(page)},
		}
		body, err := s.Client.Get(ctx, "search/repositories", params)
		stats.RequestsMade++
		if err != nil {
			return fmt.Errorf("op=discovery.page: %w", err)
		}
		if body == nil {
			return nil
		}

		var resp searchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("op=discovery.page: %w: %w", domain.ErrUpstreamUnavailable, err)
		}
		if len(resp.Items) == 0 {
			return nil
		}

		for _, item := range resp.Items {
			if err := s.ingest(ctx, cfg, item, now, stats); err != nil {
				return err
			}
		}
		stats.RateRemaining = s.Client.Stats().CoreRemaining

		if len(resp.Items) < perPage {
			return nil
		}
	}
	return nil
}

// ingest evaluates one search item, upserts its Repo, and appends a
// DiscoverySnapshot (§4.3 step 3). The upsert and the snapshot append are two
// separate Store calls, not one transaction: if the append fails, the
// upserted Repo stays in place.
func (s *Service) ingest(ctx domain.Context, cfg Config, item searchRepo, now time.Time, stats *Stats) error {
	stats.Found++
	isEligible := eligible(cfg, item, now)
	if isEligible {
		stats.Eligible++
	} else {
		stats.Ineligible++
	}

	existing, err := s.Repos.GetByUpstreamID(ctx, item.ID)
	isNew := errors.Is(err, domain.ErrNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("op=discovery.ingest: %w", err)
	}
	rp := domain.Repo{
		UpstreamID: item.ID,
		Owner:      item.Owner.Login,
		Name:       item.Name,
		Language:   item.Language,
		Stars:      item.Stars,
		Forks:      item.Forks,
		CreatedAt:  item.CreatedAt,
		PushedAt:   item.PushedAt,
		Archived:   item.Archived,
		Fork:       item.Fork,
		Eligible:   isEligible,
	}
	if !isNew {
		rp.ID = existing.ID
	}

	saved, err := s.Repos.Upsert(ctx, rp)
	if err != nil {
		return fmt.Errorf("op=discovery.ingest: %w", err)
	}
	if isNew {
		stats.New++
	} else {
		stats.Updated++
	}

	raw, _ := json.Marshal(item)
	return s.Snapshots.AppendDiscovery(ctx, domain.DiscoverySnapshot{
		RepoID:     saved.ID,
		SnapshotAt: now,
		Stars:      item.Stars,
		Forks:      item.Forks,
		PushedAt:   item.PushedAt,
		Eligible:   isEligible,
		RawPayload: raw,
	})
}
