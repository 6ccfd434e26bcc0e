// Package watchlist scores eligible candidates along three independent
// tracks and emits a ranked, append-only generation (§4.6).
package watchlist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/repowatch/internal/domain"
	obsctx "github.com/fairyhunter13/repowatch/internal/observability"
)

const (
	twoKStars          = 2000
	twoKCrossedWithin  = 30 * 24 * time.Hour
	candidateAgeMonths = 24
	candidateAgeDays   = candidateAgeMonths * 30
)

// Config tunes how much discovery history WatchlistGenerator consults per
// candidate when checking the "crossed 2k within 30 days" admission rule and
// computing time-to-2k. The store only exposes a "most recent n" query, so a
// generous lookback is needed to see far enough back; 90 covers roughly
// three months of daily discovery passes.
type Config struct {
	SnapshotLookback int
}

// Stats aggregates counters for one generation.
type Stats struct {
	CandidatesConsidered int `json:"candidates_considered"`
	Admitted             int `json:"admitted"`
}

// Service runs the watchlist-generation pipeline.
type Service struct {
	Repos      domain.RepoStore
	Snapshots  domain.SnapshotStore
	Watchlist  domain.WatchlistStore
	JobRuns    domain.JobRunStore
	Lookback   int
}

// NewService constructs a watchlist Service. A zero lookback defaults to 90.
func NewService(repos domain.RepoStore, snapshots domain.SnapshotStore, watchlist domain.WatchlistStore, jobRuns domain.JobRunStore, cfg Config) *Service {
	lookback := cfg.SnapshotLookback
	if lookback <= 0 {
		lookback = 90
	}
	return &Service{Repos: repos, Snapshots: snapshots, Watchlist: watchlist, JobRuns: jobRuns, Lookback: lookback}
}

// Run executes one watchlist generation (§4.6) and returns the audit JobRun
// record.
func (s *Service) Run(ctx domain.Context, now time.Time) (domain.JobRun, error) {
	tr := otel.Tracer("pipeline.watchlist")
	ctx, span := tr.Start(ctx, "watchlist.Run")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	run, err := s.JobRuns.Open(ctx, domain.JobTypeWatchlist)
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("op=watchlist.Run: %w", err)
	}
	ctx = obsctx.ContextWithJobRunID(ctx, run.ID)

	stats, runErr := s.generate(ctx, now)
	statsJSON, _ := json.Marshal(stats)
	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Stats = statsJSON
	if runErr != nil {
		errMsg := runErr.Error()
		run.Status = domain.JobRunFailed
		run.Error = &errMsg
		if closeErr := s.JobRuns.Close(ctx, run.ID, domain.JobRunFailed, statsJSON, &errMsg); closeErr != nil {
			lg.Error("watchlist: failed to close failed job run", slog.String("error", closeErr.Error()))
		}
		return run, runErr
	}
	if err := s.JobRuns.Close(ctx, run.ID, domain.JobRunCompleted, statsJSON, nil); err != nil {
		return run, fmt.Errorf("op=watchlist.Run: %w", err)
	}
	run.Status = domain.JobRunCompleted
	return run, nil
}

func (s *Service) generate(ctx domain.Context, now time.Time) (Stats, error) {
	var stats Stats

	eligible, err := s.Repos.ListEligible(ctx)
	if err != nil {
		return stats, fmt.Errorf("op=watchlist.generate: %w", err)
	}

	ageCutoff := now.AddDate(0, 0, -candidateAgeDays)
	for _, repo := range eligible {
		if repo.CreatedAt.Before(ageCutoff) {
			continue
		}
		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("op=watchlist.generate: %w", domain.ErrCancelled)
		default:
		}
		stats.CandidatesConsidered++

		discSnapshots, err := s.Snapshots.LatestDiscovery(ctx, repo.ID, s.Lookback)
		if err != nil {
			return stats, fmt.Errorf("op=watchlist.generate: %w", err)
		}

		deep, deepErr := s.Snapshots.LatestDeep(ctx, repo.ID)
		hasDeep := deepErr == nil

		if !admitted(repo, discSnapshots, deep, hasDeep, now) {
			continue
		}

		entry := s.score(repo, discSnapshots, deep, hasDeep, now)
		if err := s.Watchlist.Append(ctx, entry); err != nil {
			return stats, fmt.Errorf("op=watchlist.generate: %w", err)
		}
		stats.Admitted++
	}
	return stats, nil
}

// admitted evaluates the §4.6 per-candidate eligibility refinement.
func admitted(repo domain.Repo, snapshots []domain.DiscoverySnapshot, deep domain.DeepSnapshot, hasDeep bool, now time.Time) bool {
	for _, snap := range snapshots {
		if snap.Stars >= twoKStars && now.Sub(snap.SnapshotAt) <= twoKCrossedWithin {
			return true
		}
	}
	if !hasDeep {
		return false
	}
	if deep.Velocity.CommitTrendSlope != nil && *deep.Velocity.CommitTrendSlope > 5 {
		return true
	}
	if deep.CommunityRisk.ActiveMaintainers != nil && *deep.CommunityRisk.ActiveMaintainers > 20 {
		return true
	}
	if deep.Responsiveness.MedianIssueResponseHours != nil && *deep.Responsiveness.MedianIssueResponseHours < 6 {
		return true
	}
	return false
}

// daysToTwoK is the day-delta between repo creation and the earliest
// discovery snapshot with stars >= 2000 (§4.6); falls back to now-created_at
// when current stars already clear 2000 but no such snapshot was seen in the
// fetched window; nil ("unavailable") otherwise.
func daysToTwoK(repo domain.Repo, snapshots []domain.DiscoverySnapshot, currentStars int, now time.Time) *float64 {
	var earliest *domain.DiscoverySnapshot
	for i := range snapshots {
		snap := snapshots[i]
		if snap.Stars < twoKStars {
			continue
		}
		if earliest == nil || snap.SnapshotAt.Before(earliest.SnapshotAt) {
			earliest = &snap
		}
	}
	if earliest != nil {
		d := earliest.SnapshotAt.Sub(repo.CreatedAt).Hours() / 24
		return &d
	}
	if currentStars >= twoKStars {
		d := now.Sub(repo.CreatedAt).Hours() / 24
		return &d
	}
	return nil
}

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

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

type factors struct {
	starVelocity   float64
	timeToTwoK     float64
	activityTrend  float64
	contributors   float64
	busFactor      float64
	responsiveness float64
	deps           float64
	downloads      float64
	forkToStar     float64
}

// momentumScore implements §4.6/§8's literal formula and worked example.
func momentumScore(vel float64, d2k *float64, slope *float64) (float64, factors) {
	f := factors{}
	f.starVelocity = math.Min(vel*2, 40)
	if d2k != nil {
		f.timeToTwoK = clamp(math.Max(30-*d2k/12, 5), 0, 30)
	}
	if slope != nil && *slope > 0 {
		f.activityTrend = clamp(*slope*10, 0, 30)
	}
	total := clamp(f.starVelocity+f.timeToTwoK+f.activityTrend, 0, 100)
	return total, f
}

// durabilityScore implements §4.6/§8's literal formula and worked example.
func durabilityScore(ch domain.ContributorHealth, resp domain.Responsiveness) (float64, factors) {
	f := factors{}
	if ch.TotalContributors != nil {
		f.contributors = clamp(float64(*ch.TotalContributors)*0.8, 0, 40)
	}
	if ch.Top1Share != nil {
		f.busFactor = clamp(30-*ch.Top1Share*30, 0, 30)
	}
	if resp.MedianIssueResponseHours != nil {
		f.responsiveness = clamp(30-*resp.MedianIssueResponseHours/5.6, 0, 30)
	}
	total := clamp(f.contributors+f.busFactor+f.responsiveness, 0, 100)
	return total, f
}

// adoptionScore implements §4.6's literal formula. Dependents and downloads
// are always unavailable in this revision (see deepanalysis.adoption); their
// terms contribute 0 per the "unavailable inputs contribute 0" rule.
func adoptionScore(a domain.Adoption) (float64, factors) {
	f := factors{}
	if a.Dependents != nil {
		f.deps = clamp(math.Log10(float64(*a.Dependents)+1)*15, 0, 50)
	}
	if a.Downloads30Day != nil {
		f.downloads = clamp(math.Log10(float64(*a.Downloads30Day)+1)*8, 0, 30)
	}
	if a.ForkToStarRatio != nil {
		f.forkToStar = clamp(*a.ForkToStarRatio*40, 0, 20)
	}
	total := clamp(f.deps+f.downloads+f.forkToStar, 0, 100)
	return total, f
}

type metricsSnapshot struct {
	CurrentStars    int      `json:"current_stars"`
	AgeDays         float64  `json:"age_days"`
	MomentumFactors []string `json:"momentum_factors"`
	DurabilityTerms []string `json:"durability_factors"`
	AdoptionTerms   []string `json:"adoption_factors"`
}

func (s *Service) score(repo domain.Repo, discSnapshots []domain.DiscoverySnapshot, deep domain.DeepSnapshot, hasDeep bool, now time.Time) domain.WatchlistEntry {
	vel := velocity(discSnapshots)
	d2k := daysToTwoK(repo, discSnapshots, repo.Stars, now)

	var slope *float64
	var ch domain.ContributorHealth
	var resp domain.Responsiveness
	var adopt domain.Adoption
	if hasDeep {
		slope = deep.Velocity.CommitTrendSlope
		ch = deep.ContributorHealth
		resp = deep.Responsiveness
		adopt = deep.Adoption
	}

	momentum, mf := momentumScore(vel, d2k, slope)
	durability, df := durabilityScore(ch, resp)
	adoption, af := adoptionScore(adopt)

	ageDays := now.Sub(repo.CreatedAt).Hours() / 24
	rationale := composeRationale(repo, ageDays, vel, mf, df)

	momentumFactors := []string{
		fmt.Sprintf("star_velocity=%.2f", mf.starVelocity),
		fmt.Sprintf("time_to_2k=%.2f", mf.timeToTwoK),
		fmt.Sprintf("activity_trend=%.2f", mf.activityTrend),
	}
	durabilityFactors := []string{
		fmt.Sprintf("active_contributors=%.2f", df.contributors),
		fmt.Sprintf("bus_factor=%.2f", df.busFactor),
		fmt.Sprintf("responsiveness=%.2f", df.responsiveness),
	}
	adoptionFactors := []string{
		fmt.Sprintf("dependents=%.2f", af.deps),
		fmt.Sprintf("downloads=%.2f", af.downloads),
		fmt.Sprintf("fork_to_star=%.2f", af.forkToStar),
	}

	raw, _ := json.Marshal(metricsSnapshot{
		CurrentStars:    repo.Stars,
		AgeDays:         ageDays,
		MomentumFactors: momentumFactors,
		DurabilityTerms: durabilityFactors,
		AdoptionTerms:   adoptionFactors,
	})

	return domain.WatchlistEntry{
		RepoID:          repo.ID,
		GenerationDate:  now,
		MomentumScore:   momentum,
		DurabilityScore: durability,
		AdoptionScore:   adoption,
		Rationale:       rationale,
		MetricsSnapshot: raw,
	}
}

// composeRationale builds the §4.6 1-2 sentence rationale: mentions age when
// < 60 days, momentum when velocity contributed, durability when
// contributors contributed; otherwise a generic fallback.
func composeRationale(repo domain.Repo, ageDays, vel float64, mf, df factors) string {
	var parts []string
	if ageDays < 60 {
		parts = append(parts, fmt.Sprintf("%s is only %.0f days old", repo.FullName(), ageDays))
	}
	if vel > 0 {
		parts = append(parts, fmt.Sprintf("gaining roughly %.1f stars/day", vel))
	}
	if df.contributors > 0 {
		parts = append(parts, "backed by an active contributor base")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("eligible with %d stars", repo.Stars)
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out + "."
}
