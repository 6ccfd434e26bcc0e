// Package deepanalysis consumes the priority queue and produces
// DeepSnapshots under a strict upstream API budget (§4.5).
package deepanalysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/repowatch/internal/domain"
	obsctx "github.com/fairyhunter13/repowatch/internal/observability"
	"github.com/fairyhunter13/repowatch/pkg/linreg"
)

const (
	contributorHealthWeeks = 26
	velocityWeeks          = 12
	maxClosedItems         = 30
)

// Weights are the §6 health-index weights (each defaults to 0.25).
type Weights struct {
	Momentum   float64
	Durability float64
	Adoption   float64
	Risk       float64
}

// Budget is the §4.5 dual ceiling.
type Budget struct {
	MaxRepos          int
	MaxRequestsPerRun int
}

// Stats aggregates counters for one run.
type Stats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Service runs the deep-analysis pipeline.
type Service struct {
	Repos     domain.RepoStore
	Snapshots domain.SnapshotStore
	Queue     domain.QueueStore
	JobRuns   domain.JobRunStore
	Client    domain.UpstreamClient
	Weights   Weights
}

// NewService constructs a deepanalysis Service.
func NewService(repos domain.RepoStore, snapshots domain.SnapshotStore, queue domain.QueueStore, jobRuns domain.JobRunStore, client domain.UpstreamClient, weights Weights) *Service {
	return &Service{Repos: repos, Snapshots: snapshots, Queue: queue, JobRuns: jobRuns, Client: client, Weights: weights}
}

// Run executes one deep-analysis pass over the priority queue (§4.5) and
// returns the audit JobRun record.
func (s *Service) Run(ctx domain.Context, budget Budget) (domain.JobRun, error) {
	tr := otel.Tracer("pipeline.deepanalysis")
	ctx, span := tr.Start(ctx, "deepanalysis.Run")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	run, err := s.JobRuns.Open(ctx, domain.JobTypeDeepAnalysis)
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("op=deepanalysis.Run: %w", err)
	}
	ctx = obsctx.ContextWithJobRunID(ctx, run.ID)

	stats, runErr := s.process(ctx, budget)
	statsJSON, _ := json.Marshal(stats)
	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Stats = statsJSON
	if runErr != nil {
		errMsg := runErr.Error()
		run.Status = domain.JobRunFailed
		run.Error = &errMsg
		if closeErr := s.JobRuns.Close(ctx, run.ID, domain.JobRunFailed, statsJSON, &errMsg); closeErr != nil {
			lg.Error("deepanalysis: failed to close failed job run", slog.String("error", closeErr.Error()))
		}
		return run, runErr
	}
	if err := s.JobRuns.Close(ctx, run.ID, domain.JobRunCompleted, statsJSON, nil); err != nil {
		return run, fmt.Errorf("op=deepanalysis.Run: %w", err)
	}
	run.Status = domain.JobRunCompleted
	return run, nil
}

func (s *Service) process(ctx domain.Context, budget Budget) (Stats, error) {
	var stats Stats

	entries, err := s.Queue.ListUnprocessed(ctx)
	if err != nil {
		return stats, fmt.Errorf("op=deepanalysis.process: %w", err)
	}

	startRequests := s.Client.Stats().TotalRequests
	processedCount := 0

	for _, entry := range entries {
		if processedCount >= budget.MaxRepos {
			break
		}
		if budget.MaxRequestsPerRun > 0 && s.Client.Stats().TotalRequests-startRequests >= int64(budget.MaxRequestsPerRun) {
			break
		}
		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("op=deepanalysis.process: %w", domain.ErrCancelled)
		default:
		}

		repo, err := s.Repos.Get(ctx, entry.RepoID)
		if err != nil {
			stats.Failed++
			continue
		}

		err = s.analyzeOne(ctx, repo, entry)
		switch {
		case errors.Is(err, domain.ErrRateLimitExceeded):
			return stats, fmt.Errorf("op=deepanalysis.process: %w", err)
		case err != nil:
			obsctx.LoggerFromContext(ctx).Error("deepanalysis: repo failed, remains queued",
				slog.String("repo_id", repo.ID), slog.String("error", err.Error()))
			stats.Failed++
			continue
		}
		processedCount++
		stats.Processed++
	}
	return stats, nil
}

// analyzeOne runs the §4.5 six-step per-repo procedure.
func (s *Service) analyzeOne(ctx domain.Context, repo domain.Repo, entry domain.QueueEntry) error {
	now := time.Now().UTC()

	weeklyCommits, commitsErr := s.fetchWeeklyCommitActivity(ctx, repo)
	if errors.Is(commitsErr, domain.ErrRateLimitExceeded) {
		return commitsErr
	}

	ch, chAvail := s.contributorHealth(ctx, repo, weeklyCommits, commitsErr)
	if errors.Is(chAvail, domain.ErrRateLimitExceeded) {
		return chAvail
	}

	vel, velErr := s.velocity(ctx, repo, weeklyCommits, commitsErr)
	if errors.Is(velErr, domain.ErrRateLimitExceeded) {
		return velErr
	}

	resp, respErr := s.responsiveness(ctx, repo)
	if errors.Is(respErr, domain.ErrRateLimitExceeded) {
		return respErr
	}

	adopt, adoptErr := s.adoption(ctx, repo)
	if errors.Is(adoptErr, domain.ErrRateLimitExceeded) {
		return adoptErr
	}

	risk := s.communityRisk(ch)

	idx := healthIndex(s.Weights, ch, vel, adopt, risk)

	raw, _ := json.Marshal(struct {
		ContributorHealth domain.ContributorHealth `json:"contributor_health"`
		Velocity          domain.Velocity          `json:"velocity"`
		Responsiveness    domain.Responsiveness    `json:"responsiveness"`
		Adoption          domain.Adoption          `json:"adoption"`
		CommunityRisk     domain.CommunityRisk     `json:"community_risk"`
	}{ch, vel, resp, adopt, risk})

	if err := s.Snapshots.AppendDeep(ctx, domain.DeepSnapshot{
		RepoID:            repo.ID,
		SnapshotAt:        now,
		ContributorHealth: ch,
		Velocity:          vel,
		Responsiveness:    resp,
		Adoption:          adopt,
		CommunityRisk:     risk,
		HealthIndex:       idx,
		RawPayload:        raw,
	}); err != nil {
		return fmt.Errorf("op=deepanalysis.analyzeOne: %w", err)
	}

	if err := s.Queue.MarkProcessed(ctx, entry.ID, now); err != nil {
		return fmt.Errorf("op=deepanalysis.analyzeOne: %w", err)
	}
	return nil
}

// --- signal 1: contributor health (§4.5 step 1) ---

type weeklyActivity struct {
	Total int   `json:"total"`
	Week  int64 `json:"week"`
}

type contributorStat struct {
	Total  int `json:"total"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
}

func (s *Service) fetchWeeklyCommitActivity(ctx domain.Context, repo domain.Repo) ([]weeklyActivity, error) {
	body, err := s.Client.Get(ctx, fmt.Sprintf("repos/%s/stats/commit_activity", repo.FullName()), nil)
	if err != nil {
		return nil, fmt.Errorf("op=deepanalysis.fetchWeeklyCommitActivity: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("op=deepanalysis.fetchWeeklyCommitActivity: %w", domain.ErrNotFound)
	}
	var weeks []weeklyActivity
	if err := json.Unmarshal(body, &weeks); err != nil || len(weeks) == 0 {
		return nil, fmt.Errorf("op=deepanalysis.fetchWeeklyCommitActivity: not yet computed upstream: %w", domain.ErrUpstreamUnavailable)
	}
	return weeks, nil
}

func (s *Service) contributorHealth(ctx domain.Context, repo domain.Repo, weeklyCommits []weeklyActivity, commitsErr error) (domain.ContributorHealth, error) {
	if commitsErr != nil {
		return domain.ContributorHealth{}, nil
	}
	body, err := s.Client.Get(ctx, fmt.Sprintf("repos/%s/stats/contributors", repo.FullName()), nil)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			return domain.ContributorHealth{}, err
		}
		return domain.ContributorHealth{}, nil
	}
	var contributors []contributorStat
	if body == nil || json.Unmarshal(body, &contributors) != nil || len(contributors) == 0 {
		return domain.ContributorHealth{}, nil
	}

	weeks := weeklyCommits
	if len(weeks) > contributorHealthWeeks {
		weeks = weeks[len(weeks)-contributorHealthWeeks:]
	}
	monthlyActive := make([]int, 0, 6)
	for i := 0; i < len(weeks) && len(monthlyActive) < 6; i += 4 {
		end := i + 4
		if end > len(weeks) {
			end = len(weeks)
		}
		sum := 0
		for _, w := range weeks[i:end] {
			sum += w.Total
		}
		monthlyActive = append(monthlyActive, sum)
	}

	sort.Slice(contributors, func(i, j int) bool { return contributors[i].Total > contributors[j].Total })
	total := 0
	for _, c := range contributors {
		total += c.Total
	}
	totalContributors := len(contributors)
	var top1, top5 *float64
	if total > 0 {
		t1 := float64(contributors[0].Total) / float64(total)
		top1 = &t1
		n := 5
		if n > len(contributors) {
			n = len(contributors)
		}
		sum5 := 0
		for _, c := range contributors[:n] {
			sum5 += c.Total
		}
		t5 := float64(sum5) / float64(total)
		top5 = &t5
	}

	return domain.ContributorHealth{
		MonthlyActive:     monthlyActive,
		TotalContributors: &totalContributors,
		Top1Share:         top1,
		Top5Share:         top5,
	}, nil
}

// --- signal 2: velocity (§4.5 step 2) ---

type searchCountResponse struct {
	TotalCount int `json:"total_count"`
}

func (s *Service) velocity(ctx domain.Context, repo domain.Repo, weeklyCommits []weeklyActivity, commitsErr error) (domain.Velocity, error) {
	var v domain.Velocity
	if commitsErr == nil {
		weeks := weeklyCommits
		if len(weeks) > velocityWeeks {
			weeks = weeks[len(weeks)-velocityWeeks:]
		}
		commitSeries := make([]int, len(weeks))
		for i, w := range weeks {
			commitSeries[i] = w.Total
		}
		v.WeeklyCommits = commitSeries
		slope := linreg.Slope(commitSeries)
		v.CommitTrendSlope = &slope
	}

	weekStarts := windowStarts(weeklyCommits, velocityWeeks)
	prSeries, err := s.weeklySearchCounts(ctx, repo, "pr", weekStarts)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			return v, err
		}
	} else {
		v.WeeklyPRs = prSeries
		slope := linreg.Slope(prSeries)
		v.PRTrendSlope = &slope
	}

	issueSeries, err := s.weeklySearchCounts(ctx, repo, "issue", weekStarts)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			return v, err
		}
	} else {
		v.WeeklyIssues = issueSeries
		slope := linreg.Slope(issueSeries)
		v.IssueTrendSlope = &slope
	}
	return v, nil
}

// windowStarts derives up to n weekly window boundaries from a commit
// activity series (week is a unix timestamp, Sunday-aligned, per upstream's
// stats/commit_activity contract); falls back to trailing calendar weeks
// from now when the commit series itself was unavailable.
func windowStarts(weeklyCommits []weeklyActivity, n int) []time.Time {
	if len(weeklyCommits) == 0 {
		now := time.Now().UTC()
		starts := make([]time.Time, n)
		for i := range starts {
			starts[i] = now.AddDate(0, 0, -7*(n-i))
		}
		return starts
	}
	weeks := weeklyCommits
	if len(weeks) > n {
		weeks = weeks[len(weeks)-n:]
	}
	starts := make([]time.Time, len(weeks))
	for i, w := range weeks {
		starts[i] = time.Unix(w.Week, 0).UTC()
	}
	return starts
}

func (s *Service) weeklySearchCounts(ctx domain.Context, repo domain.Repo, kind string, weekStarts []time.Time) ([]int, error) {
	counts := make([]int, len(weekStarts))
	for i, start := range weekStarts {
		end := start.AddDate(0, 0, 7)
		q := fmt.Sprintf("repo:%s is:%s created:%s..%s", repo.FullName(), kind, start.Format("2006-01-02"), end.Format("2006-01-02"))
		body, err := s.Client.Get(ctx, "search/issues", url.Values{"q": []string{q}, "per_page": []string{"1"}})
		if err != nil {
			return nil, fmt.Errorf("op=deepanalysis.weeklySearchCounts: %w", err)
		}
		if body == nil {
			continue
		}
		var resp searchCountResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}
		counts[i] = resp.TotalCount
	}
	return counts, nil
}

// --- signal 3: responsiveness (§4.5 step 3) ---

type issueItem struct {
	Number      int       `json:"number"`
	CreatedAt   time.Time `json:"created_at"`
	PullRequest *struct{} `json:"pull_request"`
}

type issueComment struct {
	CreatedAt         time.Time `json:"created_at"`
	AuthorAssociation string    `json:"author_association"`
}

var maintainerAssociations = map[string]bool{"OWNER": true, "MEMBER": true, "COLLABORATOR": true}

func (s *Service) responsiveness(ctx domain.Context, repo domain.Repo) (domain.Responsiveness, error) {
	body, err := s.Client.Get(ctx, fmt.Sprintf("repos/%s/issues", repo.FullName()),
		url.Values{"state": []string{"closed"}, "sort": []string{"updated"}, "direction": []string{"desc"}, "per_page": []string{fmt.Sprint(maxClosedItems)}})
	if err != nil {
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			return domain.Responsiveness{}, err
		}
		return domain.Responsiveness{Availability: domain.AvailabilityError}, nil
	}
	if body == nil {
		return domain.Responsiveness{Availability: domain.AvailabilityNotAvailable}, nil
	}
	var items []issueItem
	if err := json.Unmarshal(body, &items); err != nil {
		return domain.Responsiveness{Availability: domain.AvailabilityError}, nil
	}

	var issueHours, prHours []float64
	for _, item := range items {
		commentBody, err := s.Client.Get(ctx, fmt.Sprintf("repos/%s/issues/%d/comments", repo.FullName(), item.Number), nil)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimitExceeded) {
				return domain.Responsiveness{}, err
			}
			continue
		}
		if commentBody == nil {
			continue
		}
		var comments []issueComment
		if json.Unmarshal(commentBody, &comments) != nil {
			continue
		}
		for _, c := range comments {
			if !maintainerAssociations[c.AuthorAssociation] {
				continue
			}
			hours := c.CreatedAt.Sub(item.CreatedAt).Hours()
			if item.PullRequest != nil {
				prHours = append(prHours, hours)
			} else {
				issueHours = append(issueHours, hours)
			}
			break
		}
	}

	r := domain.Responsiveness{Availability: domain.AvailabilityAvailable}
	if m := median(issueHours); m != nil {
		r.MedianIssueResponseHours = m
	}
	if m := median(prHours); m != nil {
		r.MedianPRResponseHours = m
	}
	if r.MedianIssueResponseHours == nil && r.MedianPRResponseHours == nil {
		r.Availability = domain.AvailabilityInsufficientData
	}
	return r, nil
}

func median(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	var m float64
	if n%2 == 1 {
		m = sorted[n/2]
	} else {
		m = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return &m
}

// --- signal 4: adoption (§4.5 step 4) ---

type repoSummary struct {
	Forks int `json:"forks_count"`
	Stars int `json:"stargazers_count"`
}

func (s *Service) adoption(ctx domain.Context, repo domain.Repo) (domain.Adoption, error) {
	body, err := s.Client.Get(ctx, fmt.Sprintf("repos/%s", repo.FullName()), nil)
	if err != nil {
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			return domain.Adoption{}, err
		}
		return domain.Adoption{Availability: domain.AvailabilityError}, nil
	}
	if body == nil {
		return domain.Adoption{Availability: domain.AvailabilityNotAvailable}, nil
	}
	var summary repoSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return domain.Adoption{Availability: domain.AvailabilityError}, nil
	}
	stars := summary.Stars
	if stars < 1 {
		stars = 1
	}
	ratio := float64(summary.Forks) / float64(stars)
	return domain.Adoption{
		ForkToStarRatio: &ratio,
		// Dependents and package downloads require integrations not built
		// in this revision (§4.5 step 4, §9).
		Availability: domain.AvailabilityPartial,
	}, nil
}

// --- signal 5: community risk (§4.5 step 5) ---

func (s *Service) communityRisk(ch domain.ContributorHealth) domain.CommunityRisk {
	return domain.CommunityRisk{
		TopContributorShare: ch.Top1Share,
		ActiveMaintainers:   ch.TotalContributors,
		// Inequality coefficient intentionally left nil: "not computed in
		// this revision" (§4.5 step 5).
	}
}

// healthIndex composes the four §6 weighted components into DeepSnapshot's
// optional composite score. The spec names the four weights
// (momentum/durability/adoption/risk, each defaulting to 0.25) but does not
// give a worked formula the way §8 does for the three watchlist scores;
// this combines each signal group's own strongest available indicator,
// clamped to [0, 100] per component before weighting (documented as an
// Open Question decision in DESIGN.md).
func healthIndex(w Weights, ch domain.ContributorHealth, v domain.Velocity, a domain.Adoption, r domain.CommunityRisk) *float64 {
	momentum := 0.0
	if v.CommitTrendSlope != nil && *v.CommitTrendSlope > 0 {
		momentum = clamp(*v.CommitTrendSlope*10, 0, 100)
	}
	durability := 0.0
	if r.ActiveMaintainers != nil {
		durability = clamp(float64(*r.ActiveMaintainers)*4, 0, 100)
	}
	adoption := 0.0
	if a.ForkToStarRatio != nil {
		adoption = clamp(*a.ForkToStarRatio*200, 0, 100)
	}
	risk := 50.0
	if r.TopContributorShare != nil {
		risk = clamp((1-*r.TopContributorShare)*100, 0, 100)
	}

	idx := clamp(w.Momentum*momentum+w.Durability*durability+w.Adoption*adoption+w.Risk*risk, 0, 100)
	return &idx
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
