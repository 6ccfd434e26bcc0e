package discovery

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/repowatch/internal/domain"
)

type fakeRepoStore struct {
	byUpstream map[int64]domain.Repo
	upserts    []domain.Repo
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{byUpstream: map[int64]domain.Repo{}}
}

func (f *fakeRepoStore) Upsert(_ domain.Context, r domain.Repo) (domain.Repo, error) {
	if r.ID == "" {
		r.ID = "repo-" + r.Owner + "-" + r.Name
	}
	f.byUpstream[r.UpstreamID] = r
	f.upserts = append(f.upserts, r)
	return r, nil
}
func (f *fakeRepoStore) Get(_ domain.Context, id string) (domain.Repo, error) {
	for _, r := range f.byUpstream {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Repo{}, domain.ErrNotFound
}
func (f *fakeRepoStore) GetByUpstreamID(_ domain.Context, upstreamID int64) (domain.Repo, error) {
	r, ok := f.byUpstream[upstreamID]
	if !ok {
		return domain.Repo{}, domain.ErrNotFound
	}
	return r, nil
}
func (f *fakeRepoStore) ListEligible(_ domain.Context) ([]domain.Repo, error) { return nil, nil }
func (f *fakeRepoStore) ListCreatedAfter(_ domain.Context, _ time.Time) ([]domain.Repo, error) {
	return nil, nil
}
func (f *fakeRepoStore) SetEligible(_ domain.Context, _ string, _ bool) error { return nil }
func (f *fakeRepoStore) Query(_ domain.Context, _ domain.RepoQuery) ([]domain.Repo, int64, error) {
	return nil, 0, nil
}

type fakeSnapshotStore struct {
	discoveries []domain.DiscoverySnapshot
}

func (f *fakeSnapshotStore) AppendDiscovery(_ domain.Context, s domain.DiscoverySnapshot) error {
	f.discoveries = append(f.discoveries, s)
	return nil
}
func (f *fakeSnapshotStore) AppendDeep(_ domain.Context, _ domain.DeepSnapshot) error { return nil }
func (f *fakeSnapshotStore) LatestDiscovery(_ domain.Context, _ string, _ int) ([]domain.DiscoverySnapshot, error) {
	return nil, nil
}
func (f *fakeSnapshotStore) LatestDeep(_ domain.Context, _ string) (domain.DeepSnapshot, error) {
	return domain.DeepSnapshot{}, domain.ErrNotFound
}
func (f *fakeSnapshotStore) HistoryDeep(_ domain.Context, _ string, _ int) ([]domain.DeepSnapshot, error) {
	return nil, nil
}
func (f *fakeSnapshotStore) CountDiscovery(_ domain.Context, _ string) (int64, error) { return 0, nil }
func (f *fakeSnapshotStore) CountDeep(_ domain.Context, _ string) (int64, error)      { return 0, nil }

type fakeJobRunStore struct {
	opened []domain.JobRun
	closed []string
}

func (f *fakeJobRunStore) Open(_ domain.Context, jobType string) (domain.JobRun, error) {
	run := domain.JobRun{ID: "run-1", JobType: jobType, StartedAt: time.Now(), Status: domain.JobRunRunning}
	f.opened = append(f.opened, run)
	return run, nil
}
func (f *fakeJobRunStore) Close(_ domain.Context, id string, status string, _ []byte, _ *string) error {
	f.closed = append(f.closed, id+":"+status)
	return nil
}
func (f *fakeJobRunStore) Get(_ domain.Context, id string) (domain.JobRun, error) {
	return domain.JobRun{ID: id}, nil
}

type fakeUpstreamClient struct {
	pages []searchResponse
	calls int
}

func (f *fakeUpstreamClient) Get(_ domain.Context, _ string, params url.Values) ([]byte, error) {
	page := f.calls
	f.calls++
	if page >= len(f.pages) {
		return nil, nil
	}
	return json.Marshal(f.pages[page])
}
func (f *fakeUpstreamClient) GraphQL(_ domain.Context, _ string, _ map[string]any) ([]byte, error) {
	return nil, nil
}
func (f *fakeUpstreamClient) Stats() domain.ClientStats { return domain.ClientStats{CoreRemaining: 4000} }
func (f *fakeUpstreamClient) Close() error              { return nil }

func mkItem(id int64, name string, stars int, now time.Time) searchRepo {
	return searchRepo{
		ID:        id,
		FullName:  "octocat/" + name,
		Name:      name,
		Stars:     stars,
		CreatedAt: now.AddDate(-1, 0, 0),
		PushedAt:  now,
	}
}

func TestService_Run_UpsertsAndSnapshots(t *testing.T) {
	now := time.Now().UTC()
	item := mkItem(1, "hello", 5000, now)
	item.Owner.Login = "octocat"

	client := &fakeUpstreamClient{pages: []searchResponse{{Items: []searchRepo{item}}}}
	repos := newFakeRepoStore()
	snapshots := &fakeSnapshotStore{}
	jobRuns := &fakeJobRunStore{}

	svc := NewService(repos, snapshots, jobRuns, client)
	run, err := svc.Run(context.Background(), Config{MinStars: 2000, MaxAgeMonths: 24, MaxDaysSincePush: 90})
	require.NoError(t, err)

	var stats Stats
	require.NoError(t, json.Unmarshal(run.Stats, &stats))
	assert.Equal(t, 1, stats.Found)
	assert.Equal(t, 1, stats.Eligible)
	assert.Equal(t, 1, stats.New)
	assert.Len(t, repos.upserts, 1)
	assert.Len(t, snapshots.discoveries, 1)
	assert.True(t, snapshots.discoveries[0].Eligible)
	require.Len(t, jobRuns.closed, 1)
	assert.Equal(t, "run-1:completed", jobRuns.closed[0])
	assert.Equal(t, domain.JobRunCompleted, run.Status)
}

func TestService_Run_IneligibleItemStillUpsertedAsIneligible(t *testing.T) {
	now := time.Now().UTC()
	item := mkItem(2, "archived-thing", 5000, now)
	item.Owner.Login = "octocat"
	item.Archived = true

	client := &fakeUpstreamClient{pages: []searchResponse{{Items: []searchRepo{item}}}}
	repos := newFakeRepoStore()
	snapshots := &fakeSnapshotStore{}
	jobRuns := &fakeJobRunStore{}

	svc := NewService(repos, snapshots, jobRuns, client)
	run, err := svc.Run(context.Background(), Config{MinStars: 2000, MaxAgeMonths: 24, MaxDaysSincePush: 90})
	require.NoError(t, err)
	var stats Stats
	require.NoError(t, json.Unmarshal(run.Stats, &stats))
	assert.Equal(t, 1, stats.Ineligible)
	assert.False(t, snapshots.discoveries[0].Eligible)
}

func TestService_Run_StopsOnShortPage(t *testing.T) {
	now := time.Now().UTC()
	item := mkItem(3, "one-item", 5000, now)
	item.Owner.Login = "octocat"

	client := &fakeUpstreamClient{pages: []searchResponse{{Items: []searchRepo{item}}}}
	repos := newFakeRepoStore()
	snapshots := &fakeSnapshotStore{}
	jobRuns := &fakeJobRunStore{}

	svc := NewService(repos, snapshots, jobRuns, client)
	_, err := svc.Run(context.Background(), Config{MinStars: 2000, MaxAgeMonths: 24, MaxDaysSincePush: 90})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "paging must stop after a short page without requesting page 2")
}

func TestService_Run_RateLimitExceeded_ClosesFailedAndReturnsErr(t *testing.T) {
	client := &rateLimitedClient{}
	repos := newFakeRepoStore()
	snapshots := &fakeSnapshotStore{}
	jobRuns := &fakeJobRunStore{}

	svc := NewService(repos, snapshots, jobRuns, client)
	_, err := svc.Run(context.Background(), Config{MinStars: 2000, MaxAgeMonths: 24, MaxDaysSincePush: 90})
	require.Error(t, err)
	require.Len(t, jobRuns.closed, 1)
	assert.Equal(t, "run-1:failed", jobRuns.closed[0])
}

type rateLimitedClient struct{}

func (rateLimitedClient) Get(_ domain.Context, _ string, _ url.Values) ([]byte, error) {
	return nil, domain.ErrRateLimitExceeded
}
func (rateLimitedClient) GraphQL(_ domain.Context, _ string, _ map[string]any) ([]byte, error) {
	return nil, nil
}
func (rateLimitedClient) Stats() domain.ClientStats { return domain.ClientStats{} }
func (rateLimitedClient) Close() error              { return nil }

func TestEligible_BoundaryConditions(t *testing.T) {
	now := time.Now().UTC()
	cfg := Config{MinStars: 2000, MaxAgeMonths: 24, MaxDaysSincePush: 90}

	base := searchRepo{Stars: 2000, CreatedAt: now.AddDate(-1, 0, 0), PushedAt: now}
	assert.True(t, eligible(cfg, base, now))

	tooFewStars := base
	tooFewStars.Stars = 1999
	assert.False(t, eligible(cfg, tooFewStars, now))

	tooOld := base
	tooOld.CreatedAt = now.AddDate(0, 0, -(cfg.MaxAgeMonths*defaultMonthDays + 1))
	assert.False(t, eligible(cfg, tooOld, now))

	archived := base
	archived.Archived = true
	assert.False(t, eligible(cfg, archived, now))

	fork := base
	fork.Fork = true
	assert.False(t, eligible(cfg, fork, now))

	stalePush := base
	stalePush.PushedAt = now.AddDate(0, 0, -(cfg.MaxDaysSincePush + 1))
	assert.False(t, eligible(cfg, stalePush, now))
}

func TestBuildQuery(t *testing.T) {
	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	q := buildQuery(Config{MinStars: 2000, MaxAgeMonths: 24}, now)
	assert.Contains(t, q, "stars:>=2000")
	assert.Contains(t, q, "archived:false fork:false")
}
