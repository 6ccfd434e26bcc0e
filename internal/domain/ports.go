package domain

import (
	"net/url"
	"time"
)

// RepoStore persists and queries Repo rows.
type RepoStore interface {
	// Upsert inserts or updates a repo keyed by UpstreamID, setting
	// FirstDiscoveredAt only on insert and LastSeenAt on every call.
	Upsert(ctx Context, r Repo) (Repo, error)
	Get(ctx Context, id string) (Repo, error)
	GetByUpstreamID(ctx Context, upstreamID int64) (Repo, error)
	ListEligible(ctx Context) ([]Repo, error)
	ListCreatedAfter(ctx Context, cutoff time.Time) ([]Repo, error)
	SetEligible(ctx Context, id string, eligible bool) error
	// Query services the §6 read-surface repo listing: filtered by
	// language/star range/eligibility, sorted, and paginated. Returns the
	// matching page plus the total match count (ignoring Limit/Offset) for
	// pagination.
	Query(ctx Context, q RepoQuery) ([]Repo, int64, error)
}

// RepoQuery parameterizes RepoStore.Query. A nil filter field means
// "unconstrained"; SortBy is one of "stars", "created_at", "pushed_at"
// (defaults to "stars") and is always applied descending.
type RepoQuery struct {
	Language *string
	MinStars *int
	MaxStars *int
	Eligible *bool
	SortBy   string
	Limit    int
	Offset   int
}

// SnapshotStore appends and queries DiscoverySnapshot/DeepSnapshot rows.
type SnapshotStore interface {
	AppendDiscovery(ctx Context, s DiscoverySnapshot) error
	AppendDeep(ctx Context, s DeepSnapshot) error
	// LatestDiscovery returns up to n most recent discovery snapshots for a
	// repo, ordered newest-first.
	LatestDiscovery(ctx Context, repoID string, n int) ([]DiscoverySnapshot, error)
	LatestDeep(ctx Context, repoID string) (DeepSnapshot, error)
	// HistoryDeep returns up to n most recent deep snapshots for a repo,
	// ordered newest-first, for the per-repo history read surface.
	HistoryDeep(ctx Context, repoID string, n int) ([]DeepSnapshot, error)
	CountDiscovery(ctx Context, repoID string) (int64, error)
	CountDeep(ctx Context, repoID string) (int64, error)
}

// QueueStore maintains the priority queue of pending deep-analysis work.
type QueueStore interface {
	// Upsert inserts a new unprocessed entry, or updates the priority and
	// reason of an existing unprocessed entry for the same repo.
	Upsert(ctx Context, e QueueEntry) error
	GetUnprocessed(ctx Context, repoID string) (QueueEntry, error)
	// ListUnprocessed returns unprocessed entries ordered by
	// (priority desc, queued_at asc).
	ListUnprocessed(ctx Context) ([]QueueEntry, error)
	MarkProcessed(ctx Context, id string, processedAt time.Time) error
	DeleteProcessedBefore(ctx Context, cutoff time.Time) (int64, error)
	CountByPriority(ctx Context) (map[int]int64, error)
}

// JobRunStore records audit entries for pipeline invocations.
type JobRunStore interface {
	Open(ctx Context, jobType string) (JobRun, error)
	Close(ctx Context, id string, status string, stats []byte, errMsg *string) error
	Get(ctx Context, id string) (JobRun, error)
}

// WatchlistStore appends and queries WatchlistEntry rows.
type WatchlistStore interface {
	Append(ctx Context, e WatchlistEntry) error
	// Latest returns the most recent generation's entries sorted by one of
	// "momentum", "durability", "adoption" descending. A limit <= 0 returns
	// every entry of that generation.
	Latest(ctx Context, sortBy string, limit, offset int) ([]WatchlistEntry, error)
	// GenerationDates returns distinct generation dates, newest first.
	GenerationDates(ctx Context) ([]time.Time, error)
}

// ClientStats mirrors RateClient.stats() from §4.1.
type ClientStats struct {
	TotalRequests int64
	CoreRemaining int
	CoreReset     time.Time
	SearchRemaining int
	SearchReset     time.Time
}

// UpstreamClient mediates all upstream HTTP traffic on behalf of the
// pipelines. Implemented by adapter/ghclient.Client.
type UpstreamClient interface {
	// Get performs a non-POST call. Returns nil payload on upstream 404.
	Get(ctx Context, endpoint string, params url.Values) ([]byte, error)
	GraphQL(ctx Context, query string, variables map[string]any) ([]byte, error)
	Stats() ClientStats
	Close() error
}
