package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// Availability tags label why a DeepAnalysis signal is, or isn't, present.
const (
	AvailabilityAvailable        = "available"
	AvailabilityPartial          = "partial"
	AvailabilityInsufficientData = "insufficient_data"
	AvailabilityNotAvailable     = "not_available"
	AvailabilityError            = "error"
)

// JobRun status values.
const (
	JobRunRunning   = "running"
	JobRunCompleted = "completed"
	JobRunFailed    = "failed"
)

// JobRun types, one per pipeline.
const (
	JobTypeDiscovery    = "discovery"
	JobTypeQueueRefresh = "queue_refresh"
	JobTypeDeepAnalysis = "deep_analysis"
	JobTypeWatchlist    = "watchlist"
)

// Priority classes, evaluated top-to-bottom; first match wins.
const (
	PriorityNewlyEligible = 10
	PriorityHighMomentum  = 8
	PriorityActivitySpike = 7
	PriorityStale         = 5
	PriorityRegular       = 3
)

// Priority reason tags, paired one-to-one with the priority constants above.
const (
	ReasonNewlyEligible = "newly_eligible"
	ReasonHighMomentum  = "high_momentum"
	ReasonActivitySpike = "activity_spike"
	ReasonStale         = "stale"
	ReasonRegular       = "regular"
)

// Repo is one row per distinct upstream repository, keyed by UpstreamID and
// by the (Owner, Name) pair. Mutated on every discovery pass; never deleted.
type Repo struct {
	ID                string
	UpstreamID        int64
	Owner             string
	Name              string
	Language          *string
	Stars             int
	Forks             int
	CreatedAt         time.Time
	PushedAt          time.Time
	Archived          bool
	Fork              bool
	FirstDiscoveredAt time.Time
	LastSeenAt        time.Time
	Eligible          bool
}

// FullName is the conventional owner/name identifier used in upstream queries.
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// DiscoverySnapshot is an immutable point-in-time view of a repo's cheap
// attributes, appended on every discovery pass the repo is encountered in.
type DiscoverySnapshot struct {
	ID         string
	RepoID     string
	SnapshotAt time.Time
	Stars      int
	Forks      int
	PushedAt   time.Time
	Eligible   bool
	RawPayload json.RawMessage
}

// ContributorHealth summarizes recent contributor activity and concentration.
type ContributorHealth struct {
	// MonthlyActive holds 6 consecutive monthly-active-contributor counts,
	// or nil when the source weekly commit-activity series was unavailable.
	MonthlyActive     []int
	TotalContributors *int
	Top1Share         *float64
	Top5Share         *float64
}

// Velocity summarizes weekly commit/PR/issue counts and their trend slopes.
type Velocity struct {
	// WeeklyCommits, WeeklyPRs, WeeklyIssues each hold up to 12 consecutive
	// weekly counts, or nil when the corresponding source was unavailable.
	WeeklyCommits    []int
	WeeklyPRs        []int
	WeeklyIssues     []int
	CommitTrendSlope *float64
	PRTrendSlope     *float64
	IssueTrendSlope  *float64
}

// Responsiveness summarizes maintainer response latency on issues and PRs.
type Responsiveness struct {
	MedianIssueResponseHours *float64
	MedianPRResponseHours    *float64
	Availability             string
}

// Adoption summarizes external adoption signals.
type Adoption struct {
	Dependents      *int
	Downloads30Day  *int
	ForkToStarRatio *float64
	Availability    string
}

// CommunityRisk summarizes maintainer concentration and bus-factor signals.
type CommunityRisk struct {
	TopContributorShare   *float64
	InequalityCoefficient *float64 // left nullable; see design notes on Gini
	ActiveMaintainers     *int
}

// DeepSnapshot is an immutable bundle of computed per-repo signals, appended
// by DeepAnalysis. Partial snapshots (some signal groups unavailable) are
// valid and expected.
type DeepSnapshot struct {
	ID                string
	RepoID            string
	SnapshotAt        time.Time
	ContributorHealth ContributorHealth
	Velocity          Velocity
	Responsiveness    Responsiveness
	Adoption          Adoption
	CommunityRisk     CommunityRisk
	HealthIndex       *float64
	RawPayload        json.RawMessage
}

// QueueEntry is a pending unit of deep-analysis work. For any repo, at most
// one entry with Processed=false may exist at a time.
type QueueEntry struct {
	ID                 string
	RepoID             string
	Priority           int
	Reason             string
	QueuedAt           time.Time
	Processed          bool
	ProcessedAt        *time.Time
	LastDeepAnalysisAt *time.Time
}

// JobRun is an audit record for one pipeline invocation.
type JobRun struct {
	ID        string
	JobType   string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string
	Stats     json.RawMessage
	Error     *string
}

// WatchlistEntry is one row per repo per watchlist generation date.
type WatchlistEntry struct {
	ID              string
	RepoID          string
	GenerationDate  time.Time
	MomentumScore   float64
	DurabilityScore float64
	AdoptionScore   float64
	Rationale       string
	MetricsSnapshot json.RawMessage
}
