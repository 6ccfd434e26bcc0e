package postgres

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/repowatch/internal/domain"
)

// SnapshotRepo appends and queries DiscoverySnapshot/DeepSnapshot rows. IDs
// are ULIDs rather than UUIDs so that, absent a snapshot_at tiebreak, row
// order still recovers the total ordering guaranteed by §5.
type SnapshotRepo struct {
	Pool PgxPool

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSnapshotRepo constructs a SnapshotRepo with the given pool.
func NewSnapshotRepo(p PgxPool) *SnapshotRepo {
	return &SnapshotRepo{Pool: p, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (r *SnapshotRepo) newID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), r.entropy).String()
}

// AppendDiscovery inserts an immutable DiscoverySnapshot row.
func (r *SnapshotRepo) AppendDiscovery(ctx domain.Context, s domain.DiscoverySnapshot) error {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.AppendDiscovery")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "discovery_snapshots"),
	)
	id := s.ID
	if id == "" {
		id = r.newID()
	}
	q := `INSERT INTO discovery_snapshots (id, repo_id, snapshot_at, stars, forks, pushed_at, eligible, raw_payload) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, s.RepoID, s.SnapshotAt, s.Stars, s.Forks, s.PushedAt, s.Eligible, nullableJSON(s.RawPayload))
	if err != nil {
		return fmt.Errorf("op=snapshot.append_discovery: %w", err)
	}
	return nil
}

// deepSignals bundles the six signal groups into one JSONB column so the
// schema doesn't need a column per optional scalar/sequence.
type deepSignals struct {
	ContributorHealth domain.ContributorHealth `json:"contributor_health"`
	Velocity          domain.Velocity          `json:"velocity"`
	Responsiveness    domain.Responsiveness    `json:"responsiveness"`
	Adoption          domain.Adoption          `json:"adoption"`
	CommunityRisk     domain.CommunityRisk     `json:"community_risk"`
}

// AppendDeep inserts an immutable DeepSnapshot row.
func (r *SnapshotRepo) AppendDeep(ctx domain.Context, s domain.DeepSnapshot) error {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.AppendDeep")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "deep_snapshots"),
	)
	id := s.ID
	if id == "" {
		id = r.newID()
	}
	signals, err := json.Marshal(deepSignals{
		ContributorHealth: s.ContributorHealth,
		Velocity:          s.Velocity,
		Responsiveness:    s.Responsiveness,
		Adoption:          s.Adoption,
		CommunityRisk:     s.CommunityRisk,
	})
	if err != nil {
		return fmt.Errorf("op=snapshot.append_deep.marshal: %w", err)
	}
	q := `INSERT INTO deep_snapshots (id, repo_id, snapshot_at, health_index, signals, raw_payload) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, s.RepoID, s.SnapshotAt, s.HealthIndex, signals, nullableJSON(s.RawPayload)); err != nil {
		return fmt.Errorf("op=snapshot.append_deep: %w", err)
	}
	return nil
}

// LatestDiscovery returns up to n most recent discovery snapshots for a
// repo, ordered newest-first.
func (r *SnapshotRepo) LatestDiscovery(ctx domain.Context, repoID string, n int) ([]domain.DiscoverySnapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.LatestDiscovery")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "discovery_snapshots"),
	)
	q := `SELECT id, repo_id, snapshot_at, stars, forks, pushed_at, eligible, raw_payload FROM discovery_snapshots WHERE repo_id=$1 ORDER BY snapshot_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, repoID, n)
	if err != nil {
		return nil, fmt.Errorf("op=snapshot.latest_discovery: %w", err)
	}
	defer rows.Close()
	var out []domain.DiscoverySnapshot
	for rows.Next() {
		var s domain.DiscoverySnapshot
		var raw []byte
		if err := rows.Scan(&s.ID, &s.RepoID, &s.SnapshotAt, &s.Stars, &s.Forks, &s.PushedAt, &s.Eligible, &raw); err != nil {
			return nil, fmt.Errorf("op=snapshot.latest_discovery_scan: %w", err)
		}
		s.RawPayload = raw
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=snapshot.latest_discovery_rows: %w", err)
	}
	return out, nil
}

// LatestDeep returns the most recent DeepSnapshot for a repo.
func (r *SnapshotRepo) LatestDeep(ctx domain.Context, repoID string) (domain.DeepSnapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.LatestDeep")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "deep_snapshots"),
	)
	q := `SELECT id, repo_id, snapshot_at, health_index, signals, raw_payload FROM deep_snapshots WHERE repo_id=$1 ORDER BY snapshot_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, repoID)
	var s domain.DeepSnapshot
	var signals, raw []byte
	if err := row.Scan(&s.ID, &s.RepoID, &s.SnapshotAt, &s.HealthIndex, &signals, &raw); err != nil {
		if err == pgx.ErrNoRows {
			return domain.DeepSnapshot{}, fmt.Errorf("op=snapshot.latest_deep: %w", domain.ErrNotFound)
		}
		return domain.DeepSnapshot{}, fmt.Errorf("op=snapshot.latest_deep: %w", err)
	}
	var ds deepSignals
	if err := json.Unmarshal(signals, &ds); err != nil {
		return domain.DeepSnapshot{}, fmt.Errorf("op=snapshot.latest_deep.unmarshal: %w", err)
	}
	s.ContributorHealth = ds.ContributorHealth
	s.Velocity = ds.Velocity
	s.Responsiveness = ds.Responsiveness
	s.Adoption = ds.Adoption
	s.CommunityRisk = ds.CommunityRisk
	s.RawPayload = raw
	return s, nil
}

// HistoryDeep returns up to n most recent deep snapshots for a repo, ordered
// newest-first.
func (r *SnapshotRepo) HistoryDeep(ctx domain.Context, repoID string, n int) ([]domain.DeepSnapshot, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.HistoryDeep")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "deep_snapshots"),
	)
	q := `SELECT id, repo_id, snapshot_at, health_index, signals, raw_payload FROM deep_snapshots WHERE repo_id=$1 ORDER BY snapshot_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, repoID, n)
	if err != nil {
		return nil, fmt.Errorf("op=snapshot.history_deep: %w", err)
	}
	defer rows.Close()
	var out []domain.DeepSnapshot
	for rows.Next() {
		var s domain.DeepSnapshot
		var signals, raw []byte
		if err := rows.Scan(&s.ID, &s.RepoID, &s.SnapshotAt, &s.HealthIndex, &signals, &raw); err != nil {
			return nil, fmt.Errorf("op=snapshot.history_deep_scan: %w", err)
		}
		var ds deepSignals
		if err := json.Unmarshal(signals, &ds); err != nil {
			return nil, fmt.Errorf("op=snapshot.history_deep_unmarshal: %w", err)
		}
		s.ContributorHealth = ds.ContributorHealth
		s.Velocity = ds.Velocity
		s.Responsiveness = ds.Responsiveness
		s.Adoption = ds.Adoption
		s.CommunityRisk = ds.CommunityRisk
		s.RawPayload = raw
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=snapshot.history_deep_rows: %w", err)
	}
	return out, nil
}

// CountDiscovery returns the total number of discovery snapshots recorded
// for a repo.
func (r *SnapshotRepo) CountDiscovery(ctx domain.Context, repoID string) (int64, error) {
	return r.count(ctx, "discovery_snapshots", repoID)
}

// CountDeep returns the total number of deep snapshots recorded for a repo.
func (r *SnapshotRepo) CountDeep(ctx domain.Context, repoID string) (int64, error) {
	return r.count(ctx, "deep_snapshots", repoID)
}

func (r *SnapshotRepo) count(ctx domain.Context, table, repoID string) (int64, error) {
	tracer := otel.Tracer("repo.snapshots")
	ctx, span := tracer.Start(ctx, "snapshots.count")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", table),
	)
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE repo_id=$1", table)
	var n int64
	if err := r.Pool.QueryRow(ctx, q, repoID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=snapshot.count_%s: %w", table, err)
	}
	return n, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
