// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/repowatch/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RepoRepo persists and loads Repo rows using a minimal pgx pool.
type RepoRepo struct{ Pool PgxPool }

// NewRepoRepo constructs a RepoRepo with the given pool.
func NewRepoRepo(p PgxPool) *RepoRepo { return &RepoRepo{Pool: p} }

// Upsert inserts a new Repo or updates an existing one keyed by UpstreamID,
// setting FirstDiscoveredAt only on insert and LastSeenAt on every call.
func (r *RepoRepo) Upsert(ctx domain.Context, rp domain.Repo) (domain.Repo, error) {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "repos"),
	)
	id := rp.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO repos (id, upstream_id, owner, name, language, stars, forks, created_at, pushed_at, archived, fork, first_discovered_at, last_seen_at, eligible)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (upstream_id) DO UPDATE SET
		owner=EXCLUDED.owner, name=EXCLUDED.name, language=EXCLUDED.language,
		stars=EXCLUDED.stars, forks=EXCLUDED.forks, created_at=EXCLUDED.created_at,
		pushed_at=EXCLUDED.pushed_at, archived=EXCLUDED.archived, fork=EXCLUDED.fork,
		last_seen_at=EXCLUDED.last_seen_at, eligible=EXCLUDED.eligible
	RETURNING id, first_discovered_at`
	row := r.Pool.QueryRow(ctx, q, id, rp.UpstreamID, rp.Owner, rp.Name, rp.Language, rp.Stars, rp.Forks, rp.CreatedAt, rp.PushedAt, rp.Archived, rp.Fork, now, now, rp.Eligible)
	var gotID string
	var firstDiscovered time.Time
	if err := row.Scan(&gotID, &firstDiscovered); err != nil {
		return domain.Repo{}, fmt.Errorf("op=repo.upsert: %w", err)
	}
	rp.ID = gotID
	rp.FirstDiscoveredAt = firstDiscovered
	rp.LastSeenAt = now
	return rp, nil
}

// Get loads a Repo by its internal id.
func (r *RepoRepo) Get(ctx domain.Context, id string) (domain.Repo, error) {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "repos"),
	)
	q := `SELECT id, upstream_id, owner, name, language, stars, forks, created_at, pushed_at, archived, fork, first_discovered_at, last_seen_at, eligible FROM repos WHERE id=$1`
	return scanRepo(r.Pool.QueryRow(ctx, q, id), "repo.get")
}

// GetByUpstreamID loads a Repo by its upstream numeric id.
func (r *RepoRepo) GetByUpstreamID(ctx domain.Context, upstreamID int64) (domain.Repo, error) {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.GetByUpstreamID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "repos"),
	)
	q := `SELECT id, upstream_id, owner, name, language, stars, forks, created_at, pushed_at, archived, fork, first_discovered_at, last_seen_at, eligible FROM repos WHERE upstream_id=$1`
	return scanRepo(r.Pool.QueryRow(ctx, q, upstreamID), "repo.get_by_upstream_id")
}

// ListEligible returns all repos currently marked eligible.
func (r *RepoRepo) ListEligible(ctx domain.Context) ([]domain.Repo, error) {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.ListEligible")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "repos"),
	)
	q := `SELECT id, upstream_id, owner, name, language, stars, forks, created_at, pushed_at, archived, fork, first_discovered_at, last_seen_at, eligible FROM repos WHERE eligible = TRUE ORDER BY stars DESC`
	return queryRepos(ctx, r.Pool, q, "repo.list_eligible")
}

// ListCreatedAfter returns all repos created at or after cutoff.
func (r *RepoRepo) ListCreatedAfter(ctx domain.Context, cutoff time.Time) ([]domain.Repo, error) {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.ListCreatedAfter")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "repos"),
	)
	q := `SELECT id, upstream_id, owner, name, language, stars, forks, created_at, pushed_at, archived, fork, first_discovered_at, last_seen_at, eligible FROM repos WHERE created_at >= $1 ORDER BY created_at DESC`
	return queryRepos(ctx, r.Pool, q, "repo.list_created_after", cutoff)
}

// SetEligible sets the eligible flag on a single repo row.
func (r *RepoRepo) SetEligible(ctx domain.Context, id string, eligible bool) error {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.SetEligible")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "repos"),
	)
	q := `UPDATE repos SET eligible=$2 WHERE id=$1`
	ct, err := r.Pool.Exec(ctx, q, id, eligible)
	if err != nil {
		return fmt.Errorf("op=repo.set_eligible: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=repo.set_eligible: %w", domain.ErrNotFound)
	}
	return nil
}

var repoSortColumns = map[string]string{
	"stars":      "stars",
	"created_at": "created_at",
	"pushed_at":  "pushed_at",
}

// Query services the repo listing read surface: filtered by language, star
// range, and eligibility, sorted descending by one of stars/created_at/
// pushed_at (default stars), and paginated. It returns the matching page
// plus the total match count across all pages.
func (r *RepoRepo) Query(ctx domain.Context, q domain.RepoQuery) ([]domain.Repo, int64, error) {
	tracer := otel.Tracer("repo.repos")
	ctx, span := tracer.Start(ctx, "repos.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "repos"),
	)

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Language != nil {
		where = append(where, "language = "+arg(*q.Language))
	}
	if q.MinStars != nil {
		where = append(where, "stars >= "+arg(*q.MinStars))
	}
	if q.MaxStars != nil {
		where = append(where, "stars <= "+arg(*q.MaxStars))
	}
	if q.Eligible != nil {
		where = append(where, "eligible = "+arg(*q.Eligible))
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	sortCol, ok := repoSortColumns[q.SortBy]
	if !ok {
		sortCol = "stars"
	}

	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	countQ := fmt.Sprintf("SELECT count(*) FROM repos %s", whereClause)
	var total int64
	if err := r.Pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=repo.query_count: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	listArgs := append(append([]any{}, args...), limit, offset)
	listQ := fmt.Sprintf(
		`SELECT id, upstream_id, owner, name, language, stars, forks, created_at, pushed_at, archived, fork, first_discovered_at, last_seen_at, eligible
		 FROM repos %s ORDER BY %s DESC LIMIT $%d OFFSET $%d`,
		whereClause, sortCol, len(listArgs)-1, len(listArgs))
	repos, err := queryRepos(ctx, r.Pool, listQ, "repo.query", listArgs...)
	if err != nil {
		return nil, 0, err
	}
	return repos, total, nil
}

func scanRepo(row pgx.Row, op string) (domain.Repo, error) {
	var rp domain.Repo
	if err := row.Scan(&rp.ID, &rp.UpstreamID, &rp.Owner, &rp.Name, &rp.Language, &rp.Stars, &rp.Forks, &rp.CreatedAt, &rp.PushedAt, &rp.Archived, &rp.Fork, &rp.FirstDiscoveredAt, &rp.LastSeenAt, &rp.Eligible); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Repo{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Repo{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return rp, nil
}

func queryRepos(ctx context.Context, pool PgxPool, q string, op string, args ...any) ([]domain.Repo, error) {
	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Repo
	for rows.Next() {
		var rp domain.Repo
		if err := rows.Scan(&rp.ID, &rp.UpstreamID, &rp.Owner, &rp.Name, &rp.Language, &rp.Stars, &rp.Forks, &rp.CreatedAt, &rp.PushedAt, &rp.Archived, &rp.Fork, &rp.FirstDiscoveredAt, &rp.LastSeenAt, &rp.Eligible); err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}
