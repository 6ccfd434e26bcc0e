package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/repowatch/internal/domain"
)

// WatchlistRepo appends and queries WatchlistEntry rows.
type WatchlistRepo struct{ Pool PgxPool }

// NewWatchlistRepo constructs a WatchlistRepo with the given pool.
func NewWatchlistRepo(p PgxPool) *WatchlistRepo { return &WatchlistRepo{Pool: p} }

// Append inserts one WatchlistEntry row for a repo/generation-date pair.
func (r *WatchlistRepo) Append(ctx domain.Context, e domain.WatchlistEntry) error {
	tracer := otel.Tracer("repo.watchlist")
	ctx, span := tracer.Start(ctx, "watchlist.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "watchlist_entries"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO watchlist_entries (id, repo_id, generation_date, momentum_score, durability_score, adoption_score, rationale, metrics_snapshot)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, e.RepoID, e.GenerationDate, e.MomentumScore, e.DurabilityScore, e.AdoptionScore, e.Rationale, nullableJSON(e.MetricsSnapshot))
	if err != nil {
		return fmt.Errorf("op=watchlist.append: %w", err)
	}
	return nil
}

// sortColumns maps the three accepted sort keys to their column name,
// rejecting anything else to avoid building a query from unsanitized input.
var sortColumns = map[string]string{
	"momentum":   "momentum_score",
	"durability": "durability_score",
	"adoption":   "adoption_score",
}

// Latest returns the most recent generation's entries, sorted by one of
// momentum/durability/adoption descending. A limit <= 0 returns every entry
// of that generation.
func (r *WatchlistRepo) Latest(ctx domain.Context, sortBy string, limit, offset int) ([]domain.WatchlistEntry, error) {
	tracer := otel.Tracer("repo.watchlist")
	ctx, span := tracer.Start(ctx, "watchlist.Latest")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "watchlist_entries"),
	)
	col, ok := sortColumns[sortBy]
	if !ok {
		col = sortColumns["momentum"]
	}
	q := `SELECT id, repo_id, generation_date, momentum_score, durability_score, adoption_score, rationale, metrics_snapshot
	FROM watchlist_entries
	WHERE generation_date = (SELECT MAX(generation_date) FROM watchlist_entries)
	ORDER BY ` + col + ` DESC
	LIMIT $1 OFFSET $2`
	var lim any = limit
	if limit <= 0 {
		lim = nil // LIMIT NULL: no limit
	}
	rows, err := r.Pool.Query(ctx, q, lim, offset)
	if err != nil {
		return nil, fmt.Errorf("op=watchlist.latest: %w", err)
	}
	defer rows.Close()
	var out []domain.WatchlistEntry
	for rows.Next() {
		var e domain.WatchlistEntry
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.RepoID, &e.GenerationDate, &e.MomentumScore, &e.DurabilityScore, &e.AdoptionScore, &e.Rationale, &snapshot); err != nil {
			return nil, fmt.Errorf("op=watchlist.latest_scan: %w", err)
		}
		e.MetricsSnapshot = snapshot
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=watchlist.latest_rows: %w", err)
	}
	return out, nil
}

// GenerationDates returns distinct generation dates, newest first.
func (r *WatchlistRepo) GenerationDates(ctx domain.Context) ([]time.Time, error) {
	tracer := otel.Tracer("repo.watchlist")
	ctx, span := tracer.Start(ctx, "watchlist.GenerationDates")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "watchlist_entries"),
	)
	q := `SELECT DISTINCT generation_date FROM watchlist_entries ORDER BY generation_date DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=watchlist.generation_dates: %w", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("op=watchlist.generation_dates_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=watchlist.generation_dates_rows: %w", err)
	}
	return out, nil
}
