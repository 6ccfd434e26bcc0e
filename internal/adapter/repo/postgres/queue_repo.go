package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/repowatch/internal/domain"
)

// QueueRepo maintains the priority queue of pending deep-analysis work.
type QueueRepo struct{ Pool PgxPool }

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool) *QueueRepo { return &QueueRepo{Pool: p} }

// Upsert inserts a new unprocessed entry, or updates the priority and
// reason of an existing unprocessed entry for the same repo — the queue's
// at-most-one-unprocessed-entry invariant is enforced by the partial unique
// index on (repo_id) WHERE NOT processed.
func (r *QueueRepo) Upsert(ctx domain.Context, e domain.QueueEntry) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "queue_entries"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	queuedAt := e.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}
	q := `INSERT INTO queue_entries (id, repo_id, priority, reason, queued_at, processed, processed_at, last_deep_analysis_at)
	VALUES ($1,$2,$3,$4,$5,FALSE,NULL,$6)
	ON CONFLICT (repo_id) WHERE NOT processed
	DO UPDATE SET priority=EXCLUDED.priority, reason=EXCLUDED.reason`
	_, err := r.Pool.Exec(ctx, q, id, e.RepoID, e.Priority, e.Reason, queuedAt, e.LastDeepAnalysisAt)
	if err != nil {
		return fmt.Errorf("op=queue.upsert: %w", err)
	}
	return nil
}

// GetUnprocessed returns the unprocessed entry for a repo, if any.
func (r *QueueRepo) GetUnprocessed(ctx domain.Context, repoID string) (domain.QueueEntry, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.GetUnprocessed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "queue_entries"),
	)
	q := `SELECT id, repo_id, priority, reason, queued_at, processed, processed_at, last_deep_analysis_at FROM queue_entries WHERE repo_id=$1 AND NOT processed`
	return scanQueueEntry(r.Pool.QueryRow(ctx, q, repoID), "queue.get_unprocessed")
}

// ListUnprocessed returns unprocessed entries ordered by
// (priority desc, queued_at asc), matching the consumption order in §5.
func (r *QueueRepo) ListUnprocessed(ctx domain.Context) ([]domain.QueueEntry, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ListUnprocessed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "queue_entries"),
	)
	q := `SELECT id, repo_id, priority, reason, queued_at, processed, processed_at, last_deep_analysis_at FROM queue_entries WHERE NOT processed ORDER BY priority DESC, queued_at ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_unprocessed: %w", err)
	}
	defer rows.Close()
	var out []domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.list_unprocessed_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.list_unprocessed_rows: %w", err)
	}
	return out, nil
}

// MarkProcessed marks an entry processed at the given time.
func (r *QueueRepo) MarkProcessed(ctx domain.Context, id string, processedAt time.Time) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.MarkProcessed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "queue_entries"),
	)
	q := `UPDATE queue_entries SET processed=TRUE, processed_at=$2, last_deep_analysis_at=$2 WHERE id=$1`
	ct, err := r.Pool.Exec(ctx, q, id, processedAt)
	if err != nil {
		return fmt.Errorf("op=queue.mark_processed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.mark_processed: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteProcessedBefore garbage-collects entries processed before cutoff,
// the teacher's CleanupService.CleanupOldData pattern narrowed to one table.
func (r *QueueRepo) DeleteProcessedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.DeleteProcessedBefore")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "queue_entries"),
	)
	q := `DELETE FROM queue_entries WHERE processed AND processed_at < $1`
	ct, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.delete_processed_before: %w", err)
	}
	return ct.RowsAffected(), nil
}

// CountByPriority counts unprocessed entries grouped by priority class.
func (r *QueueRepo) CountByPriority(ctx domain.Context) (map[int]int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CountByPriority")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "queue_entries"),
	)
	q := `SELECT priority, COUNT(*) FROM queue_entries WHERE NOT processed GROUP BY priority`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=queue.count_by_priority: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int64)
	for rows.Next() {
		var priority int
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("op=queue.count_by_priority_scan: %w", err)
		}
		out[priority] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.count_by_priority_rows: %w", err)
	}
	return out, nil
}

func scanQueueEntry(row pgx.Row, op string) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	if err := row.Scan(&e.ID, &e.RepoID, &e.Priority, &e.Reason, &e.QueuedAt, &e.Processed, &e.ProcessedAt, &e.LastDeepAnalysisAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.QueueEntry{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.QueueEntry{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return e, nil
}

func scanQueueEntryRow(rows pgx.Rows) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := rows.Scan(&e.ID, &e.RepoID, &e.Priority, &e.Reason, &e.QueuedAt, &e.Processed, &e.ProcessedAt, &e.LastDeepAnalysisAt)
	return e, err
}
