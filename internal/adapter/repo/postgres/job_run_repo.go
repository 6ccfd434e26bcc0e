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

// JobRunRepo records audit entries for pipeline invocations.
type JobRunRepo struct{ Pool PgxPool }

// NewJobRunRepo constructs a JobRunRepo with the given pool.
func NewJobRunRepo(p PgxPool) *JobRunRepo { return &JobRunRepo{Pool: p} }

// Open inserts a new JobRun row with status=running and returns it.
func (r *JobRunRepo) Open(ctx domain.Context, jobType string) (domain.JobRun, error) {
	tracer := otel.Tracer("repo.job_runs")
	ctx, span := tracer.Start(ctx, "job_runs.Open")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "job_runs"),
	)
	id := uuid.New().String()
	startedAt := time.Now().UTC()
	q := `INSERT INTO job_runs (id, job_type, started_at, status) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, id, jobType, startedAt, domain.JobRunRunning); err != nil {
		return domain.JobRun{}, fmt.Errorf("op=job_run.open: %w", err)
	}
	return domain.JobRun{ID: id, JobType: jobType, StartedAt: startedAt, Status: domain.JobRunRunning}, nil
}

// Close sets the terminal status, stats, and optional error message on a
// JobRun, the teacher's explicit-transaction UpdateStatus pattern narrowed
// to a single-statement update since JobRun has no cascading side effects.
func (r *JobRunRepo) Close(ctx domain.Context, id string, status string, stats []byte, errMsg *string) error {
	tracer := otel.Tracer("repo.job_runs")
	ctx, span := tracer.Start(ctx, "job_runs.Close")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "job_runs"),
	)
	q := `UPDATE job_runs SET ended_at=$2, status=$3, stats=$4, error=$5 WHERE id=$1`
	ct, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), status, nullableJSON(stats), errMsg)
	if err != nil {
		return fmt.Errorf("op=job_run.close: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=job_run.close: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a JobRun by id.
func (r *JobRunRepo) Get(ctx domain.Context, id string) (domain.JobRun, error) {
	tracer := otel.Tracer("repo.job_runs")
	ctx, span := tracer.Start(ctx, "job_runs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "job_runs"),
	)
	q := `SELECT id, job_type, started_at, ended_at, status, stats, error FROM job_runs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.JobRun
	var stats []byte
	if err := row.Scan(&j.ID, &j.JobType, &j.StartedAt, &j.EndedAt, &j.Status, &stats, &j.Error); err != nil {
		if err == pgx.ErrNoRows {
			return domain.JobRun{}, fmt.Errorf("op=job_run.get: %w", domain.ErrNotFound)
		}
		return domain.JobRun{}, fmt.Errorf("op=job_run.get: %w", err)
	}
	j.Stats = stats
	return j, nil
}
