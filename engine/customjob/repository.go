package customjob

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/dataforge/kernel/engine/core"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var validate = validator.New()

// DB is the metadata pool surface the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var psq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var jobColumns = []string{
	"id", "job_name", "description", "source_db_engine", "source_connection_string",
	"query_sql", "target_db_engine", "target_connection_string", "target_schema",
	"target_table", "schedule_cron", "active", "enabled", "transform_config", "metadata",
}

// Repository persists custom job definitions and their execution results.
type Repository struct {
	db DB
}

// NewRepository builds a Repository backed by db.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// GetJob loads a job by name.
func (r *Repository) GetJob(ctx context.Context, name string) (Job, error) {
	query, args, err := psq.Select(jobColumns...).
		From("metadata.custom_jobs").
		Where(squirrel.Eq{"job_name": name}).
		ToSql()
	if err != nil {
		return Job{}, fmt.Errorf("customjob: building job query: %w", err)
	}
	var job Job
	if err := pgxscan.Get(ctx, r.db, &job, query, args...); err != nil {
		return Job{}, core.NewError(core.KindNotFound, fmt.Sprintf("custom job %q not found", name), err)
	}
	return job, nil
}

// GetActiveJobs returns every job with active=true.
func (r *Repository) GetActiveJobs(ctx context.Context) ([]Job, error) {
	query, args, err := psq.Select(jobColumns...).
		From("metadata.custom_jobs").
		Where(squirrel.Eq{"active": true}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("customjob: building active jobs query: %w", err)
	}
	var jobs []Job
	if err := pgxscan.Select(ctx, r.db, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("customjob: listing active jobs: %w", err)
	}
	return jobs, nil
}

// GetScheduledJobs returns every active, enabled job with a non-empty cron
// schedule.
func (r *Repository) GetScheduledJobs(ctx context.Context) ([]Job, error) {
	query, args, err := psq.Select(jobColumns...).
		From("metadata.custom_jobs").
		Where(squirrel.And{
			squirrel.Eq{"active": true},
			squirrel.Eq{"enabled": true},
			squirrel.NotEq{"schedule_cron": nil},
			squirrel.NotEq{"schedule_cron": ""},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("customjob: building scheduled jobs query: %w", err)
	}
	var jobs []Job
	if err := pgxscan.Select(ctx, r.db, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("customjob: listing scheduled jobs: %w", err)
	}
	return jobs, nil
}

// UpsertJob inserts or replaces a job definition by name. The job is
// struct-tag validated before it ever reaches the database.
func (r *Repository) UpsertJob(ctx context.Context, job Job) error {
	if err := validate.Struct(job); err != nil {
		return fmt.Errorf("customjob: invalid job %q: %w", job.JobName, err)
	}
	query, args, err := psq.Insert("metadata.custom_jobs").
		Columns(
			"job_name", "description", "source_db_engine", "source_connection_string",
			"query_sql", "target_db_engine", "target_connection_string", "target_schema",
			"target_table", "schedule_cron", "active", "enabled", "transform_config", "metadata",
		).
		Values(
			job.JobName, job.Description, job.SourceDBEngine, job.SourceConnectionString,
			job.QuerySQL, job.TargetDBEngine, job.TargetConnectionString, job.TargetSchema,
			job.TargetTable, job.ScheduleCron, job.Active, job.Enabled, job.TransformConfig, job.Metadata,
		).
		Suffix(`
			ON CONFLICT (job_name) DO UPDATE SET
				description = EXCLUDED.description,
				source_db_engine = EXCLUDED.source_db_engine,
				source_connection_string = EXCLUDED.source_connection_string,
				query_sql = EXCLUDED.query_sql,
				target_db_engine = EXCLUDED.target_db_engine,
				target_connection_string = EXCLUDED.target_connection_string,
				target_schema = EXCLUDED.target_schema,
				target_table = EXCLUDED.target_table,
				schedule_cron = EXCLUDED.schedule_cron,
				active = EXCLUDED.active,
				enabled = EXCLUDED.enabled,
				transform_config = EXCLUDED.transform_config,
				metadata = EXCLUDED.metadata,
				updated_at = now()
		`).
		ToSql()
	if err != nil {
		return fmt.Errorf("customjob: building upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("customjob: upserting job %q: %w", job.JobName, err)
	}
	return nil
}

// DeleteJob removes a job definition by name.
func (r *Repository) DeleteJob(ctx context.Context, name string) error {
	query, args, err := psq.Delete("metadata.custom_jobs").
		Where(squirrel.Eq{"job_name": name}).
		ToSql()
	if err != nil {
		return fmt.Errorf("customjob: building delete: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("customjob: deleting job %q: %w", name, err)
	}
	return nil
}

// SetActive toggles a job's active flag.
func (r *Repository) SetActive(ctx context.Context, name string, active bool) error {
	query, args, err := psq.Update("metadata.custom_jobs").
		Set("active", active).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"job_name": name}).
		ToSql()
	if err != nil {
		return fmt.Errorf("customjob: building active update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("customjob: setting active for %q: %w", name, err)
	}
	return nil
}

// RecordResult inserts a job_results row summarizing one execution.
func (r *Repository) RecordResult(ctx context.Context, res Result) error {
	query, args, err := psq.Insert("metadata.job_results").
		Columns("job_name", "process_log_id", "row_count", "result_sample", "full_result_stored").
		Values(res.JobName, res.ProcessLogID, res.RowCount, res.ResultSample, res.FullResultStored).
		ToSql()
	if err != nil {
		return fmt.Errorf("customjob: building result insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("customjob: recording result for %q: %w", res.JobName, err)
	}
	return nil
}
