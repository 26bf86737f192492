package customjob

import (
	"context"
	"fmt"

	"github.com/dataforge/kernel/engine/core"
	"github.com/dataforge/kernel/pkg/logger"
	"github.com/jackc/pgx/v5"
)

// resultSampleSize bounds how many rows of a job's result are persisted
// alongside the row count, mirroring the metadata store's job_results
// table (full_result_stored tracks whether the sample is exhaustive).
const resultSampleSize = 20

// Executor runs a Job's query against its source connection and copies the
// result set into its target table.
type Executor struct {
	repo *Repository
}

// NewExecutor builds an Executor persisting results through repo.
func NewExecutor(repo *Repository) *Executor {
	return &Executor{repo: repo}
}

// RunJob executes job by name and records its outcome. Returns a JSON
// summary of the form {"row_count": N}.
func (e *Executor) RunJob(ctx context.Context, jobName string) (core.JSON, error) {
	job, err := e.repo.GetJob(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if !job.Active || !job.Enabled {
		return nil, core.NewError(core.KindInvalid, fmt.Sprintf("custom job %q is not active/enabled", jobName), nil)
	}
	return e.run(ctx, job)
}

func (e *Executor) run(ctx context.Context, job Job) (core.JSON, error) {
	log := logger.FromContext(ctx)

	source, err := pgx.Connect(ctx, job.SourceConnectionString)
	if err != nil {
		return nil, fmt.Errorf("customjob: connecting to source for %q: %w", job.JobName, err)
	}
	defer source.Close(ctx)

	rows, err := source.Query(ctx, job.QuerySQL)
	if err != nil {
		return nil, fmt.Errorf("customjob: running source query for %q: %w", job.JobName, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var buffered [][]any
	var sample []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("customjob: scanning source row for %q: %w", job.JobName, err)
		}
		buffered = append(buffered, values)
		if len(sample) < resultSampleSize {
			row := make(map[string]any, len(columns))
			for i, c := range columns {
				row[c] = values[i]
			}
			sample = append(sample, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("customjob: reading source rows for %q: %w", job.JobName, err)
	}

	target, err := pgx.Connect(ctx, job.TargetConnectionString)
	if err != nil {
		return nil, fmt.Errorf("customjob: connecting to target for %q: %w", job.JobName, err)
	}
	defer target.Close(ctx)

	var rowCount int64
	if len(buffered) > 0 {
		rowCount, err = target.CopyFrom(
			ctx,
			pgx.Identifier{job.TargetSchema, job.TargetTable},
			columns,
			pgx.CopyFromRows(buffered),
		)
		if err != nil {
			return nil, fmt.Errorf("customjob: copying %d rows into %s.%s for %q: %w",
				len(buffered), job.TargetSchema, job.TargetTable, job.JobName, err)
		}
	}

	fullyStored := len(sample) == len(buffered)
	sampleJSON, err := core.NewJSON(sample)
	if err != nil {
		return nil, fmt.Errorf("customjob: marshaling result sample for %q: %w", job.JobName, err)
	}
	if err := e.repo.RecordResult(ctx, Result{
		JobName:          job.JobName,
		RowCount:         rowCount,
		ResultSample:     sampleJSON,
		FullResultStored: fullyStored,
	}); err != nil {
		log.Warn("failed to record custom job result", "job", job.JobName, "error", err)
	}

	log.Info("custom job completed", "job", job.JobName, "rows", rowCount)
	return core.NewJSON(map[string]any{"row_count": rowCount})
}
