// Package customjob implements ad hoc "query from one engine, land in
// another" jobs: metadata.custom_jobs. Unlike the catalog sync pipeline,
// which mirrors whole tables, a custom job runs an arbitrary query against
// a source connection and inserts the result set into a target table.
package customjob

import "github.com/dataforge/kernel/engine/core"

// Job is one registered custom job definition.
type Job struct {
	ID                      int       `db:"id"`
	JobName                 string    `db:"job_name" validate:"required"`
	Description             string    `db:"description"`
	SourceDBEngine          string    `db:"source_db_engine" validate:"required"`
	SourceConnectionString  string    `db:"source_connection_string" validate:"required"`
	QuerySQL                string    `db:"query_sql" validate:"required"`
	TargetDBEngine          string    `db:"target_db_engine" validate:"required"`
	TargetConnectionString  string    `db:"target_connection_string" validate:"required"`
	TargetSchema            string    `db:"target_schema"`
	TargetTable             string    `db:"target_table" validate:"required"`
	ScheduleCron            string    `db:"schedule_cron"`
	Active                  bool      `db:"active"`
	Enabled                 bool      `db:"enabled"`
	TransformConfig         core.JSON `db:"transform_config"`
	Metadata                core.JSON `db:"metadata"`
}

// Result is one execution record of a job, stored in metadata.job_results.
type Result struct {
	ID                int       `db:"id"`
	JobName           string    `db:"job_name"`
	ProcessLogID      *int64    `db:"process_log_id"`
	RowCount          int64     `db:"row_count"`
	ResultSample      core.JSON `db:"result_sample"`
	FullResultStored  bool      `db:"full_result_stored"`
}
