package dbt

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/dataforge/kernel/engine/core"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the metadata pool surface the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var psq = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var modelColumns = []string{
	"id", "model_name", "materialization", "schema_name", "database_name",
	"sql_content", "config", "description", "depends_on", "version", "active",
	"last_run_status", "last_run_rows",
}

// Repository persists dbt models, tests, macros, sources, documentation,
// lineage edges, and model run history.
type Repository struct {
	db DB
}

// NewRepository builds a Repository backed by db.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// GetModel loads a model by name.
func (r *Repository) GetModel(ctx context.Context, name string) (Model, error) {
	query, args, err := psq.Select(modelColumns...).
		From("metadata.dbt_models").
		Where(squirrel.Eq{"model_name": name}).
		ToSql()
	if err != nil {
		return Model{}, fmt.Errorf("dbt: building model query: %w", err)
	}
	var model Model
	if err := pgxscan.Get(ctx, r.db, &model, query, args...); err != nil {
		return Model{}, core.NewError(core.KindNotFound, fmt.Sprintf("model %q not found", name), err)
	}
	return model, nil
}

// GetActiveModels returns every model with active=true, ordered by name so
// callers that compile in dependency batches get a stable iteration order.
func (r *Repository) GetActiveModels(ctx context.Context) ([]Model, error) {
	query, args, err := psq.Select(modelColumns...).
		From("metadata.dbt_models").
		Where(squirrel.Eq{"active": true}).
		OrderBy("model_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbt: building active models query: %w", err)
	}
	var models []Model
	if err := pgxscan.Select(ctx, r.db, &models, query, args...); err != nil {
		return nil, fmt.Errorf("dbt: listing active models: %w", err)
	}
	return models, nil
}

// UpsertModel inserts or replaces a model definition by name.
func (r *Repository) UpsertModel(ctx context.Context, model Model) error {
	query, args, err := psq.Insert("metadata.dbt_models").
		Columns(
			"model_name", "materialization", "schema_name", "database_name", "sql_content",
			"config", "description", "depends_on", "version", "active", "last_run_status", "last_run_rows",
		).
		Values(
			model.ModelName, model.Materialization, model.SchemaName, model.DatabaseName, model.SQLContent,
			model.Config, model.Description, model.DependsOn, model.Version, model.Active,
			model.LastRunStatus, model.LastRunRows,
		).
		Suffix(`
			ON CONFLICT (model_name) DO UPDATE SET
				materialization = EXCLUDED.materialization,
				schema_name = EXCLUDED.schema_name,
				database_name = EXCLUDED.database_name,
				sql_content = EXCLUDED.sql_content,
				config = EXCLUDED.config,
				description = EXCLUDED.description,
				depends_on = EXCLUDED.depends_on,
				version = EXCLUDED.version,
				active = EXCLUDED.active
		`).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building model upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: upserting model %q: %w", model.ModelName, err)
	}
	return nil
}

// RecordModelRun marks a model's last run outcome and appends a dbt_model_runs row.
func (r *Repository) RecordModelRun(ctx context.Context, run Run) error {
	query, args, err := psq.Insert("metadata.dbt_model_runs").
		Columns(
			"model_name", "run_id", "status", "materialization", "duration_seconds",
			"rows_affected", "error_message", "compiled_sql",
		).
		Values(
			run.ModelName, run.RunID, run.Status, run.Materialization, run.DurationSeconds,
			run.RowsAffected, run.ErrorMessage, run.CompiledSQL,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building model run insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: recording run for %q: %w", run.ModelName, err)
	}

	update, uargs, err := psq.Update("metadata.dbt_models").
		Set("last_run_status", run.Status).
		Set("last_run_rows", run.RowsAffected).
		Where(squirrel.Eq{"model_name": run.ModelName}).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building model status update: %w", err)
	}
	if _, err := r.db.Exec(ctx, update, uargs...); err != nil {
		return fmt.Errorf("dbt: updating last run status for %q: %w", run.ModelName, err)
	}
	return nil
}

// GetTestsForModel returns every active test attached to model.
func (r *Repository) GetTestsForModel(ctx context.Context, model string) ([]Test, error) {
	query, args, err := psq.Select(
		"id", "test_name", "model_name", "test_type", "column_name",
		"test_config", "test_sql", "description", "severity", "active",
	).
		From("metadata.dbt_tests").
		Where(squirrel.Eq{"model_name": model, "active": true}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbt: building tests query: %w", err)
	}
	var tests []Test
	if err := pgxscan.Select(ctx, r.db, &tests, query, args...); err != nil {
		return nil, fmt.Errorf("dbt: listing tests for %q: %w", model, err)
	}
	return tests, nil
}

// RecordTestResult persists one test execution outcome.
func (r *Repository) RecordTestResult(ctx context.Context, res TestResult) error {
	query, args, err := psq.Insert("metadata.dbt_test_results").
		Columns(
			"test_name", "model_name", "test_type", "status", "error_message",
			"rows_affected", "execution_time_seconds", "run_id",
		).
		Values(
			res.TestName, res.ModelName, res.TestType, res.Status, res.ErrorMessage,
			res.RowsAffected, res.ExecutionTimeSeconds, res.RunID,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building test result insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: recording test result for %q: %w", res.TestName, err)
	}
	return nil
}

// GetMacros returns every active macro, keyed by name for compiler lookups.
func (r *Repository) GetMacros(ctx context.Context) (map[string]Macro, error) {
	query, args, err := psq.Select(
		"id", "macro_name", "macro_sql", "parameters", "description", "return_type", "active",
	).
		From("metadata.dbt_macros").
		Where(squirrel.Eq{"active": true}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbt: building macros query: %w", err)
	}
	var macros []Macro
	if err := pgxscan.Select(ctx, r.db, &macros, query, args...); err != nil {
		return nil, fmt.Errorf("dbt: listing macros: %w", err)
	}
	result := make(map[string]Macro, len(macros))
	for _, m := range macros {
		result[m.MacroName] = m
	}
	return result, nil
}

// UpsertMacro inserts or replaces a macro definition by name.
func (r *Repository) UpsertMacro(ctx context.Context, macro Macro) error {
	query, args, err := psq.Insert("metadata.dbt_macros").
		Columns("macro_name", "macro_sql", "parameters", "description", "return_type", "active").
		Values(macro.MacroName, macro.MacroSQL, macro.Parameters, macro.Description, macro.ReturnType, macro.Active).
		Suffix(`
			ON CONFLICT (macro_name) DO UPDATE SET
				macro_sql = EXCLUDED.macro_sql,
				parameters = EXCLUDED.parameters,
				description = EXCLUDED.description,
				return_type = EXCLUDED.return_type,
				active = EXCLUDED.active
		`).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building macro upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: upserting macro %q: %w", macro.MacroName, err)
	}
	return nil
}

// GetSources returns every active source, keyed by source name for compiler lookups.
func (r *Repository) GetSources(ctx context.Context) (map[string]Source, error) {
	query, args, err := psq.Select(
		"id", "source_name", "database_name", "schema_name", "table_name", "connection_string", "active",
	).
		From("metadata.dbt_sources").
		Where(squirrel.Eq{"active": true}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbt: building sources query: %w", err)
	}
	var sources []Source
	if err := pgxscan.Select(ctx, r.db, &sources, query, args...); err != nil {
		return nil, fmt.Errorf("dbt: listing sources: %w", err)
	}
	result := make(map[string]Source, len(sources))
	for _, s := range sources {
		result[s.SourceName] = s
	}
	return result, nil
}

// UpsertSource inserts or replaces a source definition.
func (r *Repository) UpsertSource(ctx context.Context, source Source) error {
	query, args, err := psq.Insert("metadata.dbt_sources").
		Columns("source_name", "database_name", "schema_name", "table_name", "connection_string", "active").
		Values(
			source.SourceName, source.DatabaseName, source.SchemaName,
			source.TableName, source.ConnectionString, source.Active,
		).
		Suffix(`
			ON CONFLICT (source_name, table_name) DO UPDATE SET
				database_name = EXCLUDED.database_name,
				schema_name = EXCLUDED.schema_name,
				connection_string = EXCLUDED.connection_string,
				active = EXCLUDED.active
		`).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building source upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: upserting source %q: %w", source.SourceName, err)
	}
	return nil
}

// UpsertDocumentation inserts or replaces a single documentation entry.
func (r *Repository) UpsertDocumentation(ctx context.Context, doc Documentation) error {
	query, args, err := psq.Insert("metadata.dbt_documentation").
		Columns("model_name", "doc_type", "doc_key", "doc_content", "doc_format").
		Values(doc.ModelName, doc.DocType, doc.DocKey, doc.DocContent, doc.DocFormat).
		Suffix(`
			ON CONFLICT (model_name, doc_type, doc_key) DO UPDATE SET
				doc_content = EXCLUDED.doc_content,
				doc_format = EXCLUDED.doc_format
		`).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building documentation upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: upserting documentation for %q: %w", doc.ModelName, err)
	}
	return nil
}

// GetDocumentation returns every documentation entry attached to model.
func (r *Repository) GetDocumentation(ctx context.Context, model string) ([]Documentation, error) {
	query, args, err := psq.Select("id", "model_name", "doc_type", "doc_key", "doc_content", "doc_format").
		From("metadata.dbt_documentation").
		Where(squirrel.Eq{"model_name": model}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbt: building documentation query: %w", err)
	}
	var docs []Documentation
	if err := pgxscan.Select(ctx, r.db, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("dbt: listing documentation for %q: %w", model, err)
	}
	return docs, nil
}

// RecordLineage persists a single source->target edge discovered while
// compiling a model. Callers typically call this once per ref()/source()
// resolved during Compiler.Compile.
func (r *Repository) RecordLineage(ctx context.Context, edge Lineage) error {
	query, args, err := psq.Insert("metadata.dbt_lineage").
		Columns(
			"source_model", "target_model", "source_column", "target_column",
			"transformation_type", "transformation_sql",
		).
		Values(
			edge.SourceModel, edge.TargetModel, edge.SourceColumn, edge.TargetColumn,
			edge.TransformationType, edge.TransformationSQL,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("dbt: building lineage insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("dbt: recording lineage %s->%s: %w", edge.SourceModel, edge.TargetModel, err)
	}
	return nil
}

// GetLineageForModel returns every edge where model is either the source or
// the target, used to render upstream/downstream lineage graphs.
func (r *Repository) GetLineageForModel(ctx context.Context, model string) ([]Lineage, error) {
	query, args, err := psq.Select(
		"id", "source_model", "target_model", "source_column", "target_column",
		"transformation_type", "transformation_sql",
	).
		From("metadata.dbt_lineage").
		Where(squirrel.Or{
			squirrel.Eq{"source_model": model},
			squirrel.Eq{"target_model": model},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("dbt: building lineage query: %w", err)
	}
	var edges []Lineage
	if err := pgxscan.Select(ctx, r.db, &edges, query, args...); err != nil {
		return nil, fmt.Errorf("dbt: listing lineage for %q: %w", model, err)
	}
	return edges, nil
}
