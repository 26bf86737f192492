package dbt

import (
	"context"
	"fmt"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the execution target: the warehouse models materialize into.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor compiles and runs DBT-style models against a target DB, then
// executes their attached tests and records lineage.
type Executor struct {
	db       DB
	compiler *Compiler
	repo     *Repository
}

// NewExecutor builds an Executor targeting db, resolving ref()/source()
// calls through compiler's catalogs and recording lineage/documentation
// through repo.
func NewExecutor(db DB, compiler *Compiler, repo *Repository) *Executor {
	return &Executor{db: db, compiler: compiler, repo: repo}
}

// ExecuteModel compiles model and materializes it per its Materialization,
// returning the run record (including the compiled SQL for audit).
func (e *Executor) ExecuteModel(ctx context.Context, model Model) (Run, error) {
	log := logger.FromContext(ctx).With("model", model.ModelName)
	started := time.Now()

	compiled, err := e.compiler.Compile(model)
	if err != nil {
		return Run{}, fmt.Errorf("dbt: compiling model %q: %w", model.ModelName, err)
	}

	var execErr error
	var rowsAffected int
	switch model.Materialization {
	case MaterializationTable:
		rowsAffected, execErr = e.materializeTable(ctx, model, compiled)
	case MaterializationView:
		execErr = e.materializeView(ctx, model, compiled)
	case MaterializationIncremental:
		rowsAffected, execErr = e.materializeIncremental(ctx, model, compiled)
	case MaterializationEphemeral:
		// Ephemeral models are never persisted; they exist only to be
		// inlined via ref() into the SQL of models that depend on them.
	default:
		execErr = fmt.Errorf("dbt: unknown materialization %q", model.Materialization)
	}

	run := Run{
		ModelName:       model.ModelName,
		Materialization: model.Materialization,
		DurationSeconds: time.Since(started).Seconds(),
		RowsAffected:    rowsAffected,
		CompiledSQL:     compiled,
		Status:          "SUCCESS",
	}
	if execErr != nil {
		run.Status = "FAILED"
		run.ErrorMessage = execErr.Error()
		log.Error("model execution failed", "error", execErr)
		return run, execErr
	}

	e.recordLineage(ctx, model, log)
	e.recordDocumentation(ctx, model, log)

	log.Info("model executed", "materialization", model.Materialization, "rows_affected", rowsAffected)
	return run, nil
}

// recordLineage extracts every ref()/source() dependency from model's raw
// SQL and upserts one edge per dependency (§4.5). A persistence failure is
// logged, not surfaced: lineage is metadata about a run that already
// succeeded, never a reason to fail it.
func (e *Executor) recordLineage(ctx context.Context, model Model, log logger.Logger) {
	if e.repo == nil {
		return
	}
	for _, edge := range ExtractLineage(model) {
		if err := e.repo.RecordLineage(ctx, edge); err != nil {
			log.Error("recording lineage edge failed", "source", edge.SourceModel, "error", err)
		}
	}
}

// recordDocumentation upserts the model's own description plus one entry
// per documented column (§4.5's documentation capture).
func (e *Executor) recordDocumentation(ctx context.Context, model Model, log logger.Logger) {
	if e.repo == nil {
		return
	}
	if model.Description != "" {
		doc := Documentation{
			ModelName: model.ModelName, DocType: "model", DocKey: model.ModelName,
			DocContent: model.Description, DocFormat: "markdown",
		}
		if err := e.repo.UpsertDocumentation(ctx, doc); err != nil {
			log.Error("recording model documentation failed", "error", err)
		}
	}
	for _, column := range model.Columns {
		if column.Description == "" {
			continue
		}
		doc := Documentation{
			ModelName: model.ModelName, DocType: "column", DocKey: column.Name,
			DocContent: column.Description, DocFormat: "markdown",
		}
		if err := e.repo.UpsertDocumentation(ctx, doc); err != nil {
			log.Error("recording column documentation failed", "column", column.Name, "error", err)
		}
	}
}

func (e *Executor) materializeTable(ctx context.Context, model Model, compiled string) (int, error) {
	table := qualifiedTable(model.SchemaName, model.ModelName)
	if _, err := e.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return 0, fmt.Errorf("dropping existing table: %w", err)
	}
	tag, err := e.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", table, compiled))
	if err != nil {
		return 0, fmt.Errorf("materializing table: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (e *Executor) materializeView(ctx context.Context, model Model, compiled string) error {
	table := qualifiedTable(model.SchemaName, model.ModelName)
	_, err := e.db.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", table, compiled))
	if err != nil {
		return fmt.Errorf("materializing view: %w", err)
	}
	return nil
}

func (e *Executor) materializeIncremental(ctx context.Context, model Model, compiled string) (int, error) {
	table := qualifiedTable(model.SchemaName, model.ModelName)
	var exists bool
	existsSQL := `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema=$1 AND table_name=$2)`
	if err := e.db.QueryRow(ctx, existsSQL, model.SchemaName, model.ModelName).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking incremental target existence: %w", err)
	}
	if !exists {
		tag, err := e.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", table, compiled))
		if err != nil {
			return 0, fmt.Errorf("creating incremental target: %w", err)
		}
		return int(tag.RowsAffected()), nil
	}

	uniqueKey := model.Config.String("unique_key")
	if uniqueKey == "" {
		tag, err := e.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s %s", table, compiled))
		if err != nil {
			return 0, fmt.Errorf("appending to incremental target: %w", err)
		}
		return int(tag.RowsAffected()), nil
	}

	updateSet, err := e.incrementalUpdateSet(ctx, model, uniqueKey)
	if err != nil {
		return 0, fmt.Errorf("resolving incremental target columns: %w", err)
	}
	upsertSQL := fmt.Sprintf(`
WITH incremental_source AS (%s)
INSERT INTO %s SELECT * FROM incremental_source
ON CONFLICT (%q) DO UPDATE SET %s
`, compiled, table, uniqueKey, updateSet)
	tag, err := e.db.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, fmt.Errorf("upserting incremental target: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// incrementalUpdateSet builds the "col = EXCLUDED.col, ..." SET clause for
// an incremental upsert, refreshing every column but the conflict key
// itself (§4.5's "upsert on that key"). The compiled SELECT's column list
// isn't known until it runs, so this introspects the already-materialized
// target table's columns instead.
func (e *Executor) incrementalUpdateSet(ctx context.Context, model Model, uniqueKey string) (string, error) {
	columnsSQL := `SELECT column_name FROM information_schema.columns WHERE table_schema=$1 AND table_name=$2 ORDER BY ordinal_position`
	rows, err := e.db.Query(ctx, columnsSQL, model.SchemaName, model.ModelName)
	if err != nil {
		return "", fmt.Errorf("listing incremental target columns: %w", err)
	}
	defer rows.Close()

	var set string
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return "", fmt.Errorf("scanning incremental target column: %w", err)
		}
		if column == uniqueKey {
			continue
		}
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%q = EXCLUDED.%q", column, column)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating incremental target columns: %w", err)
	}
	if set == "" {
		return "", fmt.Errorf("incremental target %s.%s has no columns besides unique_key %q", model.SchemaName, model.ModelName, uniqueKey)
	}
	return set, nil
}

// RunTests executes every active Test attached to model, returning one
// TestResult per test. Tests with Severity ERROR that fail should abort the
// model run per model config; this function only reports outcomes and
// leaves that policy decision to the caller.
func (e *Executor) RunTests(ctx context.Context, model Model, tests []Test, runID string) []TestResult {
	results := make([]TestResult, 0, len(tests))
	for _, test := range tests {
		if !test.Active {
			continue
		}
		results = append(results, e.runTest(ctx, test, model, runID))
	}
	return results
}

func (e *Executor) runTest(ctx context.Context, test Test, model Model, runID string) TestResult {
	started := time.Now()
	sql, err := generateTestSQL(test, model)
	result := TestResult{TestName: test.TestName, ModelName: model.ModelName, TestType: test.TestType, RunID: runID}
	if err != nil {
		result.Status = "ERROR"
		result.ErrorMessage = err.Error()
		return result
	}

	var failingRows int
	if err := e.db.QueryRow(ctx, sql).Scan(&failingRows); err != nil {
		result.Status = "ERROR"
		result.ErrorMessage = err.Error()
		result.ExecutionTimeSeconds = time.Since(started).Seconds()
		return result
	}

	result.RowsAffected = failingRows
	result.ExecutionTimeSeconds = time.Since(started).Seconds()
	if failingRows == 0 {
		result.Status = "PASS"
	} else {
		result.Status = "FAIL"
		result.ErrorMessage = fmt.Sprintf("%d row(s) failed the assertion", failingRows)
	}
	return result
}

// generateTestSQL builds a COUNT(*) query returning the number of rows that
// violate the test's assertion (zero rows == pass).
func generateTestSQL(test Test, model Model) (string, error) {
	table := qualifiedTable(model.SchemaName, model.ModelName)
	switch test.TestType {
	case TestNotNull:
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %q IS NULL", table, test.ColumnName), nil
	case TestUnique:
		return fmt.Sprintf(
			"SELECT COUNT(*) FROM (SELECT %q FROM %s GROUP BY %q HAVING COUNT(*) > 1) dup",
			test.ColumnName, table, test.ColumnName,
		), nil
	case TestRelationships:
		var cfg struct {
			To    string `json:"to"`
			Field string `json:"field"`
		}
		if err := test.TestConfig.As(&cfg); err != nil {
			return "", fmt.Errorf("dbt: parsing relationships test config: %w", err)
		}
		return fmt.Sprintf(
			"SELECT COUNT(*) FROM %s a LEFT JOIN %q b ON a.%q = b.%q WHERE a.%q IS NOT NULL AND b.%q IS NULL",
			table, cfg.To, test.ColumnName, cfg.Field, test.ColumnName, cfg.Field,
		), nil
	case TestAcceptedValues:
		var cfg struct {
			Values []string `json:"values"`
		}
		if err := test.TestConfig.As(&cfg); err != nil {
			return "", fmt.Errorf("dbt: parsing accepted_values test config: %w", err)
		}
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %q NOT IN (%s)", table, test.ColumnName, quoteList(cfg.Values)), nil
	case TestExpression, TestCustom:
		if test.TestSQL == "" {
			return "", fmt.Errorf("dbt: test %q of type %s requires test_sql", test.TestName, test.TestType)
		}
		return fmt.Sprintf("SELECT COUNT(*) FROM (%s) failing", test.TestSQL), nil
	default:
		return "", fmt.Errorf("dbt: unknown test type %q", test.TestType)
	}
}

func quoteList(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("'%s'", v)
	}
	return out
}
