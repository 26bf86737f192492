// Package dbt implements the SQL transformation executor: model compilation
// (macro/ref/source expansion), materialization, testing, documentation, and
// lineage tracking.
package dbt

import "github.com/dataforge/kernel/engine/core"

// Materialization controls how a model's compiled SQL is persisted.
type Materialization string

const (
	MaterializationTable       Materialization = "TABLE"
	MaterializationView        Materialization = "VIEW"
	MaterializationIncremental Materialization = "INCREMENTAL"
	MaterializationEphemeral   Materialization = "EPHEMERAL"
)

// TestType identifies a built-in or custom model test.
type TestType string

const (
	TestNotNull        TestType = "NOT_NULL"
	TestUnique         TestType = "UNIQUE"
	TestRelationships  TestType = "RELATIONSHIPS"
	TestAcceptedValues TestType = "ACCEPTED_VALUES"
	TestExpression     TestType = "EXPRESSION"
	TestCustom         TestType = "CUSTOM"
)

// TestSeverity controls whether a failing test blocks the model run.
type TestSeverity string

const (
	SeverityError TestSeverity = "ERROR"
	SeverityWarn  TestSeverity = "WARN"
)

// Column documents one column of a model or source.
type Column struct {
	Name        string    `db:"name" json:"name"`
	DataType    string    `db:"data_type" json:"data_type"`
	Description string    `db:"description" json:"description"`
	Tests       core.JSON `db:"tests" json:"tests"`
}

// Test is a data-quality assertion attached to a model.
type Test struct {
	ID          int64        `db:"id,pk"`
	TestName    string       `db:"test_name"`
	ModelName   string       `db:"model_name"`
	TestType    TestType     `db:"test_type"`
	ColumnName  string       `db:"column_name"`
	TestConfig  core.JSON    `db:"test_config"`
	TestSQL     string       `db:"test_sql"`
	Description string       `db:"description"`
	Severity    TestSeverity `db:"severity"`
	Active      bool         `db:"active"`
}

// TestResult records one execution of a Test.
type TestResult struct {
	ID                   int64     `db:"id,pk"`
	TestName             string    `db:"test_name"`
	ModelName            string    `db:"model_name"`
	TestType             TestType  `db:"test_type"`
	Status               string    `db:"status"` // PASS | FAIL | ERROR
	ErrorMessage         string    `db:"error_message"`
	RowsAffected         int       `db:"rows_affected"`
	ExecutionTimeSeconds float64   `db:"execution_time_seconds"`
	RunID                string    `db:"run_id"`
}

// Documentation is a single documentation entry attached to a model.
type Documentation struct {
	ID         int64  `db:"id,pk"`
	ModelName  string `db:"model_name"`
	DocType    string `db:"doc_type"`
	DocKey     string `db:"doc_key"`
	DocContent string `db:"doc_content"`
	DocFormat  string `db:"doc_format"`
}

// Lineage is a single source->target edge discovered by compiling a model.
type Lineage struct {
	ID                 int64  `db:"id,pk"`
	SourceModel        string `db:"source_model"`
	TargetModel        string `db:"target_model"`
	SourceColumn       string `db:"source_column"`
	TargetColumn       string `db:"target_column"`
	TransformationType string `db:"transformation_type"`
	TransformationSQL  string `db:"transformation_sql"`
}

// Macro is a named, parameterized SQL snippet reusable across models via
// `{{ macro_name(args...) }}`.
type Macro struct {
	ID          int64     `db:"id,pk"`
	MacroName   string    `db:"macro_name"`
	MacroSQL    string    `db:"macro_sql"`
	Parameters  core.JSON `db:"parameters"`
	Description string    `db:"description"`
	ReturnType  string    `db:"return_type"`
	Active      bool      `db:"active"`
}

// Source documents an external table a model may reference via
// `{{ source(name, table) }}`.
type Source struct {
	ID               int64  `db:"id,pk"`
	SourceName       string `db:"source_name"`
	DatabaseName     string `db:"database_name"`
	SchemaName       string `db:"schema_name"`
	TableName        string `db:"table_name"`
	ConnectionString string `db:"connection_string"`
	Active           bool   `db:"active"`
}

// Model is a single SQL transformation: its raw templated SQL, dependency
// list, materialization, and attached tests/docs.
type Model struct {
	ID              int64           `db:"id,pk"`
	ModelName       string          `db:"model_name"`
	Materialization Materialization `db:"materialization"`
	SchemaName      string          `db:"schema_name"`
	DatabaseName    string          `db:"database_name"`
	SQLContent      string          `db:"sql_content"`
	Config          core.JSON       `db:"config"`
	Description     string          `db:"description"`
	DependsOn       []string        `db:"depends_on"`
	Columns         []Column        `db:"-"`
	Version         int             `db:"version"`
	Active          bool            `db:"active"`
	LastRunStatus   string          `db:"last_run_status"`
	LastRunRows     int             `db:"last_run_rows"`
}

// Run records a single execution of a model.
type Run struct {
	ID                   int64           `db:"id,pk"`
	ModelName            string          `db:"model_name"`
	RunID                string          `db:"run_id"`
	Status               string          `db:"status"`
	Materialization      Materialization `db:"materialization"`
	DurationSeconds      float64         `db:"duration_seconds"`
	RowsAffected         int             `db:"rows_affected"`
	ErrorMessage         string          `db:"error_message"`
	CompiledSQL          string          `db:"compiled_sql"`
}
