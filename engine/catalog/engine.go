package catalog

import (
	"context"
	"fmt"
)

// Capability is the per-engine surface the catalog manager dispatches to by
// DatabaseEngine tag. Each concrete engine (MariaDB, MSSQL, PostgreSQL,
// Oracle, MongoDB) implements this once; adding support for a new source
// means adding a case to NewCapability, not growing a class hierarchy.
type Capability interface {
	// DiscoverTables enumerates tables reachable from connectionString.
	DiscoverTables(ctx context.Context, connectionString string) ([]TableMetadata, error)
	// DetectPrimaryKey returns the primary key columns (possibly empty) for
	// the named table.
	DetectPrimaryKey(ctx context.Context, connectionString string, table TableIdentity) ([]string, error)
	// ColumnCounts returns the number of columns a table currently has, used
	// by the schema-drift check in catalog hygiene.
	ColumnCounts(ctx context.Context, connectionString string, table TableIdentity) (int, error)
	// ResolveClusterName derives a human-facing cluster label for
	// connectionString (e.g. a DSN host, a replica-set name).
	ResolveClusterName(ctx context.Context, connectionString string) (string, error)
}

// NewCapability returns the Capability implementation for engine. An
// unrecognized engine tag is a configuration error, not a panic: catalog
// rows with bad engine values should fail loudly but not crash the process.
func NewCapability(engine DatabaseEngine) (Capability, error) {
	switch engine {
	case EngineMariaDB:
		return &mariaDBCapability{sqlCapability{engine: engine}}, nil
	case EngineMSSQL:
		return &mssqlCapability{sqlCapability{engine: engine}}, nil
	case EnginePostgreSQL:
		return &postgresCapability{sqlCapability{engine: engine}}, nil
	case EngineOracle:
		return &oracleCapability{sqlCapability{engine: engine}}, nil
	case EngineMongoDB:
		return &mongoCapability{sqlCapability{engine: engine}}, nil
	default:
		return nil, fmt.Errorf("catalog: unknown database engine %q", engine)
	}
}

// DetectTimeColumnFor is a convenience wrapper combining DiscoverTables'
// column list with the shared candidate-list detector, so callers don't need
// a separate discovery round trip just to find the time column.
func DetectTimeColumnFor(columns []string) string {
	return DetectTimeColumn(columns)
}
