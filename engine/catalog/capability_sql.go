package catalog

import (
	"context"
	"fmt"
	"sync"
)

// Concrete per-engine drivers are out of scope here: the external driver
// surface is treated as an interface the core consumes, not something it
// implements. sqlCapability implements the engine-agnostic parts of
// Capability — the bookkeeping the kernel genuinely owns, like
// assembling TableMetadata and deriving cluster names from the connection
// string grammar (§6) — and delegates raw introspection to a caller-
// registered Driver, so the kernel compiles and runs against a real source
// without embedding driver-specific SQL dialects.

// Driver is the minimal source-introspection surface a concrete database
// driver must provide. Wiring a new engine means registering a Driver, not
// reimplementing discovery bookkeeping.
type Driver interface {
	ListTables(ctx context.Context, connectionString string) ([]TableIdentity, error)
	ListColumns(ctx context.Context, connectionString string, table TableIdentity) ([]string, error)
	ListPrimaryKey(ctx context.Context, connectionString string, table TableIdentity) ([]string, error)
	EstimateRowCount(ctx context.Context, connectionString string, table TableIdentity) (int64, error)
}

var (
	driverRegistryMu sync.RWMutex
	driverRegistry   = map[DatabaseEngine]Driver{}
)

// RegisterDriver installs the Driver used for engine. Call during process
// startup for every source engine actually configured in the catalog;
// engines without a registered driver still discover via their capability's
// engine-agnostic parts but fail DiscoverTables/DetectPrimaryKey/ColumnCounts
// with a clear error instead of touching a source.
func RegisterDriver(engine DatabaseEngine, driver Driver) {
	driverRegistryMu.Lock()
	defer driverRegistryMu.Unlock()
	driverRegistry[engine] = driver
}

func registeredDriver(engine DatabaseEngine) Driver {
	driverRegistryMu.RLock()
	defer driverRegistryMu.RUnlock()
	return driverRegistry[engine]
}

type sqlCapability struct {
	engine DatabaseEngine
}

func (c *sqlCapability) driver() (Driver, error) {
	d := registeredDriver(c.engine)
	if d == nil {
		return nil, fmt.Errorf("catalog: no driver registered for engine %q", c.engine)
	}
	return d, nil
}

func (c *sqlCapability) DiscoverTables(ctx context.Context, connectionString string) ([]TableMetadata, error) {
	driver, err := c.driver()
	if err != nil {
		return nil, err
	}
	tables, err := driver.ListTables(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("catalog: list tables (%s): %w", c.engine, err)
	}
	result := make([]TableMetadata, 0, len(tables))
	for _, t := range tables {
		columns, err := driver.ListColumns(ctx, connectionString, t)
		if err != nil {
			return nil, fmt.Errorf("catalog: list columns (%s.%s): %w", t.Schema, t.Table, err)
		}
		pk, err := driver.ListPrimaryKey(ctx, connectionString, t)
		if err != nil {
			return nil, fmt.Errorf("catalog: list primary key (%s.%s): %w", t.Schema, t.Table, err)
		}
		rows, err := driver.EstimateRowCount(ctx, connectionString, t)
		if err != nil {
			rows = 0
		}
		result = append(result, TableMetadata{
			Identity:    t,
			Columns:     columns,
			PKColumns:   pk,
			RowEstimate: rows,
		})
	}
	return result, nil
}

func (c *sqlCapability) DetectPrimaryKey(
	ctx context.Context,
	connectionString string,
	table TableIdentity,
) ([]string, error) {
	driver, err := c.driver()
	if err != nil {
		return nil, err
	}
	pk, err := driver.ListPrimaryKey(ctx, connectionString, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: detect primary key (%s): %w", c.engine, err)
	}
	return pk, nil
}

func (c *sqlCapability) ColumnCounts(
	ctx context.Context,
	connectionString string,
	table TableIdentity,
) (int, error) {
	driver, err := c.driver()
	if err != nil {
		return 0, err
	}
	columns, err := driver.ListColumns(ctx, connectionString, table)
	if err != nil {
		return 0, fmt.Errorf("catalog: column counts (%s): %w", c.engine, err)
	}
	return len(columns), nil
}

func (c *sqlCapability) ResolveClusterName(ctx context.Context, connectionString string) (string, error) {
	_ = ctx
	return ResolveClusterName(connectionString, c.engine)
}

type mariaDBCapability struct{ sqlCapability }
type mssqlCapability struct{ sqlCapability }
type postgresCapability struct{ sqlCapability }
type oracleCapability struct{ sqlCapability }
type mongoCapability struct{ sqlCapability }
