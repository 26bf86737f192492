// Package transfer implements the per-engine data transfer cycle: reading
// source rows in bounded chunks and upserting them into their Postgres
// target table, tracking progress through catalog.Entry so a restart
// resumes instead of re-copying.
package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/dataforge/kernel/engine/catalog"
)

// Row is one source record, keyed by column name. Source column types vary
// per engine (MariaDB, MSSQL, Oracle, MongoDB all have their own type
// systems); Row keeps the transfer path generic instead of growing a
// per-engine typed row struct.
type Row map[string]any

// Reader is the per-engine source-read surface a driver must provide to
// participate in data transfer. It complements catalog.Driver's
// introspection surface (which answers "what tables exist") with the actual
// row access transfer needs ("give me the next chunk").
type Reader interface {
	// FetchChunk returns up to limit rows from table, ordered by pkColumn,
	// starting strictly after the cursor in after (empty after means start
	// from the beginning). It reports the cursor value of the last row
	// returned and whether more rows remain beyond this chunk.
	FetchChunk(
		ctx context.Context,
		connectionString string,
		table catalog.TableIdentity,
		pkColumn string,
		after string,
		limit int,
	) (rows []Row, lastCursor string, more bool, err error)
}

var (
	readerRegistryMu sync.RWMutex
	readerRegistry   = map[catalog.DatabaseEngine]Reader{}
)

// RegisterReader installs the Reader used for engine. Call during process
// startup for every source engine actually configured; an engine without a
// registered reader fails its transfer cycle with a clear error instead of
// silently doing nothing.
func RegisterReader(engine catalog.DatabaseEngine, reader Reader) {
	readerRegistryMu.Lock()
	defer readerRegistryMu.Unlock()
	readerRegistry[engine] = reader
}

func registeredReader(engine catalog.DatabaseEngine) (Reader, error) {
	readerRegistryMu.RLock()
	defer readerRegistryMu.RUnlock()
	r := readerRegistry[engine]
	if r == nil {
		return nil, fmt.Errorf("transfer: no reader registered for engine %q", engine)
	}
	return r, nil
}
