package catalog

import (
	"time"

	"github.com/dataforge/kernel/engine/core"
)

// DatabaseEngine identifies a source system kind. It is a fixed tagged
// variant rather than an interface hierarchy: dispatch is by switch, and
// adding an engine means adding a case, not a subclass.
type DatabaseEngine string

const (
	EngineMariaDB    DatabaseEngine = "mariadb"
	EngineMSSQL      DatabaseEngine = "mssql"
	EnginePostgreSQL DatabaseEngine = "postgresql"
	EngineOracle     DatabaseEngine = "oracle"
	EngineMongoDB    DatabaseEngine = "mongodb"
)

// Status is the catalog entry's sync lifecycle state.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusFullLoad          Status = "FULL_LOAD"
	StatusListeningChanges  Status = "LISTENING_CHANGES"
	StatusNoData            Status = "NO_DATA"
	StatusSkip              Status = "SKIP"
	StatusError             Status = "ERROR"
)

// validTransitions enumerates the state machine edges from §4.4. A
// transition not listed here is rejected by Entry.TransitionTo.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:          {StatusFullLoad: true, StatusSkip: true},
	StatusFullLoad:         {StatusListeningChanges: true, StatusNoData: true, StatusError: true},
	StatusListeningChanges: {StatusFullLoad: true, StatusError: true},
	StatusNoData:           {StatusListeningChanges: true, StatusError: true},
	StatusSkip:             {StatusPending: true},
	StatusError:            {StatusFullLoad: true},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge
// of the catalog status state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	edges, ok := validTransitions[from]
	return ok && edges[to]
}

// PKStrategy describes how an Entry tracks incremental progress.
type PKStrategy string

const (
	PKStrategyNumeric   PKStrategy = "numeric"
	PKStrategyTimestamp PKStrategy = "timestamp"
	PKStrategyComposite PKStrategy = "composite"
	PKStrategyNone      PKStrategy = "none"
)

// timeColumnCandidates is the fixed, ordered candidate list used to derive a
// table's time column during discovery: the first matching
// column name wins.
var timeColumnCandidates = []string{
	"updated_at",
	"modified_at",
	"last_modified",
	"updated_time",
	"created_at",
	"created_time",
	"timestamp",
}

// DetectTimeColumn returns the first candidate present in columns, or "" if
// none match.
func DetectTimeColumn(columns []string) string {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	for _, candidate := range timeColumnCandidates {
		if present[candidate] {
			return candidate
		}
	}
	return ""
}

// Entry is a catalog entry: the per-(schema, table, engine) sync-state
// record that drives discovery, transfer, and hygiene.
type Entry struct {
	ID               int64          `db:"id,pk"`
	Schema           string         `db:"schema_name"`
	Table            string         `db:"table_name"`
	Engine           DatabaseEngine `db:"db_engine"`
	ConnectionString string         `db:"connection_string"`
	Status           Status         `db:"status"`
	LastSyncColumn   string         `db:"last_sync_column"`
	PKColumns        core.JSON      `db:"pk_columns"`
	PKStrategy       PKStrategy     `db:"pk_strategy"`
	HasPK            bool           `db:"has_pk"`
	TableSize        int64          `db:"table_size"`
	ClusterName      string         `db:"cluster_name"`
	Active           bool           `db:"active"`
	LastProcessedPK  string         `db:"last_processed_pk"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// TransitionTo moves the entry to status 'to', returning a KindInvalid error
// if the edge is not part of the state machine.
func (e *Entry) TransitionTo(to Status) error {
	if !CanTransition(e.Status, to) {
		return core.NewError(
			core.KindInvalid,
			"illegal catalog status transition: "+string(e.Status)+" -> "+string(to),
			nil,
		)
	}
	e.Status = to
	return nil
}

// TableIdentity uniquely names a catalog entry's source location.
type TableIdentity struct {
	Schema string
	Table  string
	Engine DatabaseEngine
}

// TableMetadata is what a per-engine Capability.DiscoverTables call returns
// per discovered table, before it is merged into (or inserted as) an Entry.
type TableMetadata struct {
	Identity    TableIdentity
	Columns     []string
	PKColumns   []string
	RowEstimate int64
}
