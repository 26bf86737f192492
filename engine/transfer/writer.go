package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Target tables mirror source rows as JSONB documents rather than mapping
// every source column into its own Postgres column: source column types
// vary per engine (MariaDB, MSSQL, Oracle, MongoDB documents) and the
// catalog only knows column names, not portable SQL types. A synthetic
// source_key carries the cursor value so repeated chunks upsert instead of
// duplicating rows.
const createTargetTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	source_key TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	synced_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(strings.ToLower(ident), `"`, `""`) + `"`
}

func qualifiedTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func (s *Service) ensureTargetTable(ctx context.Context, schema, table string) error {
	schemaSQL := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create target schema: %w", err)
	}
	tableSQL := fmt.Sprintf(createTargetTableSQL, qualifiedTable(schema, table))
	_, err := s.db.Exec(ctx, tableSQL)
	return err
}

// upsertRows ensures schema.table exists, then upserts each row keyed by
// its cursorColumn value (falling back to a content hash when the column
// is absent from the row, e.g. a dropped column mid-transfer).
func (s *Service) upsertRows(ctx context.Context, schema, table string, rows []Row, cursorColumn string) error {
	if err := s.ensureTargetTable(ctx, schema, table); err != nil {
		return fmt.Errorf("ensure target table: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (source_key, payload, synced_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source_key) DO UPDATE SET payload = EXCLUDED.payload, synced_at = EXCLUDED.synced_at
	`, qualifiedTable(schema, table))

	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		key := rowKey(row, cursorColumn)
		if _, err := tx.Exec(ctx, upsertSQL, key, payload); err != nil {
			return fmt.Errorf("upsert row %q: %w", key, err)
		}
	}
	return tx.Commit(ctx)
}

func rowKey(row Row, cursorColumn string) string {
	if v, ok := row[cursorColumn]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	b, _ := json.Marshal(row)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
