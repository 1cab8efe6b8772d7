package occ

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLTable is a durable VersionTable over database/sql. It works with both
// SQLite and Postgres through standard drivers; the version table is one of
// the two pieces of durable state the core owns.
type SQLTable struct {
	db *sql.DB
}

// NewSQLTable wraps an open database handle.
func NewSQLTable(db *sql.DB) *SQLTable {
	return &SQLTable{db: db}
}

const versionSchema = `
CREATE TABLE IF NOT EXISTS resource_versions (
	key TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
`

// Init creates the version table if it does not exist.
func (t *SQLTable) Init(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, versionSchema)
	return err
}

// Versions implements VersionTable.
func (t *SQLTable) Versions(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	for _, k := range keys {
		out[k] = 0
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = k
	}
	query := fmt.Sprintf(
		`SELECT key, version FROM resource_versions WHERE key IN (%s)`,
		strings.Join(placeholders, ", "),
	)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("occ: version query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var version uint64
		if err := rows.Scan(&key, &version); err != nil {
			return nil, err
		}
		out[key] = version
	}
	return out, rows.Err()
}

// Bump implements VersionTable. All keys advance in one transaction.
func (t *SQLTable) Bump(ctx context.Context, keys []string) (map[string]uint64, error) {
	previous, err := t.Versions(ctx, keys)
	if err != nil {
		return nil, err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("occ: bump begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
		INSERT INTO resource_versions (key, version) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET version = resource_versions.version + 1
	`
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, upsert, k); err != nil {
			return nil, fmt.Errorf("occ: bump %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("occ: bump commit: %w", err)
	}
	return previous, nil
}

// Restore implements VersionTable.
func (t *SQLTable) Restore(ctx context.Context, previous map[string]uint64) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("occ: restore begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range previous {
		if v == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM resource_versions WHERE key = $1`, k); err != nil {
				return fmt.Errorf("occ: restore delete %s: %w", k, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE resource_versions SET version = $1 WHERE key = $2`, v, k); err != nil {
			return fmt.Errorf("occ: restore %s: %w", k, err)
		}
	}
	return tx.Commit()
}
