package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists the audit chain via database/sql. It works with both
// SQLite and Postgres through standard drivers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence INTEGER PRIMARY KEY,
	intent_hash TEXT NOT NULL,
	decision_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	ts TIMESTAMP NOT NULL
);
`

// Init creates the audit table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

// Put implements Store. The primary key rejects duplicate sequences.
func (s *SQLStore) Put(ctx context.Context, e AuditEntry) error {
	const query = `
		INSERT INTO audit_entries (sequence, intent_hash, decision_hash, prev_hash, chain_hash, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.IntentHash, e.DecisionHash, e.PrevHash, e.ChainHash, e.Timestamp,
	)
	return err
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, seq uint64) (*AuditEntry, error) {
	const query = `
		SELECT sequence, intent_hash, decision_hash, prev_hash, chain_hash, ts
		FROM audit_entries WHERE sequence = $1
	`
	row := s.db.QueryRowContext(ctx, query, seq)

	var e AuditEntry
	err := row.Scan(&e.Sequence, &e.IntentHash, &e.DecisionHash, &e.PrevHash, &e.ChainHash, &e.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
		}
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) scanRange(rows *sql.Rows) ([]AuditEntry, error) {
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Sequence, &e.IntentHash, &e.DecisionHash, &e.PrevHash, &e.ChainHash, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Range implements Store.
func (s *SQLStore) Range(ctx context.Context, from, to uint64) ([]AuditEntry, error) {
	const query = `
		SELECT sequence, intent_hash, decision_hash, prev_hash, chain_hash, ts
		FROM audit_entries WHERE sequence >= $1 AND sequence <= $2
		ORDER BY sequence
	`
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	return s.scanRange(rows)
}

// RangeByTime implements Store.
func (s *SQLStore) RangeByTime(ctx context.Context, from, to time.Time) ([]AuditEntry, error) {
	const query = `
		SELECT sequence, intent_hash, decision_hash, prev_hash, chain_hash, ts
		FROM audit_entries WHERE ts >= $1 AND ts <= $2
		ORDER BY sequence
	`
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	return s.scanRange(rows)
}

// Head implements Store.
func (s *SQLStore) Head(ctx context.Context) (uint64, string, error) {
	const query = `
		SELECT sequence, chain_hash FROM audit_entries
		ORDER BY sequence DESC LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query)

	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, GenesisSeed, nil
		}
		return 0, "", err
	}
	return seq, hash, nil
}
