package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLStore persists audit entries via database/sql. It works against both
// Postgres and SQLite with standard drivers; both accept $N placeholders.
// The audit table is append-only: rows are inserted, never updated.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db and creates the audit table if missing.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence    BIGINT PRIMARY KEY,
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		proposal_id TEXT NOT NULL DEFAULT '',
		timestamp   TIMESTAMP NOT NULL,
		payload     TEXT NOT NULL DEFAULT '{}',
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts an entry. A duplicate sequence number means something is
// trying to rewrite history and is rejected as ErrMutationAttempt.
func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `
		INSERT INTO audit_entries (sequence, actor, action, proposal_id, timestamp, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.Actor, string(e.Action), e.ProposalID, e.Timestamp, string(payload), e.PrevHash, e.Hash,
	); err != nil {
		var exists bool
		row := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit_entries WHERE sequence = $1)`, e.Sequence)
		if scanErr := row.Scan(&exists); scanErr == nil && exists {
			return fmt.Errorf("%w: sequence %d", ErrMutationAttempt, e.Sequence)
		}
		return fmt.Errorf("insert audit entry %d: %w", e.Sequence, err)
	}
	return nil
}

// List returns up to limit entries in sequence order, starting at afterSeq+1.
func (s *SQLStore) List(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT sequence, actor, action, proposal_id, timestamp, payload, prev_hash, hash
		FROM audit_entries
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			action  string
			payload string
		)
		if err := rows.Scan(&e.Sequence, &e.Actor, &action, &e.ProposalID, &e.Timestamp, &payload, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = Action(action)
		if payload != "" && payload != "{}" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for entry %d: %w", e.Sequence, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry at seq.
func (s *SQLStore) Get(ctx context.Context, seq uint64) (Entry, error) {
	entries, err := s.List(ctx, seq-1, 1)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 || entries[0].Sequence != seq {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	return entries[0], nil
}

// Replay loads every persisted entry into a fresh in-memory ledger and
// verifies the chain. Used at daemon start to resume an existing deployment.
func (s *SQLStore) Replay(ctx context.Context) (*Ledger, error) {
	l := New()
	var after uint64
	for {
		batch, err := s.List(ctx, after, 500)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if e.Sequence != uint64(len(l.entries))+1 {
				return nil, fmt.Errorf("%w: gap before sequence %d", ErrChainBroken, e.Sequence)
			}
			l.entries = append(l.entries, e)
			l.head = e.Hash
			after = e.Sequence
		}
	}
	if ok, reason := l.Verify(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainBroken, reason)
	}
	// Writes resume against this store.
	l.store = s
	return l, nil
}

var _ Store = (*SQLStore)(nil)
