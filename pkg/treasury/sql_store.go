package treasury

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store using database/sql. It supports both Postgres
// and SQLite via standard drivers; both accept $N placeholders and
// ON CONFLICT upserts.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db and creates the treasury tables if missing.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	ctx := context.Background()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS treasury (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			balance  BIGINT NOT NULL,
			reserved BIGINT NOT NULL,
			paused   BOOLEAN NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id            TEXT PRIMARY KEY,
			proposer      TEXT NOT NULL,
			target        TEXT NOT NULL,
			amount        BIGINT NOT NULL,
			created_at    TIMESTAMP NOT NULL,
			expires_at    TIMESTAMP NOT NULL,
			confirmations TEXT NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate treasury store: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) SaveTreasury(ctx context.Context, row TreasuryRow) error {
	query := `
		INSERT INTO treasury (id, balance, reserved, paused)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			balance  = EXCLUDED.balance,
			reserved = EXCLUDED.reserved,
			paused   = EXCLUDED.paused
	`
	if _, err := s.db.ExecContext(ctx, query, row.Balance, row.Reserved, row.Paused); err != nil {
		return fmt.Errorf("save treasury row: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveProposal(ctx context.Context, p Proposal) error {
	confirmations, err := json.Marshal(p.Confirmations)
	if err != nil {
		return fmt.Errorf("marshal confirmations: %w", err)
	}
	query := `
		INSERT INTO proposals (id, proposer, target, amount, created_at, expires_at, confirmations, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			confirmations = EXCLUDED.confirmations,
			status        = EXCLUDED.status
	`
	if _, err := s.db.ExecContext(ctx, query,
		p.ID, string(p.Proposer), p.Target, p.Amount, p.CreatedAt, p.ExpiresAt, string(confirmations), string(p.Status),
	); err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadTreasury(ctx context.Context) (TreasuryRow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT balance, reserved, paused FROM treasury WHERE id = 1`)

	var t TreasuryRow
	err := row.Scan(&t.Balance, &t.Reserved, &t.Paused)
	if errors.Is(err, sql.ErrNoRows) {
		return TreasuryRow{}, false, nil
	}
	if err != nil {
		return TreasuryRow{}, false, fmt.Errorf("load treasury row: %w", err)
	}
	return t, true, nil
}

func (s *SQLStore) LoadProposals(ctx context.Context) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposer, target, amount, created_at, expires_at, confirmations, status
		FROM proposals
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Proposal
	for rows.Next() {
		var (
			p             Proposal
			proposer      string
			status        string
			confirmations string
		)
		if err := rows.Scan(&p.ID, &proposer, &p.Target, &p.Amount, &p.CreatedAt, &p.ExpiresAt, &confirmations, &status); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.Proposer = Role(proposer)
		p.Status = Status(status)
		if err := json.Unmarshal([]byte(confirmations), &p.Confirmations); err != nil {
			return nil, fmt.Errorf("decode confirmations for %s: %w", p.ID, err)
		}
		if p.Confirmations == nil {
			p.Confirmations = make(map[Role]time.Time)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
