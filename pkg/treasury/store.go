package treasury

import (
	"context"
	"sync"
)

// TreasuryRow is the persisted singleton treasury record.
type TreasuryRow struct {
	Balance  int64
	Reserved int64
	Paused   bool
}

// Store persists the treasury row and the proposal arena. Writes happen
// synchronously under the engine lock, so implementations never see two
// conflicting writers for the same deployment.
type Store interface {
	SaveTreasury(ctx context.Context, row TreasuryRow) error
	SaveProposal(ctx context.Context, p Proposal) error
	LoadTreasury(ctx context.Context) (TreasuryRow, bool, error)
	LoadProposals(ctx context.Context) ([]Proposal, error)
}

// MemoryStore implements Store in memory. Thread-safe via RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	row       TreasuryRow
	hasRow    bool
	proposals map[string]Proposal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]Proposal)}
}

func (s *MemoryStore) SaveTreasury(ctx context.Context, row TreasuryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row = row
	s.hasRow = true
	return nil
}

func (s *MemoryStore) SaveProposal(ctx context.Context, p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = *p.clone()
	return nil
}

func (s *MemoryStore) LoadTreasury(ctx context.Context) (TreasuryRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.row, s.hasRow, nil
}

func (s *MemoryStore) LoadProposals(ctx context.Context) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, *p.clone())
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
