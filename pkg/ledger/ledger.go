package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// genesisHead seeds the chain before the first entry.
const genesisHead = "genesis"

// Store persists appended entries. Append is called synchronously under the
// ledger lock, so implementations see entries in sequence order.
type Store interface {
	Append(ctx context.Context, e Entry) error
}

// Ledger is the in-memory head of the audit chain, optionally backed by a
// durable Store. Sequence numbers are strictly increasing from 1.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
	store   Store
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make([]Entry, 0),
		head:    genesisHead,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithStore attaches a durable store. Entries already held in memory are
// not replayed; attach before the first append.
func (l *Ledger) WithStore(store Store) *Ledger {
	l.store = store
	return l
}

// hashInput is the canonical content covered by an entry's hash.
// The timestamp is deliberately excluded: the hash commits to what
// happened and in what order, not to when the wall clock said it did.
type hashInput struct {
	Sequence   uint64         `json:"seq"`
	Actor      string         `json:"actor"`
	Action     Action         `json:"action"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	PrevHash   string         `json:"prev"`
}

func entryHash(in hashInput) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	h := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Append adds an entry to the ledger and, if a store is attached, persists
// it before returning. Returns the assigned sequence number.
func (l *Ledger) Append(ctx context.Context, actor string, action Action, proposalID string, payload map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	hash, err := entryHash(hashInput{
		Sequence:   seq,
		Actor:      actor,
		Action:     action,
		ProposalID: proposalID,
		Payload:    payload,
		PrevHash:   l.head,
	})
	if err != nil {
		return 0, err
	}

	entry := Entry{
		Sequence:   seq,
		Actor:      actor,
		Action:     action,
		ProposalID: proposalID,
		Timestamp:  l.clock(),
		Payload:    payload,
		PrevHash:   l.head,
		Hash:       hash,
	}

	if l.store != nil {
		if err := l.store.Append(ctx, entry); err != nil {
			return 0, fmt.Errorf("persist audit entry %d: %w", seq, err)
		}
	}

	l.entries = append(l.entries, entry)
	l.head = hash
	return seq, nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	return l.entries[seq-1], nil
}

// Entries returns a copy of all entries in sequence order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify recomputes every entry hash and checks the chain links.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHead
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := entryHash(hashInput{
			Sequence:   e.Sequence,
			Actor:      e.Actor,
			Action:     e.Action,
			ProposalID: e.ProposalID,
			Payload:    e.Payload,
			PrevHash:   e.PrevHash,
		})
		if err != nil {
			return false, fmt.Sprintf("failed to rehash entry %d", i+1)
		}
		if computed != e.Hash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.Hash
	}
	return true, "chain verified"
}
