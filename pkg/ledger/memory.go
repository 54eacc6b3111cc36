package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
)

// Memory is an in-process ledger. It is NOT durable: every record is lost when
// the process exits, so it is only fit for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records map[bridge.RelayKey]*bridge.RelayRecord
}

// NewMemory creates an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[bridge.RelayKey]*bridge.RelayRecord)}
}

func (m *Memory) IsProcessed(_ context.Context, role bridge.ChainRole, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[bridge.RelayKey{Role: role, Nonce: nonce}]
	return ok, nil
}

func (m *Memory) TryBegin(_ context.Context, ev *bridge.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ev.Key()
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = bridge.NewPendingRecord(ev, now())
	return true, nil
}

func (m *Memory) RecordAttempt(_ context.Context, role bridge.ChainRole, nonce uint64, txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bridge.RelayKey{Role: role, Nonce: nonce}]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != bridge.StatusPending {
		return invalidTransition(role, nonce, rec.Status, bridge.StatusPending)
	}
	rec.AttemptCount++
	rec.TargetTxHash = &txHash
	rec.UpdatedAt = now()
	return nil
}

func (m *Memory) Complete(_ context.Context, role bridge.ChainRole, nonce uint64, out bridge.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bridge.RelayKey{Role: role, Nonce: nonce}]
	if !ok {
		return ErrNotFound
	}
	if !rec.Status.CanTransitionTo(out.Status) {
		return invalidTransition(role, nonce, rec.Status, out.Status)
	}
	return out.Apply(rec, now())
}

func (m *Memory) Get(_ context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bridge.RelayKey{Role: role, Nonce: nonce}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*bridge.RelayRecord, error) {
	m.mu.Lock()
	out := make([]*bridge.RelayRecord, 0)
	for _, rec := range m.records {
		if f.match(rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.Unlock()

	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[bridge.RelayStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[bridge.RelayStatus]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (m *Memory) Reclaim(_ context.Context, role bridge.ChainRole, nonce uint64, olderThan time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bridge.RelayKey{Role: role, Nonce: nonce}]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != bridge.StatusPending || !rec.UpdatedAt.Before(olderThan) {
		return false, nil
	}
	rec.UpdatedAt = now()
	return true, nil
}

func (m *Memory) Redrive(_ context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[bridge.RelayKey{Role: role, Nonce: nonce}]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != bridge.StatusFailed {
		return nil, invalidTransition(role, nonce, rec.Status, bridge.StatusPending)
	}
	rec.Status = bridge.StatusPending
	rec.TargetTxHash = nil
	rec.UpdatedAt = now()
	return rec.Clone(), nil
}

func (m *Memory) Close() error { return nil }

func sortRecords(recs []*bridge.RelayRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.Nonce < b.Nonce
	})
}
