// Package ledger is the durable record of which bridge events have been relayed.
// Every backend enforces at most one record per (role, nonce).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
)

var (
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = apperrors.ResourceNotFoundError(errors.New("no such record"), "relay record not found")
	// ErrInvalidTransition is returned when a status change would break monotonicity.
	ErrInvalidTransition = errors.New("invalid relay status transition")
)

// Ledger tracks relay records keyed by (role, nonce).
type Ledger interface {
	// IsProcessed reports whether a record exists for the key, whatever its status.
	IsProcessed(ctx context.Context, role bridge.ChainRole, nonce uint64) (bool, error)
	// TryBegin atomically creates a pending record for ev. It returns false if
	// any record already exists for (ev.Role, ev.Nonce).
	TryBegin(ctx context.Context, ev *bridge.Event) (bool, error)
	// RecordAttempt notes a signed transaction about to be broadcast for a pending record.
	RecordAttempt(ctx context.Context, role bridge.ChainRole, nonce uint64, txHash common.Hash) error
	// Complete moves a record to the outcome's status.
	Complete(ctx context.Context, role bridge.ChainRole, nonce uint64, out bridge.Outcome) error
	// Get returns one record.
	Get(ctx context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error)
	// List returns records matching the filter, oldest first.
	List(ctx context.Context, f Filter) ([]*bridge.RelayRecord, error)
	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[bridge.RelayStatus]int, error)
	// Reclaim refreshes updated_at of a pending record last touched before
	// olderThan. Only one of several concurrent callers gets true.
	Reclaim(ctx context.Context, role bridge.ChainRole, nonce uint64, olderThan time.Time) (bool, error)
	// Redrive moves a failed record back to pending and clears its target hash.
	Redrive(ctx context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error)
	Close() error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Role          bridge.ChainRole
	Status        bridge.RelayStatus
	UpdatedBefore time.Time
	Limit         int
}

func (f Filter) match(r *bridge.RelayRecord) bool {
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func invalidTransition(role bridge.ChainRole, nonce uint64, from, to bridge.RelayStatus) error {
	return fmt.Errorf("%w: %s/%d %s -> %s", ErrInvalidTransition, role, nonce, from, to)
}

func now() time.Time {
	return time.Now().UTC()
}
