// Package bridge holds the domain types shared by the scanner, the relay ledger
// and the dispatcher.
package bridge

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainRole identifies one side of the bridge.
type ChainRole string

const (
	RoleSource      ChainRole = "source"
	RoleDestination ChainRole = "destination"
)

// Roles returns both roles in a stable order.
func Roles() []ChainRole {
	return []ChainRole{RoleSource, RoleDestination}
}

// ParseRole converts a CLI/config string into a ChainRole.
func ParseRole(s string) (ChainRole, error) {
	r := ChainRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown chain role %q (want source or destination)", s)
	}
	return r, nil
}

// Valid reports whether r is one of the two known roles.
func (r ChainRole) Valid() bool {
	return r == RoleSource || r == RoleDestination
}

// Opposite returns the role a relay for an event observed on r targets.
func (r ChainRole) Opposite() ChainRole {
	if r == RoleSource {
		return RoleDestination
	}
	return RoleSource
}

// EventKind returns the domain event emitted by the contract on this role.
func (r ChainRole) EventKind() EventKind {
	if r == RoleSource {
		return KindDeposit
	}
	return KindUnwrap
}

func (r ChainRole) String() string { return string(r) }

// EventKind is the name of the contract event the warden watches.
type EventKind string

const (
	KindDeposit EventKind = "Deposit"
	KindUnwrap  EventKind = "Unwrap"
)

// TargetMethod is the contract method called on the opposite chain for this event kind.
func (k EventKind) TargetMethod() string {
	switch k {
	case KindDeposit:
		return "wrap"
	case KindUnwrap:
		return "withdraw"
	default:
		return ""
	}
}

// Event is one decoded bridge occurrence. It only lives for the duration of a
// scan/dispatch cycle; the durable artifact is the RelayRecord.
type Event struct {
	Role        ChainRole
	Kind        EventKind
	Token       common.Address
	Account     common.Address
	Amount      *big.Int
	Nonce       uint64
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Timestamp   time.Time
}

// LogKey identifies the raw log an event was decoded from.
type LogKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// LogKey returns the provenance key used to collapse duplicate log entries.
func (e *Event) LogKey() LogKey {
	return LogKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// Key returns the idempotency key of the logical transfer.
func (e *Event) Key() RelayKey {
	return RelayKey{Role: e.Role, Nonce: e.Nonce}
}

// Before orders events by block number, then log index.
func (e *Event) Before(o *Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// RelayKey is the ledger key of a logical transfer.
type RelayKey struct {
	Role  ChainRole
	Nonce uint64
}

func (k RelayKey) String() string {
	return fmt.Sprintf("%s/%d", k.Role, k.Nonce)
}
