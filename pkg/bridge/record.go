package bridge

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RelayStatus represents the lifecycle state of a relay record.
type RelayStatus string

const (
	StatusPending   RelayStatus = "pending"
	StatusSubmitted RelayStatus = "submitted"
	StatusConfirmed RelayStatus = "confirmed"
	StatusFailed    RelayStatus = "failed"
)

// ParseStatus converts a string into a RelayStatus.
func ParseStatus(s string) (RelayStatus, error) {
	st := RelayStatus(s)
	switch st {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown relay status %q", s)
}

// CanTransitionTo reports whether Complete may move a record from s to next.
// Failed -> pending is deliberately absent: only an operator re-drive does that.
func (s RelayStatus) CanTransitionTo(next RelayStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusConfirmed || next == StatusFailed
	case StatusSubmitted:
		return next == StatusConfirmed || next == StatusFailed
	default:
		return false
	}
}

// AllowedPredecessors lists the statuses a record may hold before moving to next.
func AllowedPredecessors(next RelayStatus) []RelayStatus {
	var out []RelayStatus
	for _, s := range []RelayStatus{StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// RelayRecord is the durable ledger entry for one (role, nonce).
type RelayRecord struct {
	Role         ChainRole    `json:"role"`
	Nonce        uint64       `json:"nonce"`
	Status       RelayStatus  `json:"status"`
	TargetTxHash *common.Hash `json:"target_tx_hash,omitempty"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`

	// Provenance of the event that created the record; needed to rebuild the
	// call on reclaim or operator re-drive.
	Token        common.Address `json:"token"`
	Account      common.Address `json:"account"`
	Amount       *big.Int       `json:"amount"`
	SourceTxHash common.Hash    `json:"source_tx_hash"`
	SourceBlock  uint64         `json:"source_block"`
	LogIndex     uint           `json:"log_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the ledger key of the record.
func (r *RelayRecord) Key() RelayKey {
	return RelayKey{Role: r.Role, Nonce: r.Nonce}
}

// Event rebuilds the event the record was created from.
func (r *RelayRecord) Event() *Event {
	amount := new(big.Int)
	if r.Amount != nil {
		amount.Set(r.Amount)
	}
	return &Event{
		Role:        r.Role,
		Kind:        r.Role.EventKind(),
		Token:       r.Token,
		Account:     r.Account,
		Amount:      amount,
		Nonce:       r.Nonce,
		BlockNumber: r.SourceBlock,
		TxHash:      r.SourceTxHash,
		LogIndex:    r.LogIndex,
	}
}

// NewPendingRecord creates the record TryBegin inserts for ev.
func NewPendingRecord(ev *Event, now time.Time) *RelayRecord {
	amount := new(big.Int)
	if ev.Amount != nil {
		amount.Set(ev.Amount)
	}
	return &RelayRecord{
		Role:         ev.Role,
		Nonce:        ev.Nonce,
		Status:       StatusPending,
		Token:        ev.Token,
		Account:      ev.Account,
		Amount:       amount,
		SourceTxHash: ev.TxHash,
		SourceBlock:  ev.BlockNumber,
		LogIndex:     ev.LogIndex,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Outcome is the result handed to the ledger on completion.
type Outcome struct {
	Status RelayStatus
	TxHash *common.Hash
	Err    error
}

// Submitted builds a successful submission outcome.
func Submitted(hash common.Hash) Outcome {
	return Outcome{Status: StatusSubmitted, TxHash: &hash}
}

// Confirmed builds a confirmation outcome.
func Confirmed(hash common.Hash) Outcome {
	return Outcome{Status: StatusConfirmed, TxHash: &hash}
}

// Failed builds a failure outcome.
func Failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// Apply mutates rec according to o. It is shared by the in-process ledger
// implementations; the SQL ledger expresses the same rules in its WHERE clauses.
func (o Outcome) Apply(rec *RelayRecord, now time.Time) error {
	if !rec.Status.CanTransitionTo(o.Status) {
		return fmt.Errorf("%s: %s -> %s", rec.Key(), rec.Status, o.Status)
	}
	rec.Status = o.Status
	if o.TxHash != nil {
		h := *o.TxHash
		rec.TargetTxHash = &h
	}
	if o.Err != nil {
		rec.LastError = o.Err.Error()
	}
	rec.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of r.
func (r *RelayRecord) Clone() *RelayRecord {
	c := *r
	if r.TargetTxHash != nil {
		h := *r.TargetTxHash
		c.TargetTxHash = &h
	}
	if r.Amount != nil {
		c.Amount = new(big.Int).Set(r.Amount)
	}
	return &c
}
