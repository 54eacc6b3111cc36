package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/internal/metrics"
	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
)

// ReceiptSource looks up relay transactions on a target chain.
type ReceiptSource interface {
	Role() bridge.ChainRole
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionKnown(ctx context.Context, hash common.Hash) (bool, error)
}

// Redispatcher relays a record the caller owns.
type Redispatcher interface {
	Redispatch(ctx context.Context, rec *bridge.RelayRecord) (bridge.Outcome, error)
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Reclaimed       int
	Confirmed       int
	Failed          int
	MarkedSubmitted int
	Dropped         int
	Redispatched    int
	StillPending    int
}

// ReconcilerConfig holds the reconciliation timeouts.
type ReconcilerConfig struct {
	// PendingTimeout is how long a pending record may go untouched before it is reclaimed.
	PendingTimeout time.Duration
	// SubmittedTimeout is how long a submitted transaction may stay without a
	// receipt before a node that no longer knows it marks the relay as dropped.
	SubmittedTimeout time.Duration
}

// Reconciler recovers pending records left behind by a crash or a lost
// response, and follows submitted records until their receipt is known.
type Reconciler struct {
	ledger     ledger.Ledger
	chains     map[bridge.ChainRole]ReceiptSource
	dispatcher Redispatcher
	cfg        ReconcilerConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewReconciler creates a reconciler. chains are keyed by the role they run on;
// a record's transaction lives on the opposite role of the record.
func NewReconciler(
	store ledger.Ledger,
	chains []ReceiptSource,
	dispatcher Redispatcher,
	cfg ReconcilerConfig,
	logger *zap.Logger,
) *Reconciler {
	r := &Reconciler{
		ledger:     store,
		chains:     make(map[bridge.ChainRole]ReceiptSource, len(chains)),
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "reconciler")),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, c := range chains {
		r.chains[c.Role()] = c
	}
	return r
}

// Run performs one pass over stale pending records and submitted records.
// Per-record failures are logged and left for the next pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	now := r.now()
	cutoff := now.Add(-r.cfg.PendingTimeout)

	stale, err := r.ledger.List(ctx, ledger.Filter{Status: bridge.StatusPending, UpdatedBefore: cutoff})
	if err != nil {
		return rep, fmt.Errorf("list stale pending records: %w", err)
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		r.reconcilePending(ctx, rec, cutoff, &rep)
	}

	submitted, err := r.ledger.List(ctx, ledger.Filter{Status: bridge.StatusSubmitted})
	if err != nil {
		return rep, fmt.Errorf("list submitted records: %w", err)
	}
	for _, rec := range submitted {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		r.followReceipt(ctx, rec, now, &rep)
	}

	r.updateGauges(ctx)

	r.logger.Info("Reconciliation pass finished",
		zap.Int("stale_pending", len(stale)),
		zap.Int("submitted", len(submitted)),
		zap.Int("reclaimed", rep.Reclaimed),
		zap.Int("confirmed", rep.Confirmed),
		zap.Int("failed", rep.Failed),
		zap.Int("marked_submitted", rep.MarkedSubmitted),
		zap.Int("dropped", rep.Dropped),
		zap.Int("redispatched", rep.Redispatched))
	return rep, nil
}

func (r *Reconciler) reconcilePending(ctx context.Context, rec *bridge.RelayRecord, cutoff time.Time, rep *ReconcileReport) {
	logger := r.logger.With(zap.String("role", rec.Role.String()), zap.Uint64("nonce", rec.Nonce))

	claimed, err := r.ledger.Reclaim(ctx, rec.Role, rec.Nonce, cutoff)
	if err != nil {
		logger.Error("Failed to reclaim pending record", zap.Error(err))
		return
	}
	if !claimed {
		// another process refreshed or completed it in the meantime
		return
	}
	rep.Reclaimed++

	if rec.TargetTxHash != nil {
		settled, err := r.settleByHash(ctx, rec, *rec.TargetTxHash, true, rep)
		if err != nil {
			logger.Warn("Could not look up relay transaction, will retry",
				zap.String("tx_hash", rec.TargetTxHash.Hex()), zap.Error(err))
			return
		}
		if settled {
			return
		}
		logger.Warn("Relay transaction unknown to the target chain, dispatching again",
			zap.String("tx_hash", rec.TargetTxHash.Hex()))
	}

	if _, err := r.dispatcher.Redispatch(ctx, rec); err != nil {
		logger.Error("Failed to redispatch pending record", zap.Error(err))
		return
	}
	rep.Redispatched++
}

func (r *Reconciler) followReceipt(ctx context.Context, rec *bridge.RelayRecord, now time.Time, rep *ReconcileReport) {
	logger := r.logger.With(zap.String("role", rec.Role.String()), zap.Uint64("nonce", rec.Nonce))
	if rec.TargetTxHash == nil {
		logger.Warn("Submitted record has no transaction hash")
		return
	}
	hash := *rec.TargetTxHash
	settled, err := r.settleByHash(ctx, rec, hash, false, rep)
	if err != nil {
		logger.Warn("Could not fetch receipt, will retry", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return
	}
	if settled {
		return
	}
	if r.cfg.SubmittedTimeout <= 0 || !rec.UpdatedAt.Before(now.Add(-r.cfg.SubmittedTimeout)) {
		rep.StillPending++
		return
	}

	dropped, err := r.markDropped(ctx, rec, hash)
	if err != nil {
		logger.Warn("Could not check submitted transaction, will retry", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return
	}
	if !dropped {
		rep.StillPending++
		return
	}
	logger.Warn("Relay transaction dropped by the target chain, record needs a redrive",
		zap.String("tx_hash", hash.Hex()),
		zap.Time("submitted_at", rec.UpdatedAt))
	rep.Dropped++
}

// markDropped fails rec when the node has no receipt and no trace of hash.
func (r *Reconciler) markDropped(ctx context.Context, rec *bridge.RelayRecord, hash common.Hash) (bool, error) {
	chain, ok := r.chains[rec.Role.Opposite()]
	if !ok {
		return false, apperrors.ConfigError(nil, fmt.Sprintf("no client for target role %s", rec.Role.Opposite()))
	}
	known, err := chain.TransactionKnown(ctx, hash)
	if err != nil || known {
		return false, err
	}
	out := bridge.Outcome{
		Status: bridge.StatusFailed,
		TxHash: &hash,
		Err:    apperrors.SubmissionError(nil, fmt.Sprintf("relay transaction %s dropped: no receipt after %s", hash.Hex(), r.cfg.SubmittedTimeout)),
	}
	if err := r.complete(ctx, rec, out); err != nil {
		return false, err
	}
	return true, nil
}

// settleByHash completes rec from the receipt of hash. For pending records a
// transaction the node still knows about moves the record to submitted.
// It reports false when nothing could be concluded.
func (r *Reconciler) settleByHash(
	ctx context.Context,
	rec *bridge.RelayRecord,
	hash common.Hash,
	pending bool,
	rep *ReconcileReport,
) (bool, error) {
	chain, ok := r.chains[rec.Role.Opposite()]
	if !ok {
		return false, apperrors.ConfigError(nil, fmt.Sprintf("no client for target role %s", rec.Role.Opposite()))
	}

	receipt, err := chain.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		out := bridge.Confirmed(hash)
		if receipt.Status != types.ReceiptStatusSuccessful {
			out = bridge.Outcome{Status: bridge.StatusFailed, TxHash: &hash,
				Err: apperrors.RevertError(nil, fmt.Sprintf("relay transaction reverted in block %s", receipt.BlockNumber))}
		}
		if err := r.complete(ctx, rec, out); err != nil {
			return false, err
		}
		if out.Status == bridge.StatusConfirmed {
			rep.Confirmed++
		} else {
			rep.Failed++
		}
		return true, nil

	case apperrors.Is(err, apperrors.CategoryResourceNotFound):
		if !pending {
			return false, nil
		}
		known, err := chain.TransactionKnown(ctx, hash)
		if err != nil {
			return false, err
		}
		if !known {
			return false, nil
		}
		if err := r.complete(ctx, rec, bridge.Submitted(hash)); err != nil {
			return false, err
		}
		rep.MarkedSubmitted++
		return true, nil

	default:
		return false, err
	}
}

func (r *Reconciler) complete(ctx context.Context, rec *bridge.RelayRecord, out bridge.Outcome) error {
	err := r.ledger.Complete(ctx, rec.Role, rec.Nonce, out)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// settled concurrently
		r.logger.Debug("Record already moved on", zap.String("role", rec.Role.String()), zap.Uint64("nonce", rec.Nonce))
		return nil
	}
	if err == nil {
		metrics.RelaysTotal.WithLabelValues(rec.Role.String(), string(out.Status)).Inc()
		r.logger.Info("Relay record reconciled",
			zap.String("role", rec.Role.String()),
			zap.Uint64("nonce", rec.Nonce),
			zap.String("status", string(out.Status)))
	}
	return err
}

func (r *Reconciler) updateGauges(ctx context.Context) {
	counts, err := r.ledger.CountByStatus(ctx)
	if err != nil {
		r.logger.Warn("Failed to count relay records", zap.Error(err))
		return
	}
	for _, st := range []bridge.RelayStatus{bridge.StatusPending, bridge.StatusSubmitted} {
		metrics.PendingRecords.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
