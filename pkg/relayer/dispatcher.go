package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/internal/metrics"
	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
	"github.com/chainsafe/bridge-warden/pkg/retry"
)

// TargetChain is the part of a chain client used to build and submit relay transactions.
type TargetChain interface {
	Role() bridge.ChainRole
	AccountNonce(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SubmitRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	TransactionKnown(ctx context.Context, hash common.Hash) (bool, error)
}

// errBroadcastUnconfirmed marks a submission that failed after the transaction
// may already have reached the node.
var errBroadcastUnconfirmed = errors.New("broadcast outcome unknown")

// CallEncoder maps an event to the contract call on the opposite chain.
type CallEncoder interface {
	PackRelay(ev *bridge.Event) (common.Address, []byte, error)
}

// Signer signs relay transactions with the warden key.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// DispatcherConfig holds the dispatch tunables.
type DispatcherConfig struct {
	Policy          retry.Policy
	GasLimitCap     uint64
	DispatchTimeout time.Duration
	TokenDecimals   int32
}

// Report counts what happened to the events handed to Dispatch.
type Report struct {
	Scanned          int
	SkippedProcessed int
	SkippedRace      int
	Submitted        int
	Failed           int
	// Unresolved counts relays left pending because a broadcast could not be confirmed.
	Unresolved int
}

// Dispatcher admits events through the ledger and relays them to the opposite chain.
type Dispatcher struct {
	targets map[bridge.ChainRole]TargetChain
	encoder CallEncoder
	ledger  ledger.Ledger
	signer  Signer
	cfg     DispatcherConfig
	logger  *zap.Logger

	locksMu sync.Mutex
	locks   map[bridge.ChainRole]*sync.Mutex
}

// NewDispatcher creates a dispatcher submitting to the given target chains.
func NewDispatcher(
	targets []TargetChain,
	encoder CallEncoder,
	store ledger.Ledger,
	signer Signer,
	cfg DispatcherConfig,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		targets: make(map[bridge.ChainRole]TargetChain, len(targets)),
		encoder: encoder,
		ledger:  store,
		signer:  signer,
		cfg:     cfg,
		logger:  logger,
		locks:   make(map[bridge.ChainRole]*sync.Mutex),
	}
	for _, t := range targets {
		d.targets[t.Role()] = t
	}
	return d
}

// chainLock serialises nonce fetch, signing and submission per target chain.
// The lock is process local: one warden process per signing key.
func (d *Dispatcher) chainLock(role bridge.ChainRole) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[role]
	if !ok {
		l = &sync.Mutex{}
		d.locks[role] = l
	}
	return l
}

// Dispatch relays events in order. Events already in the ledger, or claimed by a
// concurrent caller, are skipped. Once an event is admitted its dispatch runs to
// completion even when ctx expires; remaining events are left for the next scan.
// Only ledger read/admission failures abort the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, events []*bridge.Event) (Report, error) {
	rep := Report{Scanned: len(events)}
	for _, ev := range events {
		if ctx.Err() != nil {
			d.logger.Warn("Cycle deadline reached, leaving remaining events for the next scan",
				zap.String("role", ev.Role.String()),
				zap.Uint64("nonce", ev.Nonce))
			break
		}

		processed, err := d.ledger.IsProcessed(ctx, ev.Role, ev.Nonce)
		if err != nil {
			return rep, fmt.Errorf("check %s: %w", ev.Key(), err)
		}
		if processed {
			rep.SkippedProcessed++
			d.logger.Debug("Event already processed",
				zap.String("role", ev.Role.String()),
				zap.Uint64("nonce", ev.Nonce))
			continue
		}

		began, err := d.ledger.TryBegin(ctx, ev)
		if err != nil {
			return rep, fmt.Errorf("admit %s: %w", ev.Key(), err)
		}
		if !began {
			rep.SkippedRace++
			d.logger.Info("Event claimed by another dispatcher",
				zap.String("role", ev.Role.String()),
				zap.Uint64("nonce", ev.Nonce))
			continue
		}

		out := d.run(ctx, ev)
		switch out.Status {
		case bridge.StatusSubmitted:
			rep.Submitted++
		case bridge.StatusFailed:
			rep.Failed++
		case bridge.StatusPending:
			rep.Unresolved++
		}
	}
	return rep, nil
}

// Redispatch relays a record the caller already owns in pending status, as
// after a reclaim or an operator re-drive.
func (d *Dispatcher) Redispatch(ctx context.Context, rec *bridge.RelayRecord) (bridge.Outcome, error) {
	if rec.Status != bridge.StatusPending {
		return bridge.Outcome{}, fmt.Errorf("%w: %s is %s", ledger.ErrInvalidTransition, rec.Key(), rec.Status)
	}
	out := d.run(ctx, rec.Event())
	return out, nil
}

// Redrive moves a failed record back to pending and dispatches it once.
func (d *Dispatcher) Redrive(ctx context.Context, role bridge.ChainRole, nonce uint64) (bridge.Outcome, error) {
	rec, err := d.ledger.Redrive(ctx, role, nonce)
	if err != nil {
		return bridge.Outcome{}, err
	}
	d.logger.Info("Re-driving failed relay",
		zap.String("role", role.String()),
		zap.Uint64("nonce", nonce),
		zap.Int("previous_attempts", rec.AttemptCount))
	return d.Redispatch(ctx, rec)
}

// run relays ev on a context detached from the caller's cancellation and records the outcome.
func (d *Dispatcher) run(ctx context.Context, ev *bridge.Event) bridge.Outcome {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DispatchTimeout)
	defer cancel()

	logger := d.logger.With(
		zap.String("role", ev.Role.String()),
		zap.Uint64("nonce", ev.Nonce),
		zap.Uint64("block", ev.BlockNumber),
		zap.String("source_tx_hash", ev.TxHash.Hex()))

	out := d.relay(dctx, ev, logger)
	metrics.RelaysTotal.WithLabelValues(ev.Role.String(), string(out.Status)).Inc()
	if out.Status == bridge.StatusPending {
		// the reconciler settles it from the recorded hash after pending_timeout
		logger.Warn("Relay broadcast unconfirmed, leaving record pending", zap.Error(out.Err))
		return out
	}

	if err := d.ledger.Complete(dctx, ev.Role, ev.Nonce, out); err != nil {
		// the record stays pending; the reconciler picks it up after pending_timeout
		logger.Error("Failed to record relay outcome", zap.String("status", string(out.Status)), zap.Error(err))
	}

	if out.Status == bridge.StatusSubmitted {
		metrics.ObserveAmount(ev.Role.String(), ev.Token.Hex(), ev.Amount, d.cfg.TokenDecimals)
		logger.Info("Relay submitted",
			zap.String("target_role", ev.Role.Opposite().String()),
			zap.String("tx_hash", out.TxHash.Hex()),
			zap.String("account", ev.Account.Hex()),
			zap.String("amount", ev.Amount.String()))
	} else {
		logger.Error("Relay failed", zap.Error(out.Err))
	}
	return out
}

func (d *Dispatcher) relay(ctx context.Context, ev *bridge.Event, logger *zap.Logger) bridge.Outcome {
	targetRole := ev.Role.Opposite()
	target, ok := d.targets[targetRole]
	if !ok {
		return bridge.Failed(apperrors.ConfigError(nil, fmt.Sprintf("no client for target role %s", targetRole)))
	}
	to, data, err := d.encoder.PackRelay(ev)
	if err != nil {
		return bridge.Failed(err)
	}

	policy := d.cfg.Policy.WithOnRetry(func(n uint, err error) {
		logger.Warn("Relay attempt failed, retrying with a fresh nonce", zap.Uint("attempt", n+1), zap.Error(err))
	})
	// chain reads are already retried by the client
	policy.RetryIf = func(err error) bool {
		return apperrors.Is(err, apperrors.CategorySubmission) || errors.Is(err, errBroadcastUnconfirmed)
	}

	var (
		hash common.Hash
		// hashes whose broadcast failed without a definite answer from the node
		unconfirmed []common.Hash
	)
	err = policy.Do(ctx, func(ctx context.Context) error {
		h, found, err := d.findBroadcast(ctx, target, unconfirmed)
		if err != nil {
			return fmt.Errorf("%w: %w", errBroadcastUnconfirmed, err)
		}
		if found {
			logger.Info("Earlier relay broadcast reached the node", zap.String("tx_hash", h.Hex()))
			hash = h
			return nil
		}

		h, err = d.attempt(ctx, target, ev, to, data)
		metrics.SubmissionAttempts.WithLabelValues(targetRole.String(), attemptResult(err)).Inc()
		if err != nil {
			if h != (common.Hash{}) && apperrors.Is(err, apperrors.CategoryConnectivity) {
				unconfirmed = append(unconfirmed, h)
				return fmt.Errorf("%w: %w", errBroadcastUnconfirmed, err)
			}
			return err
		}
		hash = h
		return nil
	})
	if err == nil {
		return bridge.Submitted(hash)
	}
	if len(unconfirmed) == 0 {
		return bridge.Failed(err)
	}

	h, found, kerr := d.findBroadcast(ctx, target, unconfirmed)
	switch {
	case kerr != nil:
		return bridge.Outcome{Status: bridge.StatusPending, Err: err}
	case found:
		logger.Info("Earlier relay broadcast reached the node", zap.String("tx_hash", h.Hex()))
		return bridge.Submitted(h)
	default:
		return bridge.Failed(err)
	}
}

// findBroadcast reports the first of hashes the target chain knows, mined or pending.
func (d *Dispatcher) findBroadcast(ctx context.Context, target TargetChain, hashes []common.Hash) (common.Hash, bool, error) {
	for _, h := range hashes {
		known, err := target.TransactionKnown(ctx, h)
		if err != nil {
			return common.Hash{}, false, err
		}
		if known {
			return h, true, nil
		}
	}
	return common.Hash{}, false, nil
}

// attempt builds, signs and submits one transaction under the target chain lock.
// The account nonce is fetched fresh every time. Once a transaction was handed
// to the node its hash is returned even when the submission failed.
func (d *Dispatcher) attempt(
	ctx context.Context,
	target TargetChain,
	ev *bridge.Event,
	to common.Address,
	data []byte,
) (common.Hash, error) {
	lock := d.chainLock(target.Role())
	lock.Lock()
	defer lock.Unlock()

	from := d.signer.Address()
	nonce, err := target.AccountNonce(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := target.GasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := target.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	estimate, err := target.EstimateGas(ctx, from, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit, err := d.gasLimit(estimate)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := d.signer.Sign(ctx, tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}

	// record the hash before broadcasting so a crash leaves it for the reconciler
	if err := d.ledger.RecordAttempt(ctx, ev.Role, ev.Nonce, signed.Hash()); err != nil {
		return common.Hash{}, fmt.Errorf("record attempt: %w", err)
	}
	if _, err := target.SubmitRaw(ctx, signed); err != nil {
		return signed.Hash(), err
	}
	return signed.Hash(), nil
}

// gasLimit adds 20% headroom to the estimate, bounded by the configured cap.
func (d *Dispatcher) gasLimit(estimate uint64) (uint64, error) {
	if d.cfg.GasLimitCap > 0 && estimate > d.cfg.GasLimitCap {
		return 0, apperrors.RevertError(nil,
			fmt.Sprintf("estimated gas %d exceeds gas_limit_cap %d", estimate, d.cfg.GasLimitCap))
	}
	limit := estimate + estimate/5
	if d.cfg.GasLimitCap > 0 && limit > d.cfg.GasLimitCap {
		limit = d.cfg.GasLimitCap
	}
	return limit, nil
}

func attemptResult(err error) string {
	if err == nil {
		return "ok"
	}
	switch apperrors.CategoryOf(err) {
	case apperrors.CategoryRevert:
		return "revert"
	case apperrors.CategorySubmission:
		return "submission"
	case apperrors.CategoryConnectivity:
		return "connectivity"
	default:
		return "error"
	}
}
