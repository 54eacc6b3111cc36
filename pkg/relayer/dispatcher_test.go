package relayer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/config"
	"github.com/chainsafe/bridge-warden/pkg/ethereum"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
	"github.com/chainsafe/bridge-warden/pkg/retry"
)

var (
	tokenT   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	accountA = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fixture struct {
	contracts   config.Contracts
	source      *mockChain
	destination *mockChain
	ledger      ledger.Ledger
	signer      *stubSigner
	dispatcher  *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	contracts, err := config.LoadContracts("../config/testdata/contract_info.json")
	require.NoError(t, err)

	f := &fixture{
		contracts:   contracts,
		source:      &mockChain{role: bridge.RoleSource},
		destination: &mockChain{role: bridge.RoleDestination},
		ledger:      ledger.NewMemory(),
		signer:      &stubSigner{},
	}
	f.dispatcher = f.newDispatcher(f.ledger)
	return f
}

func (f *fixture) newDispatcher(store ledger.Ledger) *Dispatcher {
	return NewDispatcher(
		[]TargetChain{f.source, f.destination},
		ethereum.NewCodec(f.contracts),
		store,
		f.signer,
		DispatcherConfig{
			Policy: retry.Policy{
				MaxAttempts:    3,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     5 * time.Millisecond,
			},
			GasLimitCap:     500_000,
			DispatchTimeout: 5 * time.Second,
			TokenDecimals:   18,
		},
		zap.NewNop(),
	)
}

func deposit(nonce uint64, block uint64) *bridge.Event {
	return &bridge.Event{
		Role:        bridge.RoleSource,
		Kind:        bridge.KindDeposit,
		Token:       tokenT,
		Account:     accountA,
		Amount:      big.NewInt(100),
		Nonce:       nonce,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(nonce)),
	}
}

func TestDispatch_DepositSubmitsWrapOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(7, 10)})
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Submitted: 1}, rep)

	txs := f.destination.Submitted()
	require.Len(t, txs, 1)
	assert.Empty(t, f.source.Submitted())

	tx := txs[0]
	assert.Equal(t, f.contracts[bridge.RoleDestination].Address, *tx.To())
	assert.Equal(t, uint64(60_000), tx.Gas(), "estimate plus 20 percent headroom")

	wrap := f.contracts[bridge.RoleDestination].ABI.Methods["wrap"]
	assert.Equal(t, wrap.ID, tx.Data()[:4])
	args, err := wrap.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, tokenT, args[0])
	assert.Equal(t, accountA, args[1])
	assert.Equal(t, big.NewInt(100), args[2])
	assert.Equal(t, big.NewInt(7), args[3])

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 7)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSubmitted, rec.Status)
	assert.Equal(t, tx.Hash(), *rec.TargetTxHash)
	assert.Equal(t, 1, rec.AttemptCount)

	// the next overlapping scan sees the same event again
	rep, err = f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(7, 10)})
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, SkippedProcessed: 1}, rep)
	assert.Len(t, f.destination.Submitted(), 1)
}

func TestDispatch_UnwrapSubmitsWithdraw(t *testing.T) {
	f := newFixture(t)
	ev := &bridge.Event{
		Role:    bridge.RoleDestination,
		Kind:    bridge.KindUnwrap,
		Token:   tokenT,
		Account: accountA,
		Amount:  big.NewInt(5),
		Nonce:   1,
	}

	rep, err := f.dispatcher.Dispatch(context.Background(), []*bridge.Event{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Submitted)

	txs := f.source.Submitted()
	require.Len(t, txs, 1)
	withdraw := f.contracts[bridge.RoleSource].ABI.Methods["withdraw"]
	assert.Equal(t, withdraw.ID, txs[0].Data()[:4])
	assert.Equal(t, f.contracts[bridge.RoleSource].Address, *txs[0].To())
}

func TestDispatch_ConcurrentScansSubmitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]Report, 8)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(7, 10)})
			assert.NoError(t, err)
			reports[i] = rep
		}(i)
	}
	wg.Wait()

	var submitted, skipped int
	for _, rep := range reports {
		submitted += rep.Submitted
		skipped += rep.SkippedProcessed + rep.SkippedRace
	}
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 7, skipped)
	assert.Len(t, f.destination.Submitted(), 1)
}

func TestDispatch_FailedIsNotRetriedFromScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.destination.EstimateGasFunc = func(context.Context, common.Address, common.Address, []byte) (uint64, error) {
		return 0, apperrors.RevertError(nil, "execution reverted: nonce already used")
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(3, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	f.destination.EstimateGasFunc = nil
	rep, err = f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(3, 1)})
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, SkippedProcessed: 1}, rep)
	assert.Empty(t, f.destination.Submitted())
}

func TestDispatch_RetryRefetchesNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var nonces atomic.Uint64
	nonces.Store(4)
	f.destination.AccountNonceFunc = func(context.Context, common.Address) (uint64, error) {
		return nonces.Add(1), nil
	}
	var calls atomic.Int32
	f.destination.SubmitRawFunc = func(_ context.Context, tx *types.Transaction) (common.Hash, error) {
		if calls.Add(1) == 1 {
			return common.Hash{}, apperrors.SubmissionError(errors.New("nonce too low"), "submit transaction")
		}
		return tx.Hash(), nil
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(9, 2)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Submitted)

	txs := f.destination.Submitted()
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(5), txs[0].Nonce())
	assert.Equal(t, uint64(6), txs[1].Nonce())

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 9)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSubmitted, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, txs[1].Hash(), *rec.TargetTxHash)
}

func TestDispatch_TimedOutBroadcastAcceptedByNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	pool := map[common.Hash]bool{}
	f.destination.SubmitRawFunc = func(_ context.Context, tx *types.Transaction) (common.Hash, error) {
		mu.Lock()
		defer mu.Unlock()
		// the node takes the transaction but the response is lost
		pool[tx.Hash()] = true
		return common.Hash{}, apperrors.ConnectivityError(context.DeadlineExceeded, "submit transaction")
	}
	f.destination.TransactionKnownFunc = func(_ context.Context, h common.Hash) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return pool[h], nil
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(7, 10)})
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Submitted: 1}, rep)

	txs := f.destination.Submitted()
	require.Len(t, txs, 1, "wrap must not be broadcast twice")

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 7)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSubmitted, rec.Status)
	assert.Equal(t, txs[0].Hash(), *rec.TargetTxHash)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestDispatch_TimedOutBroadcastUnknownIsResigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var known atomic.Int32
	f.destination.TransactionKnownFunc = func(context.Context, common.Hash) (bool, error) {
		known.Add(1)
		return false, nil
	}
	var calls atomic.Int32
	f.destination.SubmitRawFunc = func(_ context.Context, tx *types.Transaction) (common.Hash, error) {
		if calls.Add(1) == 1 {
			return common.Hash{}, apperrors.ConnectivityError(errors.New("connection reset by peer"), "submit transaction")
		}
		return tx.Hash(), nil
	}
	f.destination.AccountNonceFunc = func(context.Context, common.Address) (uint64, error) {
		return uint64(calls.Load()), nil
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(3, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Submitted)
	assert.Equal(t, int32(1), known.Load())

	txs := f.destination.Submitted()
	require.Len(t, txs, 2)
	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 3)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSubmitted, rec.Status)
	assert.Equal(t, txs[1].Hash(), *rec.TargetTxHash)
}

func TestDispatch_UnconfirmedBroadcastStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.destination.SubmitRawFunc = func(context.Context, *types.Transaction) (common.Hash, error) {
		return common.Hash{}, apperrors.ConnectivityError(context.DeadlineExceeded, "submit transaction")
	}
	f.destination.TransactionKnownFunc = func(context.Context, common.Hash) (bool, error) {
		return false, apperrors.ConnectivityError(errors.New("connection refused"), "transaction by hash")
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(5, 1)})
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Unresolved: 1}, rep)

	txs := f.destination.Submitted()
	require.Len(t, txs, 1, "no new transaction while the first one may be live")

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 5)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusPending, rec.Status, "left for the reconciler")
	assert.Equal(t, txs[0].Hash(), *rec.TargetTxHash)
}

func TestDispatch_ReadFailureNotRetriedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	f.destination.AccountNonceFunc = func(context.Context, common.Address) (uint64, error) {
		calls.Add(1)
		return 0, apperrors.ConnectivityError(errors.New("connection refused"), "pending nonce")
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(6, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, int32(1), calls.Load(), "the chain client owns read retries")
	assert.Empty(t, f.destination.Submitted())
}

func TestDispatch_RevertIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	f.destination.SubmitRawFunc = func(context.Context, *types.Transaction) (common.Hash, error) {
		calls.Add(1)
		return common.Hash{}, apperrors.RevertError(errors.New("execution reverted"), "submit transaction")
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, int32(1), calls.Load())

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 1)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "execution reverted")
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.destination.SubmitRawFunc = func(context.Context, *types.Transaction) (common.Hash, error) {
		return common.Hash{}, apperrors.SubmissionError(errors.New("replacement transaction underpriced"), "submit transaction")
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(2, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, f.destination.Submitted(), 3)

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 2)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.AttemptCount)
	assert.Contains(t, rec.LastError, "underpriced")
}

func TestDispatch_GasLimitCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.destination.EstimateGasFunc = func(context.Context, common.Address, common.Address, []byte) (uint64, error) {
		return 450_000, nil
	}
	_, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(1, 1)})
	require.NoError(t, err)
	txs := f.destination.Submitted()
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(500_000), txs[0].Gas())

	f.destination.EstimateGasFunc = func(context.Context, common.Address, common.Address, []byte) (uint64, error) {
		return 600_000, nil
	}
	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(2, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, f.destination.Submitted(), 1)
}

func TestDispatch_InFlightSurvivesCycleDeadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.destination.EstimateGasFunc = func(ctx context.Context, _, _ common.Address, _ []byte) (uint64, error) {
		cancel() // the cycle deadline passes mid-dispatch
		return 50_000, ctx.Err()
	}

	rep, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(1, 1), deposit(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 2, Submitted: 1}, rep)

	_, err = f.ledger.Get(context.Background(), bridge.RoleSource, 2)
	assert.ErrorIs(t, err, ledger.ErrNotFound, "events after the deadline are left for the next scan")
}

func TestDispatch_LedgerErrorAborts(t *testing.T) {
	f := newFixture(t)
	store := &failingLedger{
		Ledger: f.ledger,
		IsProcessedFunc: func(context.Context, bridge.ChainRole, uint64) (bool, error) {
			return false, errors.New("connection refused")
		},
	}
	d := f.newDispatcher(store)

	_, err := d.Dispatch(context.Background(), []*bridge.Event{deposit(1, 1)})
	require.Error(t, err)
	assert.Empty(t, f.destination.Submitted())
}

func TestRedrive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.destination.SubmitRawFunc = func(context.Context, *types.Transaction) (common.Hash, error) {
		return common.Hash{}, apperrors.RevertError(nil, "execution reverted")
	}
	_, err := f.dispatcher.Dispatch(ctx, []*bridge.Event{deposit(4, 1)})
	require.NoError(t, err)

	// not failed yet: nothing to re-drive
	_, err = f.dispatcher.Redrive(ctx, bridge.RoleSource, 5)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	f.destination.SubmitRawFunc = nil
	out, err := f.dispatcher.Redrive(ctx, bridge.RoleSource, 4)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSubmitted, out.Status)

	rec, err := f.ledger.Get(ctx, bridge.RoleSource, 4)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSubmitted, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)

	txs := f.destination.Submitted()
	require.Len(t, txs, 2)
	wrap := f.contracts[bridge.RoleDestination].ABI.Methods["wrap"]
	args, err := wrap.Inputs.Unpack(txs[1].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(4), args[3], "rebuilt from the stored provenance")

	_, err = f.dispatcher.Redrive(ctx, bridge.RoleSource, 4)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestGasLimit(t *testing.T) {
	d := &Dispatcher{cfg: DispatcherConfig{GasLimitCap: 100}}
	limit, err := d.gasLimit(50)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), limit)

	limit, err = d.gasLimit(90)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), limit)

	_, err = d.gasLimit(101)
	assert.True(t, apperrors.Is(err, apperrors.CategoryRevert))

	d.cfg.GasLimitCap = 0
	limit, err = d.gasLimit(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), limit)
}
