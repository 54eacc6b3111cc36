package relayer

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
	"github.com/chainsafe/bridge-warden/pkg/scanner"
)

// mockChain implements TargetChain and ReceiptSource. Unset functions fall
// back to a healthy chain: nonce 0, gas price 1 gwei, chain id 1337, 50k gas.
type mockChain struct {
	role bridge.ChainRole

	AccountNonceFunc       func(ctx context.Context, account common.Address) (uint64, error)
	GasPriceFunc           func(ctx context.Context) (*big.Int, error)
	ChainIDFunc            func(ctx context.Context) (*big.Int, error)
	EstimateGasFunc        func(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SubmitRawFunc          func(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	TransactionReceiptFunc func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionKnownFunc   func(ctx context.Context, hash common.Hash) (bool, error)

	mu        sync.Mutex
	submitted []*types.Transaction
}

func (m *mockChain) Role() bridge.ChainRole { return m.role }

func (m *mockChain) AccountNonce(ctx context.Context, account common.Address) (uint64, error) {
	if m.AccountNonceFunc != nil {
		return m.AccountNonceFunc(ctx, account)
	}
	return 0, nil
}

func (m *mockChain) GasPrice(ctx context.Context) (*big.Int, error) {
	if m.GasPriceFunc != nil {
		return m.GasPriceFunc(ctx)
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *mockChain) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFunc != nil {
		return m.ChainIDFunc(ctx)
	}
	return big.NewInt(1337), nil
}

func (m *mockChain) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	if m.EstimateGasFunc != nil {
		return m.EstimateGasFunc(ctx, from, to, data)
	}
	return 50_000, nil
}

func (m *mockChain) SubmitRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, tx)
	m.mu.Unlock()
	if m.SubmitRawFunc != nil {
		return m.SubmitRawFunc(ctx, tx)
	}
	return tx.Hash(), nil
}

func (m *mockChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return m.TransactionReceiptFunc(ctx, hash)
}

func (m *mockChain) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	if m.TransactionKnownFunc != nil {
		return m.TransactionKnownFunc(ctx, hash)
	}
	return false, nil
}

func (m *mockChain) Submitted() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.submitted...)
}

// stubSigner returns the transaction unchanged; hashes stay unique per nonce.
type stubSigner struct {
	SignFunc func(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

func (s *stubSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000ee")
}

func (s *stubSigner) Sign(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.SignFunc != nil {
		return s.SignFunc(ctx, tx, chainID)
	}
	return tx, nil
}

type mockSource struct {
	ScanFunc func(ctx context.Context) (*scanner.Result, error)
}

func (m *mockSource) Scan(ctx context.Context) (*scanner.Result, error) {
	return m.ScanFunc(ctx)
}

type mockRedispatcher struct {
	mu    sync.Mutex
	calls []*bridge.RelayRecord

	RedispatchFunc func(ctx context.Context, rec *bridge.RelayRecord) (bridge.Outcome, error)
}

func (m *mockRedispatcher) Redispatch(ctx context.Context, rec *bridge.RelayRecord) (bridge.Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, rec)
	m.mu.Unlock()
	if m.RedispatchFunc != nil {
		return m.RedispatchFunc(ctx, rec)
	}
	return bridge.Outcome{Status: bridge.StatusSubmitted}, nil
}

// failingLedger wraps a ledger and overrides selected calls.
type failingLedger struct {
	ledger.Ledger
	IsProcessedFunc func(ctx context.Context, role bridge.ChainRole, nonce uint64) (bool, error)
}

func (f *failingLedger) IsProcessed(ctx context.Context, role bridge.ChainRole, nonce uint64) (bool, error) {
	if f.IsProcessedFunc != nil {
		return f.IsProcessedFunc(ctx, role, nonce)
	}
	return f.Ledger.IsProcessed(ctx, role, nonce)
}
