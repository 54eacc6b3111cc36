package ethereum

import (
	"context"
	"math/big"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type mockBackend struct {
	BlockNumberFunc        func(ctx context.Context) (uint64, error)
	FilterLogsFunc         func(ctx context.Context, q geth.FilterQuery) ([]types.Log, error)
	PendingNonceAtFunc     func(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPriceFunc    func(ctx context.Context) (*big.Int, error)
	ChainIDFunc            func(ctx context.Context) (*big.Int, error)
	EstimateGasFunc        func(ctx context.Context, msg geth.CallMsg) (uint64, error)
	SendTransactionFunc    func(ctx context.Context, tx *types.Transaction) error
	TransactionReceiptFunc func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHashFunc  func(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

func (m *mockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return m.BlockNumberFunc(ctx)
}

func (m *mockBackend) FilterLogs(ctx context.Context, q geth.FilterQuery) ([]types.Log, error) {
	return m.FilterLogsFunc(ctx, q)
}

func (m *mockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.PendingNonceAtFunc(ctx, account)
}

func (m *mockBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return m.SuggestGasPriceFunc(ctx)
}

func (m *mockBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return m.ChainIDFunc(ctx)
}

func (m *mockBackend) EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	return m.EstimateGasFunc(ctx, msg)
}

func (m *mockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return m.SendTransactionFunc(ctx, tx)
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return m.TransactionReceiptFunc(ctx, hash)
}

func (m *mockBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return m.TransactionByHashFunc(ctx, hash)
}

func (m *mockBackend) Close() {}

type mockRaw struct {
	CallContextFunc func(ctx context.Context, result any, method string, args ...any) error
}

func (m *mockRaw) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return m.CallContextFunc(ctx, result, method, args...)
}
