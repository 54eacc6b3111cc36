// Package ethereum implements the chain client used by the warden for one
// JSON-RPC endpoint: block and log queries, transaction inputs and raw submission.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/config"
	"github.com/chainsafe/bridge-warden/pkg/retry"
)

const defaultRPCTimeout = 10 * time.Second

// backend is the subset of *ethclient.Client the warden uses.
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q geth.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

// rawCaller issues JSON-RPC calls whose results ethclient would decode too strictly.
type rawCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Client represents one chain endpoint bound to one bridge contract
type Client struct {
	role        bridge.ChainRole
	contract    *config.Contract
	eth         backend
	raw         rawCaller
	timeout     time.Duration
	wantChainID int64
	maxGasPrice *big.Int
	policy      retry.Policy
	logger      *zap.Logger

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the role's endpoint. A dial failure is a ConnectivityError.
func NewClient(
	ctx context.Context,
	role bridge.ChainRole,
	cfg *config.ChainConfig,
	contract *config.Contract,
	policy retry.Policy,
	logger *zap.Logger,
) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, apperrors.ConnectivityError(err, fmt.Sprintf("failed to connect to %s RPC", role))
	}

	c, err := newClient(role, cfg, contract, ethclient.NewClient(rc), rc, policy, logger)
	if err != nil {
		rc.Close()
		return nil, err
	}

	logger.Info("Connected to chain",
		zap.String("role", role.String()),
		zap.String("contract", contract.Address.Hex()),
		zap.Duration("rpc_timeout", c.timeout))
	return c, nil
}

func newClient(
	role bridge.ChainRole,
	cfg *config.ChainConfig,
	contract *config.Contract,
	eth backend,
	raw rawCaller,
	policy retry.Policy,
	logger *zap.Logger,
) (*Client, error) {
	c := &Client{
		role:        role,
		contract:    contract,
		eth:         eth,
		raw:         raw,
		timeout:     cfg.RPCTimeout,
		wantChainID: cfg.ChainID,
		policy:      policy,
		logger:      logger.With(zap.String("role", role.String())),
	}
	if c.timeout <= 0 {
		c.timeout = defaultRPCTimeout
	}
	if cfg.MaxGasPrice != "" {
		maxGasPrice, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
		if !ok {
			return nil, apperrors.ConfigError(nil, fmt.Sprintf("chains.%s.max_gas_price: invalid value %q", role, cfg.MaxGasPrice))
		}
		c.maxGasPrice = maxGasPrice
	}
	if c.policy.OnRetry == nil {
		c.policy = c.policy.WithOnRetry(func(n uint, err error) {
			c.logger.Warn("RPC call failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		})
	}
	return c, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// Role returns the chain role the client is bound to
func (c *Client) Role() bridge.ChainRole { return c.role }

// ContractAddress returns the bridge contract watched and called on this chain
func (c *Client) ContractAddress() common.Address { return c.contract.Address }

// call runs fn under the per-call timeout.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(callCtx)
}

// read runs a read-only call under the retry policy; every attempt gets its own timeout.
func (c *Client) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return classifyRead(op, c.call(ctx, fn))
	})
}

// LatestBlock gets the latest block number
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.read(ctx, "latest block", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// GetLogs fetches the bridge contract's logs of the given kind in [from, to].
// It is not retried: the scanner decides whether to shrink or skip the range.
func (c *Client) GetLogs(ctx context.Context, kind bridge.EventKind, from, to uint64) ([]types.Log, error) {
	ev, ok := c.contract.ABI.Events[string(kind)]
	if !ok {
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("%s contract has no %s event", c.role, kind))
	}
	q := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract.Address},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	var logs []types.Log
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, classifyRead(fmt.Sprintf("get logs [%d,%d]", from, to), err)
	}
	return logs, nil
}

// AccountNonce returns the pending nonce of the account
func (c *Client) AccountNonce(ctx context.Context, account common.Address) (uint64, error) {
	var n uint64
	err := c.read(ctx, "account nonce", func(ctx context.Context) error {
		var err error
		n, err = c.eth.PendingNonceAt(ctx, account)
		return err
	})
	return n, err
}

// GasPrice returns the suggested gas price, capped by max_gas_price when configured
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.read(ctx, "gas price", func(ctx context.Context) error {
		var err error
		price, err = c.eth.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.maxGasPrice != nil && price.Cmp(c.maxGasPrice) > 0 {
		c.logger.Warn("Suggested gas price exceeds maximum",
			zap.String("suggested", price.String()),
			zap.String("max", c.maxGasPrice.String()))
		return new(big.Int).Set(c.maxGasPrice), nil
	}
	return price, nil
}

// ChainID returns the chain id reported by the node. It is fetched once; a
// mismatch with the configured chain id is a ConfigError.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}

	var id *big.Int
	err := c.read(ctx, "chain id", func(ctx context.Context) error {
		var err error
		id, err = c.eth.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.wantChainID != 0 && id.Cmp(big.NewInt(c.wantChainID)) != 0 {
		return nil, apperrors.ConfigError(nil,
			fmt.Sprintf("%s endpoint reports chain id %s, configured %d", c.role, id, c.wantChainID))
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// EstimateGas simulates the call. A revert here is a RevertError, so doomed
// calls fail before they consume a nonce.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	msg := geth.CallMsg{From: from, To: &to, Data: data}
	var gas uint64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		gas, err = c.eth.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		return 0, classifyWrite("estimate gas", err)
	}
	return gas, nil
}

// SubmitRaw broadcasts a signed transaction. A node that already has the
// transaction counts as a successful submission.
func (c *Client) SubmitRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.eth.SendTransaction(ctx, tx)
	})
	if err != nil {
		if isAlreadyKnown(err) {
			c.logger.Info("Transaction already known to node", zap.String("tx_hash", tx.Hash().Hex()))
			return tx.Hash(), nil
		}
		return common.Hash{}, classifyWrite("submit transaction", err)
	}
	return tx.Hash(), nil
}

// TransactionReceipt returns the receipt of a mined transaction, or a
// ResourceNotFound error while it is still pending or unknown.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		return err
	})
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return nil, apperrors.ResourceNotFoundError(err, "receipt "+hash.Hex())
		}
		return nil, classifyRead("transaction receipt", err)
	}
	return receipt, nil
}

// TransactionKnown reports whether the node knows the transaction, mined or pending.
func (c *Client) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	err := c.call(ctx, func(ctx context.Context) error {
		_, _, err := c.eth.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, geth.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, classifyRead("transaction by hash", err)
	}
	return true, nil
}

// rpcHeader carries only the fields the warden reads. Decoding the full header
// fails on proof-of-authority chains with oversized extraData.
type rpcHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// BlockTime returns the timestamp of block n.
func (c *Client) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	var head *rpcHeader
	err := c.read(ctx, "block time", func(ctx context.Context) error {
		head = nil
		return c.raw.CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(n), false)
	})
	if err != nil {
		return time.Time{}, err
	}
	if head == nil {
		return time.Time{}, apperrors.BlockNotFoundError(nil, fmt.Sprintf("block %d not found", n))
	}
	return time.Unix(int64(head.Timestamp), 0).UTC(), nil
}
