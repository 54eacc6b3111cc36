package warden

import (
	"context"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/config"
	"github.com/chainsafe/bridge-warden/pkg/ethereum"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
	"github.com/chainsafe/bridge-warden/pkg/relayer"
	"github.com/chainsafe/bridge-warden/pkg/retry"
	"github.com/chainsafe/bridge-warden/pkg/scanner"
	"github.com/chainsafe/bridge-warden/pkg/signer"
)

// Warden is the fully wired relay: both chain clients, the ledger and the engine.
type Warden struct {
	Ledger     ledger.Ledger
	Dispatcher *relayer.Dispatcher
	Reconciler *relayer.Reconciler
	Engine     *relayer.Engine

	clients []*ethereum.Client
}

// Policy converts the relay settings into the shared retry policy.
func Policy(cfg *config.RelayConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// Build loads the contract metadata and the key, dials both chains, opens the
// ledger and assembles the engine. Resources acquired before a failure are released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Warden, err error) {
	contracts, err := config.LoadContracts(cfg.ContractsFile)
	if err != nil {
		return nil, err
	}
	var key signer.Signer
	key, err = signer.New(&cfg.Signer)
	if err != nil {
		return nil, err
	}
	logger.Info("Warden identity loaded", zap.String("address", key.Address().Hex()))

	w := &Warden{}
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	policy := Policy(&cfg.Relay)
	codec := ethereum.NewCodec(contracts)
	sources := make(map[bridge.ChainRole]relayer.EventSource, 2)
	targets := make([]relayer.TargetChain, 0, 2)
	receipts := make([]relayer.ReceiptSource, 0, 2)

	for _, role := range bridge.Roles() {
		chainCfg, err := cfg.Chain(role.String())
		if err != nil {
			return nil, err
		}
		ct, err := contracts.For(role)
		if err != nil {
			return nil, err
		}
		client, err := ethereum.NewClient(ctx, role, chainCfg, ct, policy, logger)
		if err != nil {
			return nil, err
		}
		w.clients = append(w.clients, client)

		decoder, err := codec.Decoder(role)
		if err != nil {
			return nil, err
		}
		sources[role] = scanner.New(role, client, decoder, scanner.Config{
			Lookback: cfg.Scanner.LookbackBlocks,
			MaxBatch: cfg.Scanner.MaxBatch,
		}, logger)
		targets = append(targets, client)
		receipts = append(receipts, client)
	}

	w.Ledger, err = ledger.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	w.Dispatcher = relayer.NewDispatcher(targets, codec, w.Ledger, key, relayer.DispatcherConfig{
		Policy:          policy,
		GasLimitCap:     cfg.Relay.GasLimitCap,
		DispatchTimeout: cfg.Relay.DispatchTimeout,
		TokenDecimals:   cfg.Relay.TokenDecimals,
	}, logger)
	w.Reconciler = relayer.NewReconciler(w.Ledger, receipts, w.Dispatcher, relayer.ReconcilerConfig{
		PendingTimeout:   cfg.Relay.PendingTimeout,
		SubmittedTimeout: cfg.Relay.SubmittedTimeout,
	}, logger)
	w.Engine = relayer.NewEngine(relayer.EngineConfig{
		Interval:       cfg.Relay.Interval,
		CycleTimeout:   cfg.Relay.CycleTimeout,
		ReconcileEvery: cfg.Relay.ReconcileEvery,
	}, sources, w.Dispatcher, w.Reconciler, logger)
	return w, nil
}

// Close releases the chain connections and the ledger.
func (w *Warden) Close() error {
	for _, c := range w.clients {
		c.Close()
	}
	w.clients = nil
	if w.Ledger == nil {
		return nil
	}
	err := w.Ledger.Close()
	w.Ledger = nil
	return err
}
