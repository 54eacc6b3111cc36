// Package relayer admits scanned bridge events through the relay ledger and
// submits the matching transaction on the opposite chain.
package relayer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/internal/metrics"
	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/scanner"
)

// EventSource produces the events of one role for one cycle.
type EventSource interface {
	Scan(ctx context.Context) (*scanner.Result, error)
}

// EngineConfig holds loop timings.
type EngineConfig struct {
	Interval       time.Duration
	CycleTimeout   time.Duration
	ReconcileEvery time.Duration
}

// CycleReport is the outcome of one scan and dispatch cycle.
type CycleReport struct {
	ID       string
	Role     bridge.ChainRole
	From, To uint64
	Skipped  []scanner.SkippedRange
	Dropped  []scanner.DroppedLog
	Report
}

// Engine runs the two relay directions and the reconciler
type Engine struct {
	cfg        EngineConfig
	sources    map[bridge.ChainRole]EventSource
	dispatcher *Dispatcher
	reconciler *Reconciler
	logger     *zap.Logger

	readyMu sync.Mutex
	cycled  map[bridge.ChainRole]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a new relayer engine
func NewEngine(
	cfg EngineConfig,
	sources map[bridge.ChainRole]EventSource,
	dispatcher *Dispatcher,
	reconciler *Reconciler,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		sources:    sources,
		dispatcher: dispatcher,
		reconciler: reconciler,
		logger:     logger,
		cycled:     make(map[bridge.ChainRole]bool, len(sources)),
		stopCh:     make(chan struct{}),
	}
}

// RunCycle scans role once and dispatches what it found. The error is non-nil
// only when no scanning happened or the ledger could not be consulted.
func (e *Engine) RunCycle(ctx context.Context, role bridge.ChainRole) (*CycleReport, error) {
	src, ok := e.sources[role]
	if !ok {
		return nil, apperrors.ConfigError(nil, "no scanner configured for role "+role.String())
	}

	rep := &CycleReport{ID: uuid.NewString(), Role: role}
	logger := e.logger.With(zap.String("cycle_id", rep.ID), zap.String("role", role.String()))

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(role.String()).Observe(time.Since(start).Seconds())
	}()

	res, err := src.Scan(cctx)
	if err != nil {
		logger.Error("Scan failed", zap.Error(err))
		return nil, err
	}
	rep.From, rep.To = res.From, res.To
	rep.Skipped, rep.Dropped = res.Skipped, res.Dropped

	rep.Report, err = e.dispatcher.Dispatch(cctx, res.Events)
	if err != nil {
		logger.Error("Dispatch aborted", zap.Error(err))
		return rep, err
	}

	e.markCycled(role)
	logger.Info("Cycle finished",
		zap.Uint64("from_block", rep.From),
		zap.Uint64("to_block", rep.To),
		zap.Int("scanned", rep.Scanned),
		zap.Int("skipped_processed", rep.SkippedProcessed),
		zap.Int("skipped_race", rep.SkippedRace),
		zap.Int("submitted", rep.Submitted),
		zap.Int("failed", rep.Failed),
		zap.Int("unresolved", rep.Unresolved),
		zap.Int("skipped_ranges", len(rep.Skipped)),
		zap.Int("dropped_logs", len(rep.Dropped)),
		zap.Duration("elapsed", time.Since(start)))
	return rep, nil
}

// Reconcile runs one reconciliation pass.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	return e.reconciler.Run(ctx)
}

// Start launches one loop per direction plus the reconciler loop.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting relayer engine",
		zap.Duration("interval", e.cfg.Interval),
		zap.Duration("cycle_timeout", e.cfg.CycleTimeout),
		zap.Duration("reconcile_interval", e.cfg.ReconcileEvery))

	for _, role := range bridge.Roles() {
		if _, ok := e.sources[role]; !ok {
			continue
		}
		e.wg.Add(1)
		go e.loop(ctx, e.cfg.Interval, func(ctx context.Context) {
			_, _ = e.RunCycle(ctx, role)
		})
	}

	if e.reconciler != nil {
		e.wg.Add(1)
		go e.loop(ctx, e.cfg.ReconcileEvery, func(ctx context.Context) {
			if _, err := e.reconciler.Run(ctx); err != nil {
				e.logger.Error("Reconciliation failed", zap.Error(err))
			}
		})
	}

	e.logger.Info("Relayer engine started")
	return nil
}

// Stop stops the loops and waits for in-flight work
func (e *Engine) Stop() {
	e.logger.Info("Stopping relayer engine")
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Relayer engine stopped")
}

// IsReady reports whether every direction completed at least one cycle.
func (e *Engine) IsReady() bool {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	for role := range e.sources {
		if !e.cycled[role] {
			return false
		}
	}
	return len(e.sources) > 0
}

func (e *Engine) markCycled(role bridge.ChainRole) {
	e.readyMu.Lock()
	e.cycled[role] = true
	e.readyMu.Unlock()
}

// loop runs fn immediately and then on every tick until stopped.
func (e *Engine) loop(ctx context.Context, every time.Duration, fn func(ctx context.Context)) {
	defer e.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
	}
}
