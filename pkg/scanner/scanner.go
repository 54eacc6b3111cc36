// Package scanner turns a bounded block window of one chain into an ordered,
// deduplicated list of bridge events.
package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/internal/metrics"
	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
)

// LogSource is the part of a chain client the scanner reads from.
type LogSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, kind bridge.EventKind, from, to uint64) ([]types.Log, error)
	BlockTime(ctx context.Context, n uint64) (time.Time, error)
}

// Decoder converts a raw log into a bridge event.
type Decoder interface {
	Decode(lg types.Log) (*bridge.Event, error)
}

// Config controls the scan window.
type Config struct {
	// Lookback is the number of blocks below the head included in the window.
	Lookback uint64
	// MaxBatch pre-splits the window; zero queries the whole window at once.
	MaxBatch uint64
}

// SkippedRange is a sub-range whose logs could not be fetched.
type SkippedRange struct {
	From, To uint64
	Reason   apperrors.Category
	Err      error
}

// DroppedLog is a log that was fetched but could not be decoded.
type DroppedLog struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Err         error
}

// Result is the outcome of one scan. Skipped and Dropped are never fatal.
type Result struct {
	From, To uint64
	Events   []*bridge.Event
	Skipped  []SkippedRange
	Dropped  []DroppedLog
}

// Scanner scans one role's contract for its event kind.
type Scanner struct {
	role    bridge.ChainRole
	kind    bridge.EventKind
	source  LogSource
	decoder Decoder
	cfg     Config
	logger  *zap.Logger
}

// New creates a scanner for role.
func New(role bridge.ChainRole, source LogSource, decoder Decoder, cfg Config, logger *zap.Logger) *Scanner {
	return &Scanner{
		role:    role,
		kind:    role.EventKind(),
		source:  source,
		decoder: decoder,
		cfg:     cfg,
		logger:  logger.With(zap.String("role", role.String())),
	}
}

// Window returns [max(0, latest-lookback), latest].
func Window(latest, lookback uint64) (from, to uint64) {
	if lookback > latest {
		return 0, latest
	}
	return latest - lookback, latest
}

// Scan reads the chain head and scans the lookback window below it. Only a
// failure to read the head is returned as an error.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	latest, err := s.source.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	from, to := Window(latest, s.cfg.Lookback)
	return s.ScanRange(ctx, from, to), nil
}

// ScanRange scans [from, to]. Sub-range failures are recorded in the result and
// the scan moves on.
func (s *Scanner) ScanRange(ctx context.Context, from, to uint64) *Result {
	res := &Result{From: from, To: to}
	s.logger.Debug("Scanning blocks", zap.Uint64("from_block", from), zap.Uint64("to_block", to))

	var logs []types.Log
	for _, b := range batches(from, to, s.cfg.MaxBatch) {
		if err := ctx.Err(); err != nil {
			s.skip(res, b[0], to, apperrors.ConnectivityError(err, "scan deadline reached"))
			break
		}
		logs = append(logs, s.collect(ctx, b[0], b[1], res)...)
	}

	res.Events = s.decode(logs, res)
	s.stamp(ctx, res.Events)

	metrics.LastScannedBlock.WithLabelValues(s.role.String()).Set(float64(to))
	metrics.EventsDetected.WithLabelValues(s.role.String(), string(s.kind)).Add(float64(len(res.Events)))

	s.logger.Info("Scan completed",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", to),
		zap.Int("events", len(res.Events)),
		zap.Int("skipped_ranges", len(res.Skipped)),
		zap.Int("dropped_logs", len(res.Dropped)))
	return res
}

// collect fetches [from, to], bisecting while the provider reports the range
// as too large.
func (s *Scanner) collect(ctx context.Context, from, to uint64, res *Result) []types.Log {
	logs, err := s.source.GetLogs(ctx, s.kind, from, to)
	if err == nil {
		return logs
	}
	if apperrors.Is(err, apperrors.CategoryRangeTooLarge) && to > from {
		mid := from + (to-from)/2
		s.logger.Debug("Log range too large, bisecting",
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", to))
		left := s.collect(ctx, from, mid, res)
		return append(left, s.collect(ctx, mid+1, to, res)...)
	}
	s.skip(res, from, to, err)
	return nil
}

func (s *Scanner) skip(res *Result, from, to uint64, err error) {
	cat := apperrors.CategoryOf(err)
	res.Skipped = append(res.Skipped, SkippedRange{From: from, To: to, Reason: cat, Err: err})
	metrics.SkippedRanges.WithLabelValues(s.role.String(), cat.String()).Inc()
	s.logger.Warn("Skipping block range",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", to),
		zap.Stringer("reason", cat),
		zap.Error(err))
}

func (s *Scanner) decode(logs []types.Log, res *Result) []*bridge.Event {
	seen := make(map[bridge.LogKey]struct{}, len(logs))
	events := make([]*bridge.Event, 0, len(logs))
	for _, lg := range logs {
		key := bridge.LogKey{TxHash: lg.TxHash, LogIndex: lg.Index}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		ev, err := s.decoder.Decode(lg)
		if err != nil {
			res.Dropped = append(res.Dropped, DroppedLog{
				BlockNumber: lg.BlockNumber,
				TxHash:      lg.TxHash,
				LogIndex:    lg.Index,
				Err:         err,
			})
			metrics.DroppedLogs.WithLabelValues(s.role.String()).Inc()
			s.logger.Warn("Dropping undecodable log",
				zap.Uint64("block", lg.BlockNumber),
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Uint("log_index", lg.Index),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
	return events
}

// stamp fills block timestamps; a failure leaves the timestamp zero.
func (s *Scanner) stamp(ctx context.Context, events []*bridge.Event) {
	times := make(map[uint64]time.Time)
	for _, ev := range events {
		ts, ok := times[ev.BlockNumber]
		if !ok {
			var err error
			ts, err = s.source.BlockTime(ctx, ev.BlockNumber)
			if err != nil {
				s.logger.Warn("Failed to fetch block time", zap.Uint64("block", ev.BlockNumber), zap.Error(err))
			}
			times[ev.BlockNumber] = ts
		}
		ev.Timestamp = ts
	}
}

// batches splits [from, to] into consecutive ranges of at most size blocks.
func batches(from, to, size uint64) [][2]uint64 {
	if size == 0 || to-from+1 <= size {
		return [][2]uint64{{from, to}}
	}
	var out [][2]uint64
	for start := from; start <= to; start += size {
		end := start + size - 1
		if end > to || end < start {
			end = to
		}
		out = append(out, [2]uint64{start, end})
		if end == to {
			break
		}
	}
	return out
}
