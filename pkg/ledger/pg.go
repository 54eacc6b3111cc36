package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uptrace/bun"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
)

type pgLedger struct {
	db *bun.DB
}

// NewPostgres creates a ledger over an existing bun connection. The
// relay_records table is created by the ledgerdb migrations.
func NewPostgres(db *bun.DB) *pgLedger {
	return &pgLedger{db: db}
}

func byKey(q *bun.UpdateQuery, role bridge.ChainRole, nonce uint64) *bun.UpdateQuery {
	return q.Where("role = ?", role.String()).Where("nonce = ?", nonceText(nonce))
}

func (l *pgLedger) IsProcessed(ctx context.Context, role bridge.ChainRole, nonce uint64) (bool, error) {
	exists, err := l.db.NewSelect().
		Model((*RelayRecordDao)(nil)).
		Where("role = ?", role.String()).
		Where("nonce = ?", nonceText(nonce)).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check relay record: %w", err)
	}
	return exists, nil
}

func (l *pgLedger) TryBegin(ctx context.Context, ev *bridge.Event) (bool, error) {
	dao := toRecordDao(bridge.NewPendingRecord(ev, now()))
	res, err := l.db.NewInsert().
		Model(dao).
		On("CONFLICT (role, nonce) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to insert relay record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

func (l *pgLedger) RecordAttempt(ctx context.Context, role bridge.ChainRole, nonce uint64, txHash common.Hash) error {
	q := l.db.NewUpdate().
		Model((*RelayRecordDao)(nil)).
		Set("attempt_count = attempt_count + 1").
		Set("target_tx_hash = ?", txHash.Hex()).
		Set("updated_at = ?", now()).
		Where("status = ?", string(bridge.StatusPending))
	affected, err := l.exec(ctx, byKey(q, role, nonce))
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if affected == 0 {
		return l.explainMiss(ctx, role, nonce, bridge.StatusPending)
	}
	return nil
}

func (l *pgLedger) Complete(ctx context.Context, role bridge.ChainRole, nonce uint64, out bridge.Outcome) error {
	preds := predecessorValues(out.Status)
	if len(preds) == 0 {
		return invalidTransition(role, nonce, "*", out.Status)
	}

	q := l.db.NewUpdate().
		Model((*RelayRecordDao)(nil)).
		Set("status = ?", string(out.Status)).
		Set("updated_at = ?", now()).
		Where("status IN (?)", bun.In(preds))
	if out.TxHash != nil {
		q = q.Set("target_tx_hash = ?", out.TxHash.Hex())
	}
	if out.Err != nil {
		q = q.Set("last_error = ?", out.Err.Error())
	}
	affected, err := l.exec(ctx, byKey(q, role, nonce))
	if err != nil {
		return fmt.Errorf("failed to complete relay record: %w", err)
	}
	if affected == 0 {
		return l.explainMiss(ctx, role, nonce, out.Status)
	}
	return nil
}

func (l *pgLedger) Get(ctx context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error) {
	dao := new(RelayRecordDao)
	err := l.db.NewSelect().
		Model(dao).
		Where("role = ?", role.String()).
		Where("nonce = ?", nonceText(nonce)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relay record: %w", err)
	}
	return toRecord(dao)
}

func (l *pgLedger) List(ctx context.Context, f Filter) ([]*bridge.RelayRecord, error) {
	var daos []RelayRecordDao
	q := l.db.NewSelect().Model(&daos)
	if f.Role != "" {
		q = q.Where("role = ?", f.Role.String())
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	q = q.Order("created_at ASC", "role ASC", "nonce ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list relay records: %w", err)
	}

	out := make([]*bridge.RelayRecord, 0, len(daos))
	for i := range daos {
		rec, err := toRecord(&daos[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *pgLedger) CountByStatus(ctx context.Context) (map[bridge.RelayStatus]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int    `bun:"count"`
	}
	err := l.db.NewSelect().
		Model((*RelayRecordDao)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count relay records: %w", err)
	}
	counts := make(map[bridge.RelayStatus]int, len(rows))
	for _, r := range rows {
		counts[bridge.RelayStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (l *pgLedger) Reclaim(ctx context.Context, role bridge.ChainRole, nonce uint64, olderThan time.Time) (bool, error) {
	q := l.db.NewUpdate().
		Model((*RelayRecordDao)(nil)).
		Set("updated_at = ?", now()).
		Where("status = ?", string(bridge.StatusPending)).
		Where("updated_at < ?", olderThan)
	affected, err := l.exec(ctx, byKey(q, role, nonce))
	if err != nil {
		return false, fmt.Errorf("failed to reclaim relay record: %w", err)
	}
	if affected == 0 {
		if _, err := l.Get(ctx, role, nonce); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (l *pgLedger) Redrive(ctx context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error) {
	q := l.db.NewUpdate().
		Model((*RelayRecordDao)(nil)).
		Set("status = ?", string(bridge.StatusPending)).
		Set("target_tx_hash = NULL").
		Set("updated_at = ?", now()).
		Where("status = ?", string(bridge.StatusFailed))
	affected, err := l.exec(ctx, byKey(q, role, nonce))
	if err != nil {
		return nil, fmt.Errorf("failed to redrive relay record: %w", err)
	}
	if affected == 0 {
		return nil, l.explainMiss(ctx, role, nonce, bridge.StatusPending)
	}
	return l.Get(ctx, role, nonce)
}

func (l *pgLedger) Close() error {
	return l.db.Close()
}

func (l *pgLedger) exec(ctx context.Context, q *bun.UpdateQuery) (int64, error) {
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// explainMiss turns a conditional update that matched no row into ErrNotFound
// or an invalid transition error.
func (l *pgLedger) explainMiss(ctx context.Context, role bridge.ChainRole, nonce uint64, to bridge.RelayStatus) error {
	rec, err := l.Get(ctx, role, nonce)
	if err != nil {
		return err
	}
	return invalidTransition(role, nonce, rec.Status, to)
}

// predecessorValues lists, as column values, the statuses a record may hold before next.
func predecessorValues(next bridge.RelayStatus) []string {
	preds := bridge.AllowedPredecessors(next)
	out := make([]string, len(preds))
	for i, s := range preds {
		out[i] = string(s)
	}
	return out
}
