package ledger

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uptrace/bun"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
)

// RelayRecordDao maps directly to the 'relay_records' table in PostgreSQL.
// The nonce is a uint64 on chain, so it is stored as numeric(20,0) and carried as text.
type RelayRecordDao struct {
	bun.BaseModel `bun:"table:relay_records,alias:rr"`
	Role          string    `bun:"role,pk,type:varchar(16)"`
	Nonce         string    `bun:"nonce,pk,type:numeric(20,0)"`
	Status        string    `bun:"status,notnull,type:varchar(16)"`
	TargetTxHash  *string   `bun:"target_tx_hash,type:varchar(66)"`
	AttemptCount  int       `bun:"attempt_count,notnull,default:0"`
	LastError     *string   `bun:"last_error,type:text"`
	Token         string    `bun:"token,notnull,type:varchar(42)"`
	Account       string    `bun:"account,notnull,type:varchar(42)"`
	Amount        string    `bun:"amount,notnull,type:numeric(78,0)"`
	SourceTxHash  string    `bun:"source_tx_hash,notnull,type:varchar(66)"`
	SourceBlock   int64     `bun:"source_block,notnull"`
	LogIndex      int64     `bun:"log_index,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull,type:timestamptz"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,type:timestamptz"`
}

func nonceText(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func toRecordDao(rec *bridge.RelayRecord) *RelayRecordDao {
	dao := &RelayRecordDao{
		Role:         rec.Role.String(),
		Nonce:        nonceText(rec.Nonce),
		Status:       string(rec.Status),
		AttemptCount: rec.AttemptCount,
		Token:        rec.Token.Hex(),
		Account:      rec.Account.Hex(),
		Amount:       "0",
		SourceTxHash: rec.SourceTxHash.Hex(),
		SourceBlock:  int64(rec.SourceBlock),
		LogIndex:     int64(rec.LogIndex),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Amount != nil {
		dao.Amount = rec.Amount.String()
	}
	if rec.TargetTxHash != nil {
		h := rec.TargetTxHash.Hex()
		dao.TargetTxHash = &h
	}
	if rec.LastError != "" {
		e := rec.LastError
		dao.LastError = &e
	}
	return dao
}

func toRecord(dao *RelayRecordDao) (*bridge.RelayRecord, error) {
	role, err := bridge.ParseRole(dao.Role)
	if err != nil {
		return nil, err
	}
	status, err := bridge.ParseStatus(dao.Status)
	if err != nil {
		return nil, err
	}
	nonce, err := strconv.ParseUint(dao.Nonce, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce %q: %w", dao.Nonce, err)
	}
	amount, ok := new(big.Int).SetString(dao.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", dao.Amount)
	}

	rec := &bridge.RelayRecord{
		Role:         role,
		Nonce:        nonce,
		Status:       status,
		AttemptCount: dao.AttemptCount,
		Token:        common.HexToAddress(dao.Token),
		Account:      common.HexToAddress(dao.Account),
		Amount:       amount,
		SourceTxHash: common.HexToHash(dao.SourceTxHash),
		SourceBlock:  uint64(dao.SourceBlock),
		LogIndex:     uint(dao.LogIndex),
		CreatedAt:    dao.CreatedAt.UTC(),
		UpdatedAt:    dao.UpdatedAt.UTC(),
	}
	if dao.TargetTxHash != nil {
		h := common.HexToHash(*dao.TargetTxHash)
		rec.TargetTxHash = &h
	}
	if dao.LastError != nil {
		rec.LastError = *dao.LastError
	}
	return rec, nil
}
