package warden

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
)

type probe bool

func (p probe) IsReady() bool { return bool(p) }

func seedLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	store := ledger.NewMemory()
	ctx := context.Background()
	for i, role := range []bridge.ChainRole{bridge.RoleSource, bridge.RoleSource, bridge.RoleDestination} {
		amount, _ := new(big.Int).SetString("1500000000000000000", 10)
		ok, err := store.TryBegin(ctx, &bridge.Event{
			Role:    role,
			Kind:    role.EventKind(),
			Token:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Account: common.HexToAddress("0x00000000000000000000000000000000000000bb"),
			Amount:  amount,
			Nonce:   uint64(i + 1),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	hash := common.HexToHash("0x01")
	require.NoError(t, store.RecordAttempt(ctx, bridge.RoleSource, 1, hash))
	require.NoError(t, store.Complete(ctx, bridge.RoleSource, 1, bridge.Confirmed(hash)))
	return store
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Probes(t *testing.T) {
	store := ledger.NewMemory()

	notReady := NewRouter(RouterConfig{}, store, probe(false), zap.NewNop())
	assert.Equal(t, http.StatusOK, serve(t, notReady, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, notReady, "/ready").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, notReady, "/metrics").Code)

	ready := NewRouter(RouterConfig{MetricsEnabled: true}, store, probe(true), zap.NewNop())
	assert.Equal(t, http.StatusOK, serve(t, ready, "/ready").Code)
	assert.Equal(t, http.StatusOK, serve(t, ready, "/metrics").Code)
}

func TestRouter_ListRecords(t *testing.T) {
	h := NewRouter(RouterConfig{TokenDecimals: 18}, seedLedger(t), probe(true), zap.NewNop())

	var body struct {
		Records []RecordView `json:"records"`
	}

	rec := serve(t, h, "/api/v1/records")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Records, 3)

	rec = serve(t, h, "/api/v1/records?status=pending&role=source")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "2", body.Records[0].Nonce)
	assert.Equal(t, "1500000000000000000", body.Records[0].Amount)
	assert.Equal(t, "1.5", body.Records[0].AmountDecimal)

	rec = serve(t, h, "/api/v1/records?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Records, 1)
}

func TestRouter_ListRecordsBadQuery(t *testing.T) {
	h := NewRouter(RouterConfig{}, seedLedger(t), probe(true), zap.NewNop())
	for _, path := range []string{
		"/api/v1/records?status=lost",
		"/api/v1/records?role=sideways",
		"/api/v1/records?limit=0",
		"/api/v1/records?limit=many",
	} {
		assert.Equal(t, http.StatusBadRequest, serve(t, h, path).Code, path)
	}
}

func TestRouter_GetRecord(t *testing.T) {
	h := NewRouter(RouterConfig{TokenDecimals: 18}, seedLedger(t), probe(true), zap.NewNop())

	rec := serve(t, h, "/api/v1/records/source/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var view RecordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, bridge.StatusConfirmed, view.Status)
	assert.Equal(t, common.HexToHash("0x01").Hex(), view.TargetTxHash)
	assert.Equal(t, 1, view.AttemptCount)

	assert.Equal(t, http.StatusNotFound, serve(t, h, "/api/v1/records/destination/1").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, h, "/api/v1/records/source/-1").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, h, "/api/v1/records/left/1").Code)
}

func TestRouter_Status(t *testing.T) {
	h := NewRouter(RouterConfig{}, seedLedger(t), probe(true), zap.NewNop())

	rec := serve(t, h, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records map[string]int `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Records["pending"])
	assert.Equal(t, 1, body.Records["confirmed"])
}

func TestNewRecordView_NilAmount(t *testing.T) {
	v := NewRecordView(&bridge.RelayRecord{Role: bridge.RoleSource, Nonce: 9, Status: bridge.StatusPending}, 6)
	assert.Equal(t, "0", v.Amount)
	assert.Equal(t, "0", v.AmountDecimal)
	assert.Empty(t, v.TargetTxHash)
}
