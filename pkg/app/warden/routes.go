package warden

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	apphttp "github.com/chainsafe/bridge-warden/pkg/app/http"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/ledger"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	middlewareTimeout = 60 * time.Second
)

// ReadinessProbe reports whether every direction has completed a cycle.
type ReadinessProbe interface {
	IsReady() bool
}

// RouterConfig carries what the ops router needs besides its collaborators.
type RouterConfig struct {
	MetricsEnabled bool
	TokenDecimals  int32
}

// NewRouter builds the ops HTTP surface: probes, metrics and a read-only view of the ledger.
func NewRouter(cfg RouterConfig, store ledger.Ledger, probe ReadinessProbe, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(middlewareTimeout))
	r.Use(accessLog(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !probe.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	h := &recordHandler{ledger: store, decimals: cfg.TokenDecimals}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/records", apphttp.HandleError(logger, h.list))
		r.Get("/records/{role}/{nonce}", apphttp.HandleError(logger, h.get))
		r.Get("/status", apphttp.HandleError(logger, h.status))
	})
	return r
}

// accessLog replaces chi's stdlib request logger with zap.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// RecordView is the API representation of a relay record.
type RecordView struct {
	Role          bridge.ChainRole   `json:"role"`
	Nonce         string             `json:"nonce"`
	Status        bridge.RelayStatus `json:"status"`
	TargetTxHash  string             `json:"target_tx_hash,omitempty"`
	AttemptCount  int                `json:"attempt_count"`
	LastError     string             `json:"last_error,omitempty"`
	Token         string             `json:"token"`
	Account       string             `json:"account"`
	Amount        string             `json:"amount"`
	AmountDecimal string             `json:"amount_decimal"`
	SourceTxHash  string             `json:"source_tx_hash"`
	SourceBlock   uint64             `json:"source_block"`
	LogIndex      uint               `json:"log_index"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewRecordView renders rec; the amount is shown raw and scaled by decimals.
func NewRecordView(rec *bridge.RelayRecord, decimals int32) RecordView {
	v := RecordView{
		Role:         rec.Role,
		Nonce:        strconv.FormatUint(rec.Nonce, 10),
		Status:       rec.Status,
		AttemptCount: rec.AttemptCount,
		LastError:    rec.LastError,
		Token:        rec.Token.Hex(),
		Account:      rec.Account.Hex(),
		Amount:       "0",
		SourceTxHash: rec.SourceTxHash.Hex(),
		SourceBlock:  rec.SourceBlock,
		LogIndex:     rec.LogIndex,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.TargetTxHash != nil {
		v.TargetTxHash = rec.TargetTxHash.Hex()
	}
	amount := decimal.Zero
	if rec.Amount != nil {
		v.Amount = rec.Amount.String()
		amount = decimal.NewFromBigInt(rec.Amount, -decimals)
	}
	v.AmountDecimal = amount.String()
	return v
}

type recordHandler struct {
	ledger   ledger.Ledger
	decimals int32
}

func (h *recordHandler) list(w http.ResponseWriter, r *http.Request) error {
	f, err := parseFilter(r)
	if err != nil {
		return err
	}
	records, err := h.ledger.List(r.Context(), f)
	if err != nil {
		return err
	}
	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, NewRecordView(rec, h.decimals))
	}
	return writeJSON(w, map[string]any{"records": views})
}

func (h *recordHandler) get(w http.ResponseWriter, r *http.Request) error {
	role, err := bridge.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		return apperrors.BadRequestError(err, "invalid role")
	}
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		return apperrors.BadRequestError(err, "invalid nonce")
	}
	rec, err := h.ledger.Get(r.Context(), role, nonce)
	if err != nil {
		return err
	}
	return writeJSON(w, NewRecordView(rec, h.decimals))
}

func (h *recordHandler) status(w http.ResponseWriter, r *http.Request) error {
	counts, err := h.ledger.CountByStatus(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]any{"records": counts})
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{Limit: defaultListLimit}
	if s := q.Get("role"); s != "" {
		role, err := bridge.ParseRole(s)
		if err != nil {
			return f, apperrors.BadRequestError(err, "invalid role")
		}
		f.Role = role
	}
	if s := q.Get("status"); s != "" {
		st, err := bridge.ParseStatus(s)
		if err != nil {
			return f, apperrors.BadRequestError(err, "invalid status")
		}
		f.Status = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxListLimit {
			return f, apperrors.BadRequestError(err, "limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
