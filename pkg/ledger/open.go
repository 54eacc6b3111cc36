package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/config"
	"github.com/chainsafe/bridge-warden/pkg/pgutil"
)

// Open connects the backend selected by cfg.Ledger.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
		db, err := pgutil.ConnectDB(ctx, &cfg.Database)
		if err != nil {
			return nil, apperrors.ConnectivityError(err, "failed to connect ledger database")
		}
		logger.Info("Using postgres relay ledger", zap.String("database", cfg.Database.Database))
		return NewPostgres(db), nil

	case config.LedgerRedis:
		pool := NewRedisPool(&cfg.Redis)
		conn, err := pool.GetContext(ctx)
		if err == nil {
			_, err = conn.Do("PING")
			_ = conn.Close()
		}
		if err != nil {
			_ = pool.Close()
			return nil, apperrors.ConnectivityError(err, "failed to connect ledger redis")
		}
		logger.Info("Using redis relay ledger",
			zap.String("address", cfg.Redis.Address),
			zap.String("key_prefix", cfg.Redis.KeyPrefix))
		return NewRedis(pool, cfg.Redis.KeyPrefix), nil

	case config.LedgerMemory:
		logger.Warn("Using in-memory relay ledger; records are lost on exit")
		return NewMemory(), nil

	default:
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("unknown ledger backend %q", cfg.Ledger.Backend))
	}
}
