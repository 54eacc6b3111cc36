package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gomodule/redigo/redis"

	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/config"
)

// maxWatchRetries bounds optimistic transaction retries on a contended key.
const maxWatchRetries = 8

var errConflict = errors.New("relay record modified concurrently")

type redisLedger struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisPool builds a connection pool from the redis settings.
func NewRedisPool(cfg *config.RedisConfig) *redis.Pool {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(cfg.DialTimeout),
		redis.DialReadTimeout(cfg.ReadTimeout),
		redis.DialWriteTimeout(cfg.WriteTimeout),
		redis.DialDatabase(cfg.DB),
	}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}
	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Address, opts...)
		},
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedis creates a ledger storing one JSON document per record under
// <prefix>:relay:<role>:<nonce>, plus an index set of all record keys.
func NewRedis(pool *redis.Pool, prefix string) *redisLedger {
	return &redisLedger{pool: pool, prefix: prefix}
}

func (l *redisLedger) key(role bridge.ChainRole, nonce uint64) string {
	return fmt.Sprintf("%s:relay:%s:%d", l.prefix, role, nonce)
}

func (l *redisLedger) indexKey() string {
	return l.prefix + ":relays"
}

func (l *redisLedger) conn(ctx context.Context) (redis.Conn, error) {
	c, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	return c, nil
}

func (l *redisLedger) IsProcessed(ctx context.Context, role bridge.ChainRole, nonce uint64) (bool, error) {
	c, err := l.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	exists, err := redis.Bool(c.Do("EXISTS", l.key(role, nonce)))
	if err != nil {
		return false, fmt.Errorf("failed to check relay record: %w", err)
	}
	return exists, nil
}

func (l *redisLedger) TryBegin(ctx context.Context, ev *bridge.Event) (bool, error) {
	payload, err := json.Marshal(bridge.NewPendingRecord(ev, now()))
	if err != nil {
		return false, fmt.Errorf("cannot marshal relay record: %w", err)
	}

	c, err := l.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	key := l.key(ev.Role, ev.Nonce)
	if err := c.Send("MULTI"); err != nil {
		return false, err
	}
	if err := c.Send("SET", key, payload, "NX"); err != nil {
		return false, err
	}
	if err := c.Send("SADD", l.indexKey(), key); err != nil {
		return false, err
	}
	replies, err := redis.Values(c.Do("EXEC"))
	if err != nil {
		return false, fmt.Errorf("failed to insert relay record: %w", err)
	}
	// SET NX replies nil when the key already exists
	return len(replies) > 0 && replies[0] != nil, nil
}

func (l *redisLedger) RecordAttempt(ctx context.Context, role bridge.ChainRole, nonce uint64, txHash common.Hash) error {
	_, err := l.update(ctx, role, nonce, func(rec *bridge.RelayRecord) error {
		if rec.Status != bridge.StatusPending {
			return invalidTransition(role, nonce, rec.Status, bridge.StatusPending)
		}
		rec.AttemptCount++
		rec.TargetTxHash = &txHash
		rec.UpdatedAt = now()
		return nil
	})
	return err
}

func (l *redisLedger) Complete(ctx context.Context, role bridge.ChainRole, nonce uint64, out bridge.Outcome) error {
	_, err := l.update(ctx, role, nonce, func(rec *bridge.RelayRecord) error {
		if !rec.Status.CanTransitionTo(out.Status) {
			return invalidTransition(role, nonce, rec.Status, out.Status)
		}
		return out.Apply(rec, now())
	})
	return err
}

func (l *redisLedger) Get(ctx context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error) {
	c, err := l.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return l.get(c, l.key(role, nonce))
}

func (l *redisLedger) get(c redis.Conn, key string) (*bridge.RelayRecord, error) {
	data, err := redis.Bytes(c.Do("GET", key))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relay record: %w", err)
	}
	var rec bridge.RelayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot unmarshal relay record %s: %w", key, err)
	}
	return &rec, nil
}

func (l *redisLedger) List(ctx context.Context, f Filter) ([]*bridge.RelayRecord, error) {
	c, err := l.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	keys, err := redis.Strings(c.Do("SMEMBERS", l.indexKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to list relay records: %w", err)
	}
	out := make([]*bridge.RelayRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := l.get(c, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.match(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *redisLedger) CountByStatus(ctx context.Context) (map[bridge.RelayStatus]int, error) {
	recs, err := l.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[bridge.RelayStatus]int)
	for _, rec := range recs {
		counts[rec.Status]++
	}
	return counts, nil
}

func (l *redisLedger) Reclaim(ctx context.Context, role bridge.ChainRole, nonce uint64, olderThan time.Time) (bool, error) {
	_, err := l.update(ctx, role, nonce, func(rec *bridge.RelayRecord) error {
		if rec.Status != bridge.StatusPending || !rec.UpdatedAt.Before(olderThan) {
			return errUnchanged
		}
		rec.UpdatedAt = now()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *redisLedger) Redrive(ctx context.Context, role bridge.ChainRole, nonce uint64) (*bridge.RelayRecord, error) {
	return l.update(ctx, role, nonce, func(rec *bridge.RelayRecord) error {
		if rec.Status != bridge.StatusFailed {
			return invalidTransition(role, nonce, rec.Status, bridge.StatusPending)
		}
		rec.Status = bridge.StatusPending
		rec.TargetTxHash = nil
		rec.UpdatedAt = now()
		return nil
	})
}

func (l *redisLedger) Close() error {
	return l.pool.Close()
}

var errUnchanged = errors.New("unchanged")

// update applies fn to the stored record under WATCH/MULTI/EXEC and retries
// when another writer touched the key in between.
func (l *redisLedger) update(ctx context.Context, role bridge.ChainRole, nonce uint64,
	fn func(rec *bridge.RelayRecord) error) (*bridge.RelayRecord, error) {
	c, err := l.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	key := l.key(role, nonce)
	for i := 0; i < maxWatchRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := c.Do("WATCH", key); err != nil {
			return nil, fmt.Errorf("failed to watch relay record: %w", err)
		}
		rec, err := l.get(c, key)
		if err != nil {
			_, _ = c.Do("UNWATCH")
			return nil, err
		}
		if err := fn(rec); err != nil {
			_, _ = c.Do("UNWATCH")
			return nil, err
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			_, _ = c.Do("UNWATCH")
			return nil, fmt.Errorf("cannot marshal relay record: %w", err)
		}

		if err := c.Send("MULTI"); err != nil {
			return nil, err
		}
		if err := c.Send("SET", key, payload); err != nil {
			return nil, err
		}
		_, err = redis.Values(c.Do("EXEC"))
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update relay record: %w", err)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s", errConflict, key)
}
