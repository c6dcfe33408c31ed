package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-signal-bot/internal/database"
)

// Key identifies one lock: a (symbol, direction, strategy) slot may
// hold at most one live signal.
type Key struct {
	Symbol    string
	Direction database.Direction
	Strategy  string
}

func (k Key) String() string {
	return fmt.Sprintf("siglock:%s:%s:%s", k.Symbol, k.Direction, k.Strategy)
}

// Repository is the durable lock store; *database.LockRepository is
// the production implementation.
type Repository interface {
	TryAcquire(ctx context.Context, lock database.SignalLock) (bool, error)
	Release(ctx context.Context, symbol string, direction database.Direction, strategy, signalID string) error
	ExtendLock(ctx context.Context, symbol string, direction database.Direction, strategy, signalID string, until time.Time) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// Manager is the keyed mutex over signal slots. Redis, when
// configured, serves as the fast atomic path (SET NX EX); the
// database row is always written too so locks survive a Redis flush
// and can be rebuilt on boot.
type Manager struct {
	repo   Repository
	rdb    *redis.Client // nil when Redis is disabled
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewManager(repo Repository, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With().Str("component", "locks").Logger(),
		now:    time.Now,
	}
}

// TryAcquire atomically claims the slot for signalID. False means a
// non-expired holder already exists.
func (m *Manager) TryAcquire(ctx context.Context, key Key, signalID string) (bool, error) {
	if m.rdb != nil {
		ok, err := m.rdb.SetNX(ctx, key.String(), signalID, m.ttl).Result()
		if err != nil {
			// Redis down is not a reason to stop trading; the DB row
			// is still atomic.
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("redis lock path failed, using database")
		} else if !ok {
			return false, nil
		}
	}

	now := m.now()
	acquired, err := m.repo.TryAcquire(ctx, database.SignalLock{
		Symbol:     key.Symbol,
		Direction:  key.Direction,
		Strategy:   key.Strategy,
		SignalID:   signalID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	})
	if err != nil {
		m.releaseRedis(ctx, key, signalID)
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		// Redis said yes but the durable row disagrees; the row wins.
		m.releaseRedis(ctx, key, signalID)
		return false, nil
	}
	return true, nil
}

// Release frees the slot if signalID still owns it.
func (m *Manager) Release(ctx context.Context, key Key, signalID string) error {
	m.releaseRedis(ctx, key, signalID)
	if err := m.repo.Release(ctx, key.Symbol, key.Direction, key.Strategy, signalID); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// releaseRedis deletes the Redis key only when signalID still owns it,
// using a check-and-del script so a racing owner is never evicted.
func (m *Manager) releaseRedis(ctx context.Context, key Key, signalID string) {
	if m.rdb == nil {
		return
	}
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	if err := m.rdb.Eval(ctx, script, []string{key.String()}, signalID).Err(); err != nil && err != redis.Nil {
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("redis lock release failed")
	}
}

// Extend pushes the expiry out for a still-active signal.
func (m *Manager) Extend(ctx context.Context, key Key, signalID string) error {
	until := m.now().Add(m.ttl)
	if m.rdb != nil {
		if err := m.rdb.Expire(ctx, key.String(), m.ttl).Err(); err != nil {
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("redis lock extend failed")
		}
	}
	return m.repo.ExtendLock(ctx, key.Symbol, key.Direction, key.Strategy, signalID, until)
}

// Rebuild recreates locks for every ACTIVE signal after a restart, so
// the next cycle cannot duplicate-emit while positions are open.
func (m *Manager) Rebuild(ctx context.Context, signals []*database.Signal) error {
	rebuilt := 0
	for _, sig := range signals {
		if sig.Status != database.StatusActive {
			continue
		}
		key := Key{Symbol: sig.Symbol, Direction: sig.Direction, Strategy: sig.Strategy}
		acquired, err := m.TryAcquire(ctx, key, sig.ID)
		if err != nil {
			return fmt.Errorf("rebuild lock for signal %s: %w", sig.ID, err)
		}
		if acquired {
			rebuilt++
		}
	}
	m.logger.Info().Int("rebuilt", rebuilt).Int("active", len(signals)).Msg("signal locks rebuilt")
	return nil
}

// PurgeExpired drops stale rows; called periodically by the engine.
func (m *Manager) PurgeExpired(ctx context.Context) error {
	n, err := m.repo.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Debug().Int64("purged", n).Msg("expired signal locks removed")
	}
	return nil
}
