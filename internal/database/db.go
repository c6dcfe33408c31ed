package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, url string, maxConns int32, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info().Msg("connected to postgres")
	return &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}, nil
}

// Close shuts the pool down.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck pings with a short timeout.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// RunMigrations executes schema migrations in order. Statements are
// idempotent so reruns are safe.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR(24) NOT NULL,
			interval VARCHAR(8) NOT NULL,
			open_time BIGINT NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			quote_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			taker_buy_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			trades BIGINT NOT NULL DEFAULT 0,
			close_time BIGINT NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_candles_symbol_interval_close
			ON candles (symbol, interval, close_time DESC)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			symbol VARCHAR(24) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			source VARCHAR(16) NOT NULL,
			strategy VARCHAR(40) NOT NULL,
			mode VARCHAR(10) NOT NULL DEFAULT 'STANDARD',
			interval VARCHAR(8) NOT NULL,
			entry DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			tp1 DOUBLE PRECISION NOT NULL,
			tp2 DOUBLE PRECISION NOT NULL,
			atr DOUBLE PRECISION NOT NULL DEFAULT 0,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			regime VARCHAR(16) NOT NULL DEFAULT '',
			components JSONB,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			current_sl DOUBLE PRECISION NOT NULL,
			tp1_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp2_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp1_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			tp2_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			peak_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			tp2_hit_at TIMESTAMPTZ,
			mfe DOUBLE PRECISION NOT NULL DEFAULT 0,
			mae DOUBLE PRECISION NOT NULL DEFAULT 0,
			exit_reason VARCHAR(24),
			exit_price DOUBLE PRECISION,
			final_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			bars_to_exit INT NOT NULL DEFAULT 0,
			bar_open_time BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			last_checked TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_signals_status
			ON signals (status, symbol)`,

		`CREATE INDEX IF NOT EXISTS idx_signals_strategy_closed
			ON signals (strategy, closed_at) WHERE status = 'CLOSED'`,

		// One active signal per (symbol, direction, strategy): the
		// lock table's primary key is the enforcement point; Redis is
		// only the fast path in front of it.
		`CREATE TABLE IF NOT EXISTS signal_locks (
			symbol VARCHAR(24) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			strategy VARCHAR(40) NOT NULL,
			signal_id UUID NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (symbol, direction, strategy)
		)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	db.logger.Info().Int("count", len(migrations)).Msg("migrations applied")
	return nil
}
