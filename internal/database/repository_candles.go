package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoCandles is returned when a symbol/interval has no stored data.
var ErrNoCandles = errors.New("database: no candles stored")

// CandleRepository persists settled candles.
type CandleRepository struct {
	db *DB
}

func NewCandleRepository(db *DB) *CandleRepository {
	return &CandleRepository{db: db}
}

// Upsert writes candles in one batch. Re-fetched candles overwrite
// the stored row so a corrected snapshot wins.
func (r *CandleRepository) Upsert(ctx context.Context, candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO candles
				(symbol, interval, open_time, open, high, low, close,
				 volume, quote_volume, taker_buy_volume, trades, close_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume,
				quote_volume = EXCLUDED.quote_volume,
				taker_buy_volume = EXCLUDED.taker_buy_volume,
				trades = EXCLUDED.trades,
				close_time = EXCLUDED.close_time`,
			c.Symbol, c.Interval, c.OpenTime, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TakerBuyVolume, c.Trades, c.CloseTime)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upserting candles: %w", err)
		}
	}
	return nil
}

const candleColumns = `symbol, interval, open_time, open, high, low, close,
	volume, quote_volume, taker_buy_volume, trades, close_time`

func scanCandles(rows pgx.Rows) ([]Candle, error) {
	defer rows.Close()
	var out []Candle
	for rows.Next() {
		var c Candle
		if err := rows.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.Open, &c.High,
			&c.Low, &c.Close, &c.Volume, &c.QuoteVolume, &c.TakerBuyVolume,
			&c.Trades, &c.CloseTime); err != nil {
			return nil, fmt.Errorf("scanning candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Recent returns the newest limit candles, oldest first.
func (r *CandleRepository) Recent(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+candleColumns+` FROM (
			SELECT `+candleColumns+`
			FROM candles
			WHERE symbol = $1 AND interval = $2
			ORDER BY open_time DESC
			LIMIT $3
		) sub ORDER BY open_time ASC`,
		symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent candles: %w", err)
	}
	return scanCandles(rows)
}

// Range returns candles with open_time in [from, to], oldest first.
func (r *CandleRepository) Range(ctx context.Context, symbol, interval string, from, to int64) ([]Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+candleColumns+`
		FROM candles
		WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4
		ORDER BY open_time ASC`,
		symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying candle range: %w", err)
	}
	return scanCandles(rows)
}

// LatestOpenTime returns the newest stored open_time, or ErrNoCandles.
func (r *CandleRepository) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error) {
	var openTime int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT open_time FROM candles
		WHERE symbol = $1 AND interval = $2
		ORDER BY open_time DESC LIMIT 1`,
		symbol, interval).Scan(&openTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoCandles
	}
	if err != nil {
		return 0, fmt.Errorf("querying latest open time: %w", err)
	}
	return openTime, nil
}

// OpenTimes returns all stored open_times in [from, to] ascending,
// used by the gap scanner.
func (r *CandleRepository) OpenTimes(ctx context.Context, symbol, interval string, from, to int64) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT open_time FROM candles
		WHERE symbol = $1 AND interval = $2 AND open_time BETWEEN $3 AND $4
		ORDER BY open_time ASC`,
		symbol, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying open times: %w", err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// DeleteOlderThan trims history beyond the retention horizon.
func (r *CandleRepository) DeleteOlderThan(ctx context.Context, interval string, cutoffOpenTime int64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM candles WHERE interval = $1 AND open_time < $2`,
		interval, cutoffOpenTime)
	if err != nil {
		return 0, fmt.Errorf("pruning candles: %w", err)
	}
	return tag.RowsAffected(), nil
}
