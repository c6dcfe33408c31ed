package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrSignalNotActive is returned when a tracking update targets a
// signal that is already closed. Terminal signals never change again.
var ErrSignalNotActive = errors.New("database: signal is not active")

// SignalRepository persists signals and their tracking state.
type SignalRepository struct {
	db *DB
}

func NewSignalRepository(db *DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// Insert stores a freshly emitted signal.
func (r *SignalRepository) Insert(ctx context.Context, s *Signal) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signals
			(id, symbol, direction, source, strategy, mode, interval,
			 entry, stop_loss, tp1, tp2, atr, score, regime, components,
			 status, current_sl, bar_open_time, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		s.ID, s.Symbol, s.Direction, s.Source, s.Strategy, s.Mode, s.Interval,
		s.Entry, s.StopLoss, s.TP1, s.TP2, s.ATR, s.Score, s.Regime, s.Components,
		s.Status, s.CurrentSL, s.BarOpenTime, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting signal %s: %w", s.ID, err)
	}
	return nil
}

// UpdateTracking persists mutable tracking state. Only active rows
// are touched; ErrSignalNotActive reports a lost race with a close.
func (r *SignalRepository) UpdateTracking(ctx context.Context, s *Signal) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE signals SET
			current_sl = $2, tp1_hit = $3, tp2_hit = $4,
			tp1_pnl = $5, tp2_pnl = $6,
			trailing_active = $7, peak_price = $8, tp2_hit_at = $9,
			mfe = $10, mae = $11, last_checked = $12
		WHERE id = $1 AND status = 'ACTIVE'`,
		s.ID, s.CurrentSL, s.TP1Hit, s.TP2Hit,
		s.TP1PnL, s.TP2PnL,
		s.TrailingActive, s.PeakPrice, nullTime(s.TP2HitAt),
		s.MFE, s.MAE, time.Now())
	if err != nil {
		return fmt.Errorf("updating signal %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignalNotActive
	}
	return nil
}

// Close finalizes a signal. The status guard makes the operation
// idempotent under concurrent tracker passes.
func (r *SignalRepository) Close(ctx context.Context, s *Signal) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE signals SET
			status = 'CLOSED', exit_reason = $2, exit_price = $3,
			final_pnl = $4, current_sl = $5,
			tp1_hit = $6, tp2_hit = $7, tp1_pnl = $8, tp2_pnl = $9,
			trailing_active = $10, peak_price = $11,
			mfe = $12, mae = $13, bars_to_exit = $14,
			closed_at = $15, last_checked = $15
		WHERE id = $1 AND status = 'ACTIVE'`,
		s.ID, s.ExitReason, s.ExitPrice,
		s.FinalPnL, s.CurrentSL,
		s.TP1Hit, s.TP2Hit, s.TP1PnL, s.TP2PnL,
		s.TrailingActive, s.PeakPrice,
		s.MFE, s.MAE, s.BarsToExit,
		time.Now())
	if err != nil {
		return fmt.Errorf("closing signal %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignalNotActive
	}
	return nil
}

const signalColumns = `id, symbol, direction, source, strategy, mode, interval,
	entry, stop_loss, tp1, tp2, atr, score, regime, components,
	status, current_sl, tp1_hit, tp2_hit, tp1_pnl, tp2_pnl,
	trailing_active, peak_price, tp2_hit_at, mfe, mae,
	exit_reason, exit_price, final_pnl, bars_to_exit, bar_open_time,
	created_at, closed_at, last_checked`

func scanSignal(row pgx.Row) (*Signal, error) {
	var s Signal
	var tp2HitAt, closedAt, lastChecked *time.Time
	var exitReason *string
	var exitPrice *float64

	err := row.Scan(&s.ID, &s.Symbol, &s.Direction, &s.Source, &s.Strategy, &s.Mode,
		&s.Interval, &s.Entry, &s.StopLoss, &s.TP1, &s.TP2, &s.ATR, &s.Score,
		&s.Regime, &s.Components, &s.Status, &s.CurrentSL, &s.TP1Hit, &s.TP2Hit,
		&s.TP1PnL, &s.TP2PnL, &s.TrailingActive, &s.PeakPrice, &tp2HitAt,
		&s.MFE, &s.MAE, &exitReason, &exitPrice, &s.FinalPnL, &s.BarsToExit, &s.BarOpenTime,
		&s.CreatedAt, &closedAt, &lastChecked)
	if err != nil {
		return nil, err
	}

	if tp2HitAt != nil {
		s.TP2HitAt = *tp2HitAt
	}
	if closedAt != nil {
		s.ClosedAt = *closedAt
	}
	if lastChecked != nil {
		s.LastChecked = *lastChecked
	}
	if exitReason != nil {
		s.ExitReason = ExitReason(*exitReason)
	}
	if exitPrice != nil {
		s.ExitPrice = *exitPrice
	}
	return &s, nil
}

// Get fetches one signal by id.
func (r *SignalRepository) Get(ctx context.Context, id string) (*Signal, error) {
	s, err := scanSignal(r.db.Pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("signal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching signal %s: %w", id, err)
	}
	return s, nil
}

func (r *SignalRepository) queryMany(ctx context.Context, sql string, args ...interface{}) ([]*Signal, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Active returns every signal still being tracked, oldest first.
func (r *SignalRepository) Active(ctx context.Context) ([]*Signal, error) {
	return r.queryMany(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE status = 'ACTIVE' ORDER BY created_at ASC`)
}

// RecentClosed returns the newest closed signals.
func (r *SignalRepository) RecentClosed(ctx context.Context, limit int) ([]*Signal, error) {
	return r.queryMany(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE status = 'CLOSED'
		 ORDER BY closed_at DESC LIMIT $1`, limit)
}

// HasRecentSignal reports whether the (symbol, strategy, direction)
// slot emitted a signal at or after the given bar open. Used for
// cooldowns; the direction keeps a fresh SHORT from being suppressed
// by a recent LONG.
func (r *SignalRepository) HasRecentSignal(ctx context.Context, symbol, strategy string, direction Direction, sinceBarOpen int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signals
			WHERE symbol = $1 AND strategy = $2 AND direction = $3 AND bar_open_time >= $4
		)`, symbol, strategy, direction, sinceBarOpen).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking recent signals: %w", err)
	}
	return exists, nil
}

// StatsByStrategy aggregates closed signals. A win is a terminal exit
// with positive total PnL; actives are excluded entirely.
func (r *SignalRepository) StatsByStrategy(ctx context.Context) ([]StrategyStats, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT strategy,
			COUNT(*),
			COUNT(*) FILTER (WHERE final_pnl > 0),
			COUNT(*) FILTER (WHERE final_pnl <= 0),
			COALESCE(AVG(final_pnl), 0),
			COALESCE(SUM(final_pnl), 0),
			COALESCE(AVG(mfe), 0),
			COALESCE(AVG(mae), 0),
			COALESCE(AVG(CASE WHEN tp1_hit THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN tp2_hit THEN 1.0 ELSE 0.0 END), 0)
		FROM signals
		WHERE status = 'CLOSED'
		GROUP BY strategy
		ORDER BY strategy`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var out []StrategyStats
	for rows.Next() {
		var st StrategyStats
		if err := rows.Scan(&st.Strategy, &st.Total, &st.Wins, &st.Losses,
			&st.AvgPnL, &st.TotalPnL, &st.AvgMFE, &st.AvgMAE,
			&st.TP1HitRate, &st.TP2HitRate); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		if st.Total > 0 {
			st.WinRate = float64(st.Wins) / float64(st.Total) * 100
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
