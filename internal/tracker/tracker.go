package tracker

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/locks"
)

// SignalStore is the tracking slice of the signal repository.
type SignalStore interface {
	Active(ctx context.Context) ([]*database.Signal, error)
	UpdateTracking(ctx context.Context, s *database.Signal) error
	Close(ctx context.Context, s *database.Signal) error
}

// CandleSource serves settled candles, oldest first.
type CandleSource interface {
	RecentCandles(ctx context.Context, symbol, tf string, n int) ([]binance.Kline, error)
}

// PriceSource serves the latest mark price; zero means unavailable.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// SignalLocks keeps the slot lock aligned with the signal lifecycle:
// extended on every check while the signal stays active, released on
// terminal transitions. Without the extension a runner that outlives
// the lock TTL would lose its duplicate guard mid-flight.
type SignalLocks interface {
	Extend(ctx context.Context, key locks.Key, signalID string) error
	Release(ctx context.Context, key locks.Key, signalID string) error
}

// CloseJournal records terminal transitions in the audit journal.
type CloseJournal interface {
	SignalClosed(s *database.Signal)
}

// minRisk guards the R-multiple math against zero-distance stops.
const minRisk = 1e-9

// Tracker drives every ACTIVE signal to a terminal state. Checks run
// sequentially within a pass; each committed transition survives a
// later failure in the same pass.
type Tracker struct {
	cfg     config.TrackerConfig
	signals SignalStore
	candles CandleSource
	prices  PriceSource // may be nil
	locks   SignalLocks
	journal CloseJournal // may be nil
	logger  zerolog.Logger
	now     func() time.Time
}

// SetJournal attaches the audit journal for closed signals.
func (t *Tracker) SetJournal(j CloseJournal) { t.journal = j }

func New(cfg config.TrackerConfig, signals SignalStore, candles CandleSource, prices PriceSource, lockMgr SignalLocks, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		signals: signals,
		candles: candles,
		prices:  prices,
		locks:   lockMgr,
		logger:  logger.With().Str("component", "tracker").Logger(),
		now:     time.Now,
	}
}

// backfillMaxBars caps how far back the restart replay reaches.
const backfillMaxBars = 500

// Run blocks on the tracking cadence until ctx is done. Stored bars
// missed while the process was down are replayed first so offline
// exits close at the bar that produced them.
func (t *Tracker) Run(ctx context.Context) {
	t.Backfill(ctx)
	t.CheckAll(ctx)

	ticker := time.NewTicker(time.Duration(t.cfg.CadenceSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(ctx)
		}
	}
}

// CheckAll evaluates every active signal once.
func (t *Tracker) CheckAll(ctx context.Context) {
	active, err := t.signals.Active(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("load active signals")
		return
	}
	for _, sig := range active {
		if err := t.checkOne(ctx, sig); err != nil {
			t.logger.Error().Err(err).Str("signal", sig.ID).Str("symbol", sig.Symbol).Msg("signal check failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Backfill replays every settled candle stored since each active
// signal's last progress, bar by bar, so a stop or target hit during
// downtime closes with that bar's exit price and bar count.
func (t *Tracker) Backfill(ctx context.Context) {
	active, err := t.signals.Active(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("load active signals for backfill")
		return
	}
	for _, sig := range active {
		if err := t.backfillOne(ctx, sig); err != nil {
			t.logger.Error().Err(err).Str("signal", sig.ID).Msg("signal backfill failed")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Tracker) backfillOne(ctx context.Context, sig *database.Signal) error {
	step := binance.IntervalDuration(sig.Interval)
	if step <= 0 {
		return nil
	}
	n := int(t.now().Sub(sig.CreatedAt)/step) + 2
	if n > backfillMaxBars {
		n = backfillMaxBars
	}
	if n < 2 {
		return nil
	}
	ks, err := t.candles.RecentCandles(ctx, sig.Symbol, sig.Interval, n)
	if err != nil {
		return err
	}

	changed := false
	for _, k := range ks {
		if k.OpenTime <= sig.BarOpenTime {
			continue
		}
		// The bar's own close time stands in for "now" so time stops
		// fire at the bar where they were due.
		out := t.evaluate(sig, k, 0, time.UnixMilli(k.CloseTime))
		changed = changed || out.changed
		if !out.closed {
			continue
		}
		if err := t.signals.Close(ctx, sig); err != nil {
			return err
		}
		t.logger.Info().
			Str("signal", sig.ID).
			Str("symbol", sig.Symbol).
			Str("exit", string(sig.ExitReason)).
			Float64("final_pnl", sig.FinalPnL).
			Msg("signal closed during downtime")
		if t.journal != nil {
			t.journal.SignalClosed(sig)
		}
		key := locks.Key{Symbol: sig.Symbol, Direction: sig.Direction, Strategy: sig.Strategy}
		if err := t.locks.Release(ctx, key, sig.ID); err != nil {
			t.logger.Warn().Err(err).Str("signal", sig.ID).Msg("lock release failed")
		}
		return nil
	}
	if changed {
		return t.signals.UpdateTracking(ctx, sig)
	}
	return nil
}

func (t *Tracker) checkOne(ctx context.Context, sig *database.Signal) error {
	ks, err := t.candles.RecentCandles(ctx, sig.Symbol, sig.Interval, 2)
	if err != nil {
		return err
	}
	if len(ks) == 0 {
		return nil
	}
	k := ks[len(ks)-1]
	if k.OpenTime <= sig.BarOpenTime {
		return nil // only the trigger bar has settled so far
	}

	mark := 0.0
	if t.prices != nil {
		if p, err := t.prices.MarkPrice(ctx, sig.Symbol); err == nil {
			mark = p
		}
	}

	out := t.evaluate(sig, k, mark, t.now())
	if !out.closed {
		// The signal outlived another check; push the slot lock's
		// expiry out so it cannot lapse under a long-lived runner.
		t.extendLock(ctx, sig)
	}
	if !out.changed {
		return nil
	}
	if out.closed {
		if err := t.signals.Close(ctx, sig); err != nil {
			return err
		}
		t.logger.Info().
			Str("signal", sig.ID).
			Str("symbol", sig.Symbol).
			Str("exit", string(sig.ExitReason)).
			Float64("exit_price", sig.ExitPrice).
			Float64("final_pnl", sig.FinalPnL).
			Int("bars", sig.BarsToExit).
			Msg("signal closed")
		if t.journal != nil {
			t.journal.SignalClosed(sig)
		}
		key := locks.Key{Symbol: sig.Symbol, Direction: sig.Direction, Strategy: sig.Strategy}
		if err := t.locks.Release(ctx, key, sig.ID); err != nil {
			t.logger.Warn().Err(err).Str("signal", sig.ID).Msg("lock release failed")
		}
		return nil
	}
	return t.signals.UpdateTracking(ctx, sig)
}

func (t *Tracker) extendLock(ctx context.Context, sig *database.Signal) {
	key := locks.Key{Symbol: sig.Symbol, Direction: sig.Direction, Strategy: sig.Strategy}
	if err := t.locks.Extend(ctx, key, sig.ID); err != nil {
		t.logger.Warn().Err(err).Str("signal", sig.ID).Msg("lock extend failed")
	}
}

type outcome struct {
	changed bool
	closed  bool
}

// evaluate applies one check against the latest settled candle and an
// optional mark price, mutating sig in place. Exit rules resolve in a
// fixed order: stop first, then the trailing runner, then targets,
// then time stops.
func (t *Tracker) evaluate(sig *database.Signal, k binance.Kline, mark float64, now time.Time) outcome {
	price := k.Close
	if mark > 0 {
		price = mark
	}
	long := sig.Direction == database.DirectionLong
	risk := sig.RiskPerUnit()

	bars := barsSince(sig, k)
	out := outcome{}

	touch := func(changed bool) {
		if changed {
			out.changed = true
		}
	}
	touch(t.updateExcursions(sig, k, risk))
	sig.LastChecked = now

	// 1. Stop. The meaning depends on how far the signal got: the
	// original stop, the breakeven stop after TP1, or the runner's
	// backstop after TP2.
	if hitStop(sig, k, long) {
		reason := database.ExitStopLoss
		switch {
		case sig.TrailingActive:
			reason = database.ExitTrailing
		case sig.TP1Hit:
			reason = database.ExitBreakeven
		}
		t.close(sig, reason, sig.CurrentSL, bars, now)
		return outcome{changed: true, closed: true}
	}

	// 2. Trailing runner.
	if sig.TrailingActive {
		touch(t.updatePeak(sig, k, long))
		if t.retraced(sig, price, long) {
			t.close(sig, database.ExitTrailing, price, bars, now)
			return outcome{changed: true, closed: true}
		}
		if t.cfg.PostTP2TimeStopHours > 0 && !sig.TP2HitAt.IsZero() &&
			now.Sub(sig.TP2HitAt) >= time.Duration(t.cfg.PostTP2TimeStopHours)*time.Hour {
			t.close(sig, database.ExitTimeStop, price, bars, now)
			return outcome{changed: true, closed: true}
		}
		return out
	}

	// 3. TP2, applying a jumped TP1 first so the accounting never
	// skips a tier.
	if reached(price, sig.TP2, long) {
		if !sig.TP1Hit {
			t.applyTP1(sig)
		}
		sig.TP2Hit = true
		sig.TP2PnL = sig.PnLPercent(sig.TP2) * t.cfg.TP2Size
		sig.TP2HitAt = now
		sig.TrailingActive = true
		sig.PeakPrice = favorableExtreme(k, sig.TP2, long)
		return outcome{changed: true}
	}

	// 4. TP1.
	if !sig.TP1Hit && reached(price, sig.TP1, long) {
		t.applyTP1(sig)
		return outcome{changed: true}
	}

	// 5. Time stop before TP1.
	if !sig.TP1Hit && t.cfg.TimeStopBars > 0 && bars >= t.cfg.TimeStopBars {
		t.close(sig, database.ExitTimeStop, price, bars, now)
		return outcome{changed: true, closed: true}
	}

	return out
}

// applyTP1 books the 30% partial and moves the stop to breakeven.
func (t *Tracker) applyTP1(sig *database.Signal) {
	sig.TP1Hit = true
	sig.TP1PnL = sig.PnLPercent(sig.TP1) * t.cfg.TP1Size
	sig.CurrentSL = sig.Entry
}

// close fills the terminal fields. Final PnL sums the tiers that
// fired plus the still-open fraction at the exit price.
func (t *Tracker) close(sig *database.Signal, reason database.ExitReason, exitPrice float64, bars int, now time.Time) {
	openFraction := 1.0
	if sig.TP1Hit {
		openFraction -= t.cfg.TP1Size
	}
	if sig.TP2Hit {
		openFraction -= t.cfg.TP2Size
	}

	sig.Status = database.StatusClosed
	sig.ExitReason = reason
	sig.ExitPrice = exitPrice
	sig.FinalPnL = sig.TP1PnL + sig.TP2PnL + sig.PnLPercent(exitPrice)*openFraction
	sig.BarsToExit = bars
	sig.ClosedAt = now
}

func hitStop(sig *database.Signal, k binance.Kline, long bool) bool {
	if long {
		return k.Low <= sig.CurrentSL
	}
	return k.High >= sig.CurrentSL
}

func reached(price, target float64, long bool) bool {
	if target == 0 {
		return false
	}
	if long {
		return price >= target
	}
	return price <= target
}

// updatePeak keeps the trailing peak monotonic in the favorable
// direction.
func (t *Tracker) updatePeak(sig *database.Signal, k binance.Kline, long bool) bool {
	if long && k.High > sig.PeakPrice {
		sig.PeakPrice = k.High
		return true
	}
	if !long && (sig.PeakPrice == 0 || k.Low < sig.PeakPrice) {
		sig.PeakPrice = k.Low
		return true
	}
	return false
}

// retraced measures the give-back from the trailing peak. The unit is
// the entry ATR; a percent-of-peak distance stands in when the signal
// carries no ATR.
func (t *Tracker) retraced(sig *database.Signal, price float64, long bool) bool {
	if sig.PeakPrice == 0 {
		return false
	}
	distance := t.cfg.TrailATRMult * sig.ATR
	if sig.ATR <= 0 {
		if t.cfg.TrailRetracePct <= 0 {
			return false
		}
		distance = sig.PeakPrice * t.cfg.TrailRetracePct / 100
	}
	if long {
		return sig.PeakPrice-price >= distance
	}
	return price-sig.PeakPrice >= distance
}

func favorableExtreme(k binance.Kline, floor float64, long bool) float64 {
	if long {
		return math.Max(k.High, floor)
	}
	return math.Min(k.Low, floor)
}

// updateExcursions records MFE/MAE in R multiples; skipped when the
// stop distance is degenerate.
func (t *Tracker) updateExcursions(sig *database.Signal, k binance.Kline, risk float64) bool {
	if risk < minRisk {
		return false
	}
	var fav, adv float64
	if sig.Direction == database.DirectionLong {
		fav = (k.High - sig.Entry) / risk
		adv = (sig.Entry - k.Low) / risk
	} else {
		fav = (sig.Entry - k.Low) / risk
		adv = (k.High - sig.Entry) / risk
	}
	changed := false
	if fav > sig.MFE {
		sig.MFE = fav
		changed = true
	}
	if adv > sig.MAE {
		sig.MAE = adv
		changed = true
	}
	return changed
}

func barsSince(sig *database.Signal, k binance.Kline) int {
	step := binance.IntervalDuration(sig.Interval).Milliseconds()
	if step <= 0 || k.OpenTime <= sig.BarOpenTime {
		return 0
	}
	return int((k.OpenTime - sig.BarOpenTime) / step)
}
