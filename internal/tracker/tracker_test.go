package tracker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/locks"
)

const stepMs = 15 * 60 * 1000

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTracker() *Tracker {
	tr := New(config.Default().TrackerConfig, nil, nil, nil, nil, zerolog.Nop())
	tr.now = func() time.Time { return t0 }
	return tr
}

func longSignal() *database.Signal {
	return &database.Signal{
		ID:          "sig-1",
		Symbol:      "BTCUSDT",
		Direction:   database.DirectionLong,
		Strategy:    "break_retest",
		Interval:    "15m",
		Entry:       100,
		StopLoss:    98,
		CurrentSL:   98,
		TP1:         102,
		TP2:         104,
		ATR:         1.0,
		Status:      database.StatusActive,
		BarOpenTime: 0,
	}
}

// bar builds the n-th settled candle after entry with the given close;
// high/low hug the close unless overridden.
func bar(n int, close float64) binance.Kline {
	return binance.Kline{
		OpenTime: int64(n) * stepMs,
		Open:     close, High: close + 0.1, Low: close - 0.1, Close: close,
		CloseTime: int64(n+1)*stepMs - 1,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

// LONG 100/98 with tp1=102: rally to tp1 books the 30% partial and
// moves the stop to entry; drifting back to entry closes BREAKEVEN
// with the partial preserved.
func TestLongTP1ThenBreakeven(t *testing.T) {
	tr := newTracker()
	sig := longSignal()

	out := tr.evaluate(sig, bar(1, 103), 0, t0)
	if out.closed || !out.changed {
		t.Fatalf("tp1 pass: closed=%v changed=%v", out.closed, out.changed)
	}
	if !sig.TP1Hit || sig.TP2Hit {
		t.Fatalf("tp1_hit=%v tp2_hit=%v, want true/false", sig.TP1Hit, sig.TP2Hit)
	}
	approx(t, "tp1_pnl", sig.TP1PnL, 0.60) // +2% x 0.30
	approx(t, "current_sl", sig.CurrentSL, 100)

	out = tr.evaluate(sig, bar(2, 101.5), 0, t0)
	if out.closed {
		t.Fatal("101.5 close must not exit")
	}

	k := bar(3, 100)
	k.Low = 100
	out = tr.evaluate(sig, k, 0, t0)
	if !out.closed {
		t.Fatal("return to entry after TP1 must close")
	}
	if sig.ExitReason != database.ExitBreakeven {
		t.Fatalf("exit = %s, want BREAKEVEN", sig.ExitReason)
	}
	approx(t, "final_pnl", sig.FinalPnL, 0.60)
	if sig.BarsToExit != 3 {
		t.Fatalf("bars_to_exit = %d, want 3", sig.BarsToExit)
	}
}

// SHORT SCALP 50/51 with tp1=49 tp2=48.5 ATR=0.2: tp1, tp2, then the
// runner trails until a 1.2 ATR give-back from the favorable peak.
func TestShortScalpFullLadder(t *testing.T) {
	tr := newTracker()
	sig := &database.Signal{
		ID: "sig-2", Symbol: "ETHUSDT",
		Direction: database.DirectionShort,
		Strategy:  "action_price", Interval: "15m",
		Entry: 50, StopLoss: 51, CurrentSL: 51,
		TP1: 49, TP2: 48.5, ATR: 0.2,
		Status: database.StatusActive, BarOpenTime: 0,
	}

	tr.evaluate(sig, bar(1, 48.8), 0, t0)
	if !sig.TP1Hit {
		t.Fatal("tp1 not booked")
	}
	approx(t, "tp1_pnl", sig.TP1PnL, 0.60) // +2% x 0.30
	approx(t, "current_sl", sig.CurrentSL, 50)

	k := bar(2, 48.45)
	k.Low = 48.4
	tr.evaluate(sig, k, 0, t0)
	if !sig.TP2Hit || !sig.TrailingActive {
		t.Fatalf("tp2_hit=%v trailing=%v, want true/true", sig.TP2Hit, sig.TrailingActive)
	}
	approx(t, "tp2_pnl", sig.TP2PnL, 1.20) // +3% x 0.40
	approx(t, "peak", sig.PeakPrice, 48.4)

	k = bar(3, 48.6)
	k.Low = 48.5
	out := tr.evaluate(sig, k, 0, t0)
	if out.closed {
		t.Fatal("0.2 give-back is under 1.2*ATR, must stay open")
	}
	approx(t, "peak", sig.PeakPrice, 48.4)

	k = bar(4, 48.8)
	k.Low = 48.7
	out = tr.evaluate(sig, k, 0, t0)
	if !out.closed || sig.ExitReason != database.ExitTrailing {
		t.Fatalf("closed=%v exit=%s, want trailing close", out.closed, sig.ExitReason)
	}
	approx(t, "exit_price", sig.ExitPrice, 48.8)
	// 0.60 + 1.20 + (50-48.8)/50*100 * 0.30
	approx(t, "final_pnl", sig.FinalPnL, 2.52)
}

// LONG 10/9: the first candle sweeps the stop; the whole position
// exits at sl.
func TestLongStopLossFullPosition(t *testing.T) {
	tr := newTracker()
	sig := &database.Signal{
		ID: "sig-3", Symbol: "XRPUSDT",
		Direction: database.DirectionLong,
		Strategy:  "liquidity_sweep", Interval: "15m",
		Entry: 10, StopLoss: 9, CurrentSL: 9,
		TP1: 11, TP2: 12, ATR: 0.1,
		Status: database.StatusActive, BarOpenTime: 0,
	}
	k := bar(1, 9.2)
	k.Low = 8.9
	out := tr.evaluate(sig, k, 0, t0)
	if !out.closed || sig.ExitReason != database.ExitStopLoss {
		t.Fatalf("closed=%v exit=%s, want STOP_LOSS", out.closed, sig.ExitReason)
	}
	approx(t, "exit_price", sig.ExitPrice, 9)
	approx(t, "final_pnl", sig.FinalPnL, -10)
}

// LONG with no TP1 after the time-stop window closes at the mark
// price.
func TestTimeStopAtMarkPrice(t *testing.T) {
	tr := newTracker()
	sig := &database.Signal{
		ID: "sig-4", Symbol: "BNBUSDT",
		Direction: database.DirectionLong,
		Strategy:  "volume_profile", Interval: "15m",
		Entry: 100, StopLoss: 99, CurrentSL: 99,
		TP1: 101, ATR: 0.5,
		Status: database.StatusActive, BarOpenTime: 0,
	}
	// Bar 11 is inside the 12-bar window.
	out := tr.evaluate(sig, bar(11, 100.2), 0, t0)
	if out.closed {
		t.Fatal("closed before the time-stop window elapsed")
	}

	out = tr.evaluate(sig, bar(13, 100.2), 100.3, t0)
	if !out.closed || sig.ExitReason != database.ExitTimeStop {
		t.Fatalf("closed=%v exit=%s, want TIME_STOP", out.closed, sig.ExitReason)
	}
	approx(t, "exit_price", sig.ExitPrice, 100.3)
	approx(t, "final_pnl", sig.FinalPnL, 0.30)
}

// A close through tp2 with tp1 never hit books both tiers in one
// check.
func TestJumpedTP1AppliedBeforeTP2(t *testing.T) {
	tr := newTracker()
	sig := longSignal()

	out := tr.evaluate(sig, bar(1, 104.5), 0, t0)
	if out.closed {
		t.Fatal("tp2 transition must keep the runner open")
	}
	if !sig.TP1Hit || !sig.TP2Hit || !sig.TrailingActive {
		t.Fatalf("tp1=%v tp2=%v trailing=%v, want all true", sig.TP1Hit, sig.TP2Hit, sig.TrailingActive)
	}
	approx(t, "tp1_pnl", sig.TP1PnL, 0.60)
	approx(t, "tp2_pnl", sig.TP2PnL, 1.60) // +4% x 0.40
	approx(t, "current_sl", sig.CurrentSL, 100)
	approx(t, "peak", sig.PeakPrice, 104.6) // bar high above tp2
}

// After TP2 the entry backstop closes the runner as TRAILING, and a
// 72h old runner dies of the post-TP2 time stop.
func TestRunnerBackstopAndStaleRunner(t *testing.T) {
	tr := newTracker()
	sig := longSignal()
	tr.evaluate(sig, bar(1, 104.5), 0, t0)

	backstop := *sig
	k := bar(2, 100.5)
	k.Low = 99.8
	out := tr.evaluate(&backstop, k, 0, t0)
	if !out.closed || backstop.ExitReason != database.ExitTrailing {
		t.Fatalf("closed=%v exit=%s, want TRAILING via backstop", out.closed, backstop.ExitReason)
	}
	approx(t, "exit_price", backstop.ExitPrice, 100)

	stale := *sig
	later := t0.Add(73 * time.Hour)
	out = tr.evaluate(&stale, bar(2, 104.2), 0, later)
	if !out.closed || stale.ExitReason != database.ExitTimeStop {
		t.Fatalf("closed=%v exit=%s, want post-TP2 TIME_STOP", out.closed, stale.ExitReason)
	}
}

func TestExcursionsTrackedInR(t *testing.T) {
	tr := newTracker()
	sig := longSignal() // R = 2

	k := bar(1, 101)
	k.High = 103 // +1.5R favorable
	k.Low = 99   // 0.5R adverse
	tr.evaluate(sig, k, 0, t0)
	approx(t, "mfe", sig.MFE, 1.5)
	approx(t, "mae", sig.MAE, 0.5)

	// Degenerate risk skips the excursion math entirely.
	flat := longSignal()
	flat.StopLoss = flat.Entry
	flat.CurrentSL = 90 // keep the stop check quiet
	tr.evaluate(flat, k, 0, t0)
	approx(t, "mfe", flat.MFE, 0)
	approx(t, "mae", flat.MAE, 0)
}

// ---- checkOne plumbing ----

type memSignals struct {
	active  []*database.Signal
	updates int
	closes  int
}

func (m *memSignals) Active(context.Context) ([]*database.Signal, error) { return m.active, nil }
func (m *memSignals) UpdateTracking(_ context.Context, s *database.Signal) error {
	if s.Status != database.StatusActive {
		return database.ErrSignalNotActive
	}
	m.updates++
	return nil
}
func (m *memSignals) Close(_ context.Context, s *database.Signal) error {
	m.closes++
	return nil
}

type memCandles struct {
	byKey map[string][]binance.Kline
}

func (m *memCandles) RecentCandles(_ context.Context, symbol, tf string, n int) ([]binance.Kline, error) {
	ks := m.byKey[symbol+"|"+tf]
	if len(ks) > n {
		ks = ks[len(ks)-n:]
	}
	return ks, nil
}

type memLocks struct{ released, extended []string }

func (m *memLocks) Release(_ context.Context, key locks.Key, signalID string) error {
	m.released = append(m.released, signalID)
	return nil
}

func (m *memLocks) Extend(_ context.Context, key locks.Key, signalID string) error {
	m.extended = append(m.extended, signalID)
	return nil
}

func TestCheckAllClosesAndReleasesLock(t *testing.T) {
	sig := &database.Signal{
		ID: "sig-9", Symbol: "XRPUSDT",
		Direction: database.DirectionLong,
		Strategy:  "liquidity_sweep", Interval: "15m",
		Entry: 10, StopLoss: 9, CurrentSL: 9,
		TP1: 11, TP2: 12, ATR: 0.1,
		Status: database.StatusActive, BarOpenTime: 0,
	}
	store := &memSignals{active: []*database.Signal{sig}}
	stopBar := bar(1, 9.2)
	stopBar.Low = 8.9
	candles := &memCandles{byKey: map[string][]binance.Kline{
		"XRPUSDT|15m": {bar(0, 10), stopBar},
	}}
	lk := &memLocks{}

	tr := New(config.Default().TrackerConfig, store, candles, nil, lk, zerolog.Nop())
	tr.now = func() time.Time { return t0 }
	tr.CheckAll(context.Background())

	if store.closes != 1 {
		t.Fatalf("closes = %d, want 1", store.closes)
	}
	if len(lk.released) != 1 || lk.released[0] != "sig-9" {
		t.Fatalf("released = %v, want [sig-9]", lk.released)
	}
}

func TestCheckOneSkipsTriggerBar(t *testing.T) {
	sig := longSignal()
	sig.BarOpenTime = stepMs // entry on bar 1
	store := &memSignals{active: []*database.Signal{sig}}
	// Only the trigger bar itself has settled; its range must not
	// resolve exits.
	hot := bar(1, 97) // would be a stop hit if evaluated
	candles := &memCandles{byKey: map[string][]binance.Kline{
		"BTCUSDT|15m": {hot},
	}}

	tr := New(config.Default().TrackerConfig, store, candles, nil, &memLocks{}, zerolog.Nop())
	tr.now = func() time.Time { return t0 }
	tr.CheckAll(context.Background())

	if store.closes != 0 || store.updates != 0 {
		t.Fatalf("closes=%d updates=%d, want no writes", store.closes, store.updates)
	}
	if sig.Status != database.StatusActive {
		t.Fatal("signal must stay active")
	}
}

// Restart replay: TP1 and the breakeven exit both happened while the
// process was down; backfill must book the partial and close at the
// breakeven bar, not against today's price.
func TestBackfillClosesOfflineExit(t *testing.T) {
	sig := longSignal()
	store := &memSignals{active: []*database.Signal{sig}}
	tp1Bar := bar(1, 103)
	drift := bar(2, 101)
	beBar := bar(3, 99.9) // low 99.8 breaches the moved stop at 100
	candles := &memCandles{byKey: map[string][]binance.Kline{
		"BTCUSDT|15m": {bar(0, 100), tp1Bar, drift, beBar},
	}}
	lk := &memLocks{}

	tr := New(config.Default().TrackerConfig, store, candles, nil, lk, zerolog.Nop())
	tr.now = func() time.Time { return t0 }
	tr.Backfill(context.Background())

	if store.closes != 1 {
		t.Fatalf("closes = %d, want 1", store.closes)
	}
	if sig.ExitReason != database.ExitBreakeven {
		t.Fatalf("exit reason = %s, want %s", sig.ExitReason, database.ExitBreakeven)
	}
	approx(t, "final pnl", sig.FinalPnL, 0.60)
	if sig.BarsToExit != 3 {
		t.Errorf("bars to exit = %d, want 3", sig.BarsToExit)
	}
	if len(lk.released) != 1 || lk.released[0] != "sig-1" {
		t.Fatalf("released = %v, want [sig-1]", lk.released)
	}
}

func TestBackfillKeepsHealthySignalActive(t *testing.T) {
	sig := longSignal()
	store := &memSignals{active: []*database.Signal{sig}}
	candles := &memCandles{byKey: map[string][]binance.Kline{
		"BTCUSDT|15m": {bar(0, 100), bar(1, 100.5), bar(2, 101)},
	}}

	tr := New(config.Default().TrackerConfig, store, candles, nil, &memLocks{}, zerolog.Nop())
	tr.now = func() time.Time { return t0 }
	tr.Backfill(context.Background())

	if store.closes != 0 {
		t.Fatalf("closes = %d, want 0", store.closes)
	}
	if store.updates != 1 {
		t.Fatalf("updates = %d, want 1", store.updates)
	}
	if sig.Status != database.StatusActive {
		t.Fatal("signal must stay active")
	}
}

// Every check on a still-active signal pushes the lock expiry out, so
// a runner that lives past the original TTL keeps its slot held.
func TestCheckAllExtendsLockWhileActive(t *testing.T) {
	sig := longSignal()
	store := &memSignals{active: []*database.Signal{sig}}
	candles := &memCandles{byKey: map[string][]binance.Kline{
		"BTCUSDT|15m": {bar(0, 100), bar(1, 100.5)},
	}}
	lk := &memLocks{}

	tr := New(config.Default().TrackerConfig, store, candles, nil, lk, zerolog.Nop())
	tr.now = func() time.Time { return t0 }
	tr.CheckAll(context.Background())

	if len(lk.extended) != 1 || lk.extended[0] != "sig-1" {
		t.Fatalf("extended = %v, want [sig-1]", lk.extended)
	}
	if len(lk.released) != 0 {
		t.Fatalf("released = %v, want none while active", lk.released)
	}
	if sig.Status != database.StatusActive {
		t.Fatal("signal must stay active")
	}
}
