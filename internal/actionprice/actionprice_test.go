package actionprice

import (
	"math"
	"testing"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
)

// longCrossBundle builds a hand-aligned bundle around EMA200=100 with
// a strong bullish body-cross at -2 confirmed at -1. Every positive
// component except slope fires.
func longCrossBundle() *indicators.Bundle {
	n := 20
	candles := make([]binance.Kline, n)
	series200 := make([]float64, n)
	series13 := make([]float64, n)
	for i := 0; i < n; i++ {
		// Filler bars well above the EMA so they neither touch nor
		// retest it.
		candles[i] = binance.Kline{
			OpenTime: int64(i) * 900_000,
			Open:     103, High: 103.5, Low: 102.5, Close: 103.2,
			Volume: 1000,
		}
		series200[i] = 100
		series13[i] = 101
	}

	// Base + retest bar directly before the initiator: tiny body,
	// tags the EMA, closes back above it.
	candles[n-3] = binance.Kline{
		OpenTime: int64(n-3) * 900_000,
		Open:     100.15, High: 100.3, Low: 99.5, Close: 100.2,
		Volume: 900,
	}
	// Initiator: bull body 99 -> 101.5 straddling the EMA, long lower
	// rejection wick.
	candles[n-2] = binance.Kline{
		OpenTime: int64(n-2) * 900_000,
		Open:     99, High: 101.6, Low: 98.4, Close: 101.5,
		Volume: 1200,
	}
	// Confirm: closes above the EMA, close to it, on elevated volume.
	candles[n-1] = binance.Kline{
		OpenTime: int64(n-1) * 900_000,
		Open:     101.5, High: 101.9, Low: 100.4, Close: 100.8,
		Volume: 1600,
	}

	return &indicators.Bundle{
		Symbol:   "BTCUSDT",
		Interval: "15m",
		Candles:  candles,

		EMA5:  100.05,
		EMA13: 100.10,
		EMA20: 100.15,

		EMA13Series:  series13,
		EMA200Series: series200,
		EMA200:       100,

		ATR14:    2.0,
		AvgVol20: 1000,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestEvaluateLongStandard(t *testing.T) {
	eng := New(config.Default().ActionPriceConfig)
	res := eng.Evaluate(longCrossBundle())
	if res == nil {
		t.Fatal("expected a result")
	}
	if res.Direction != database.DirectionLong {
		t.Fatalf("direction = %s, want LONG", res.Direction)
	}
	if res.Mode != database.ModeStandard {
		t.Fatalf("mode = %s, want STANDARD (score %v)", res.Mode, res.Score)
	}

	c := res.Components
	approx(t, "initiator_size", c.InitiatorSize, 2)
	approx(t, "ema_proximity", c.EMAProximity, 1)
	approx(t, "pullback_depth", c.PullbackDepth, 2)
	approx(t, "fan_compactness", c.FanCompactness, 1)
	approx(t, "retest", c.Retest, 1)
	approx(t, "break_and_base", c.BreakAndBase, 1)
	approx(t, "rejection_wick", c.RejectionWick, 1)
	approx(t, "volume", c.Volume, 2)
	approx(t, "lipuchka", c.Lipuchka, 0)
	approx(t, "total", res.Score, 11)

	approx(t, "entry", res.Entry, 100.8)
	approx(t, "sl", res.SL, 97.9) // initiator low 98.4 - 0.25*ATR
	risk := res.Entry - res.SL
	approx(t, "tp1", res.TP1, res.Entry+risk)
	approx(t, "tp2", res.TP2, res.Entry+2*risk)
	if !(res.SL < res.Entry && res.Entry < res.TP1 && res.TP1 < res.TP2) {
		t.Fatalf("price ordering broken: sl=%v entry=%v tp1=%v tp2=%v",
			res.SL, res.Entry, res.TP1, res.TP2)
	}
}

func TestEvaluateScalpModeUsesTighterTP2(t *testing.T) {
	b := longCrossBundle()
	// Strip the volume and wick points so the total drops from 11 to
	// 8, the top of the SCALP band.
	n := len(b.Candles)
	b.Candles[n-1].Volume = 1000 // ratio 1.0, no points
	b.Candles[n-2].Low = 98.9    // lower wick 0.1 < 0.25*ATR

	eng := New(config.Default().ActionPriceConfig)
	res := eng.Evaluate(b)
	if res == nil {
		t.Fatal("expected a result")
	}
	approx(t, "total", res.Score, 8)
	if res.Mode != database.ModeScalp {
		t.Fatalf("mode = %s, want SCALP", res.Mode)
	}
	risk := res.Entry - res.SL
	approx(t, "tp2", res.TP2, res.Entry+1.5*risk)
}

func TestEvaluateRejectsBelowMinimum(t *testing.T) {
	b := longCrossBundle()
	n := len(b.Candles)
	// Weak initiator, far confirm close, dead volume.
	b.Candles[n-2] = binance.Kline{
		OpenTime: b.Candles[n-2].OpenTime,
		Open:     99.9, High: 100.3, Low: 99.85, Close: 100.2, // body 0.3, 0.15 ATR
		Volume: 500,
	}
	b.Candles[n-1] = binance.Kline{
		OpenTime: b.Candles[n-1].OpenTime,
		Open:     100.2, High: 104, Low: 100.1, Close: 103.5, // 1.75 ATR from EMA
		Volume: 500, // ratio 0.5: -1
	}
	b.Candles[n-3] = binance.Kline{
		OpenTime: b.Candles[n-3].OpenTime,
		Open:     103, High: 104.2, Low: 102.5, Close: 104,
		Volume: 1000,
	}

	if res := New(config.Default().ActionPriceConfig).Evaluate(b); res != nil {
		t.Fatalf("expected nil, got score %v components %+v", res.Score, res.Components)
	}
}

func TestEvaluateNoBodyCross(t *testing.T) {
	b := longCrossBundle()
	n := len(b.Candles)
	// Initiator body entirely above the EMA.
	b.Candles[n-2].Open = 100.5
	b.Candles[n-2].Low = 100.3

	if res := New(config.Default().ActionPriceConfig).Evaluate(b); res != nil {
		t.Fatal("expected nil when the body does not straddle the EMA")
	}
}

func TestEvaluateShortMirror(t *testing.T) {
	b := longCrossBundle()
	n := len(b.Candles)
	// Mirror the three pattern bars below the EMA.
	b.Candles[n-3] = binance.Kline{
		OpenTime: b.Candles[n-3].OpenTime,
		Open:     99.85, High: 100.5, Low: 99.7, Close: 99.8,
		Volume: 900,
	}
	b.Candles[n-2] = binance.Kline{
		OpenTime: b.Candles[n-2].OpenTime,
		Open:     101, High: 101.6, Low: 98.4, Close: 98.5,
		Volume: 1200,
	}
	b.Candles[n-1] = binance.Kline{
		OpenTime: b.Candles[n-1].OpenTime,
		Open:     98.5, High: 99.6, Low: 98.1, Close: 99.2,
		Volume: 1600,
	}

	res := New(config.Default().ActionPriceConfig).Evaluate(b)
	if res == nil {
		t.Fatal("expected a result")
	}
	if res.Direction != database.DirectionShort {
		t.Fatalf("direction = %s, want SHORT", res.Direction)
	}
	approx(t, "sl", res.SL, 102.1) // initiator high 101.6 + 0.25*ATR
	if !(res.TP2 < res.TP1 && res.TP1 < res.Entry && res.Entry < res.SL) {
		t.Fatalf("price ordering broken: tp2=%v tp1=%v entry=%v sl=%v",
			res.TP2, res.TP1, res.Entry, res.SL)
	}
}

func TestEvaluateRejectsWideStop(t *testing.T) {
	b := longCrossBundle()
	n := len(b.Candles)
	b.Candles[n-2].Low = 80 // 20%+ away from entry

	if res := New(config.Default().ActionPriceConfig).Evaluate(b); res != nil {
		t.Fatal("expected nil when stop distance exceeds the cap")
	}
}

func TestLipuchkaPenaltyApplies(t *testing.T) {
	b := longCrossBundle()
	n := len(b.Candles)
	// Three extra bars before the initiator glued to the EMA.
	for i := n - 5; i >= n-7; i-- {
		b.Candles[i] = binance.Kline{
			OpenTime: b.Candles[i].OpenTime,
			Open:     100.1, High: 100.4, Low: 99.6, Close: 99.9,
			Volume: 1000,
		}
	}

	res := New(config.Default().ActionPriceConfig).Evaluate(b)
	if res == nil {
		t.Fatal("expected a result")
	}
	approx(t, "lipuchka", res.Components.Lipuchka, -2)
}
