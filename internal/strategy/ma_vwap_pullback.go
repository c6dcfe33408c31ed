package strategy

import (
	"math"

	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/regime"
)

// MAVWAPPullback joins an established 4h trend on a pullback into the
// EMA20/VWAP band, inside the 38.2–61.8% Fibonacci window of the last
// impulse leg.
type MAVWAPPullback struct {
	legLookback int
}

func NewMAVWAPPullback() *MAVWAPPullback {
	return &MAVWAPPullback{legLookback: 30}
}

func (s *MAVWAPPullback) Name() string       { return "ma_vwap_pullback" }
func (s *MAVWAPPullback) Timeframe() string  { return "4h" }
func (s *MAVWAPPullback) Category() Category { return CategoryTrend }

func (s *MAVWAPPullback) Evaluate(in *Input) *Proposal {
	if in.Regime.Regime != regime.Trend {
		return nil
	}
	b := in.Bundle
	if b == nil || b.ATR14 == 0 || b.EMA200 == 0 || len(b.Candles) < s.legLookback+1 {
		return nil
	}
	trigger, ok := b.At(-1)
	if !ok {
		return nil
	}

	up := b.EMA50 > b.EMA200
	down := b.EMA50 < b.EMA200
	atr := b.ATR14

	// Pullback band: between EMA20 and VWAP, widened by a fraction of
	// ATR on each side.
	bandLo := math.Min(b.EMA20, b.VWAP20) - 0.3*atr
	bandHi := math.Max(b.EMA20, b.VWAP20) + 0.3*atr
	inBand := trigger.Low <= bandHi && trigger.High >= bandLo

	legHi, legLo := legExtremes(b.Candles, s.legLookback)
	if legHi <= legLo {
		return nil
	}
	// Fibonacci retracement of the leg: the close must sit in the
	// 38.2–61.8 window measured from the leg extreme.
	retrace := 0.0
	if up {
		retrace = (legHi - trigger.Close) / (legHi - legLo)
	} else {
		retrace = (trigger.Close - legLo) / (legHi - legLo)
	}
	inFib := retrace >= 0.382 && retrace <= 0.618

	if up && inBand && inFib && trigger.IsBull() {
		entry := trigger.Close
		sl := math.Min(trigger.Low, bandLo) - 0.25*atr
		p := &Proposal{
			Strategy:    s.Name(),
			Direction:   database.DirectionLong,
			Entry:       entry,
			SL:          sl,
			BaseScore:   s.score(in, retrace),
			PriceAction: trigger.LowerWick() >= 0.3*atr,
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		p.TP3 = rr(p.Direction, entry, sl, 3)
		if p.Valid() {
			return p
		}
		return nil
	}

	if down && inBand && inFib && !trigger.IsBull() {
		entry := trigger.Close
		sl := math.Max(trigger.High, bandHi) + 0.25*atr
		p := &Proposal{
			Strategy:    s.Name(),
			Direction:   database.DirectionShort,
			Entry:       entry,
			SL:          sl,
			BaseScore:   s.score(in, retrace),
			PriceAction: trigger.UpperWick() >= 0.3*atr,
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		p.TP3 = rr(p.Direction, entry, sl, 3)
		if p.Valid() {
			return p
		}
	}
	return nil
}

// legExtremes returns the high/low of the trailing impulse leg,
// excluding the trigger bar.
func legExtremes(candles []binance.Kline, n int) (float64, float64) {
	end := len(candles) - 1
	start := end - n
	if start < 0 {
		start = 0
	}
	hi, lo := candles[start].High, candles[start].Low
	for _, k := range candles[start:end] {
		hi = math.Max(hi, k.High)
		lo = math.Min(lo, k.Low)
	}
	return hi, lo
}

func (s *MAVWAPPullback) score(in *Input, retrace float64) float64 {
	score := 2.5
	// The golden-pocket middle of the window is the best entry.
	if retrace >= 0.45 && retrace <= 0.62 {
		score += 0.5
	}
	if in.Bundle.ADX14 > 30 {
		score += 0.5
	}
	if in.Regime.Bias != regime.Neutral {
		score += 0.5
	}
	return score
}
