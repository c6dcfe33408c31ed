package strategy

import (
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
)

// LiquiditySweep fires when a bar wicks beyond the recent extreme and
// rapidly reclaims: stops beyond the level were swept, and the close
// back inside argues for the opposite direction.
type LiquiditySweep struct {
	lookback int
}

func NewLiquiditySweep() *LiquiditySweep {
	return &LiquiditySweep{lookback: 20}
}

func (s *LiquiditySweep) Name() string       { return "liquidity_sweep" }
func (s *LiquiditySweep) Timeframe() string  { return "15m" }
func (s *LiquiditySweep) Category() Category { return CategoryMeanReversion }

func (s *LiquiditySweep) Evaluate(in *Input) *Proposal {
	b := in.Bundle
	if b == nil || b.ATR14 == 0 || len(b.Candles) < s.lookback+2 {
		return nil
	}

	trigger, ok := b.At(-1)
	if !ok {
		return nil
	}

	// Extreme of the bars before the trigger.
	prior := b.Candles[len(b.Candles)-1-s.lookback : len(b.Candles)-1]
	hi, lo := prior[0].High, prior[0].Low
	for _, k := range prior {
		if k.High > hi {
			hi = k.High
		}
		if k.Low < lo {
			lo = k.Low
		}
	}

	atr := b.ATR14
	minPoke := 0.1 * atr // the wick must clear the extreme meaningfully

	// Sweep below the low, reclaim: LONG.
	if trigger.Low < lo-minPoke && trigger.Close > lo && trigger.IsBull() {
		entry := trigger.Close
		sl := trigger.Low - 0.25*atr
		p := &Proposal{
			Strategy:    s.Name(),
			Direction:   database.DirectionLong,
			Entry:       entry,
			SL:          sl,
			BaseScore:   s.score(trigger, atr, trigger.LowerWick()),
			PriceAction: true,
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if !p.Valid() {
			return nil
		}
		return p
	}

	// Sweep above the high, reclaim: SHORT.
	if trigger.High > hi+minPoke && trigger.Close < hi && !trigger.IsBull() {
		entry := trigger.Close
		sl := trigger.High + 0.25*atr
		p := &Proposal{
			Strategy:    s.Name(),
			Direction:   database.DirectionShort,
			Entry:       entry,
			SL:          sl,
			BaseScore:   s.score(trigger, atr, trigger.UpperWick()),
			PriceAction: true,
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if !p.Valid() {
			return nil
		}
		return p
	}

	return nil
}

// score rewards a deep sweep wick and a solid reclaim body.
func (s *LiquiditySweep) score(trigger binance.Kline, atr, wick float64) float64 {
	score := 2.0
	if wick >= 0.5*atr {
		score += 1.0
	}
	if wick >= 1.0*atr {
		score += 0.5
	}
	if trigger.Body() >= 0.5*atr {
		score += 0.5
	}
	return score
}
