package strategy

import (
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
	"futures-signal-bot/internal/regime"
)

// ATRMomentum joins an impulse: a bar whose range is at least 1.4x
// the median true range, followed by a bar that holds the move.
type ATRMomentum struct {
	impulseMult float64
	medianBars  int
}

func NewATRMomentum() *ATRMomentum {
	return &ATRMomentum{impulseMult: 1.4, medianBars: 30}
}

func (s *ATRMomentum) Name() string       { return "atr_momentum" }
func (s *ATRMomentum) Timeframe() string  { return "15m" }
func (s *ATRMomentum) Category() Category { return CategoryTrend }

func (s *ATRMomentum) Evaluate(in *Input) *Proposal {
	if in.Regime.Regime != regime.Trend {
		return nil
	}
	b := in.Bundle
	if b == nil || b.ATR14 == 0 || len(b.Candles) < s.medianBars+3 {
		return nil
	}

	impulse, ok := b.At(-2)
	if !ok {
		return nil
	}
	follow, ok := b.At(-1)
	if !ok {
		return nil
	}

	median := indicators.MedianATRBody(b.Candles[:len(b.Candles)-2], s.medianBars)
	if median == 0 {
		return nil
	}
	if impulse.High-impulse.Low < s.impulseMult*median {
		return nil
	}

	atr := b.ATR14

	// Follow-through: the next bar closes beyond the impulse midpoint
	// in the impulse direction without giving the move back.
	mid := (impulse.High + impulse.Low) / 2
	if impulse.IsBull() && follow.Close > mid && follow.Close >= impulse.Close-0.25*atr {
		entry := follow.Close
		sl := impulse.Low - 0.25*atr
		p := &Proposal{
			Strategy:  s.Name(),
			Direction: database.DirectionLong,
			Entry:     entry,
			SL:        sl,
			BaseScore: s.score(impulse.High-impulse.Low, median, follow.IsBull()),
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
		return nil
	}
	if !impulse.IsBull() && follow.Close < mid && follow.Close <= impulse.Close+0.25*atr {
		entry := follow.Close
		sl := impulse.High + 0.25*atr
		p := &Proposal{
			Strategy:  s.Name(),
			Direction: database.DirectionShort,
			Entry:     entry,
			SL:        sl,
			BaseScore: s.score(impulse.High-impulse.Low, median, !follow.IsBull()),
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
	}
	return nil
}

func (s *ATRMomentum) score(impulseRange, median float64, followAgrees bool) float64 {
	score := 2.5
	if impulseRange >= 2.0*median {
		score += 1.0
	}
	if followAgrees {
		score += 0.5
	}
	return score
}
