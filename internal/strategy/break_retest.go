package strategy

import (
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/zones"
)

// BreakRetest looks for a body close through an S/R zone within the
// lookback, followed by the current bar returning to the zone and
// rejecting it from the other side.
type BreakRetest struct {
	lookback int
}

func NewBreakRetest() *BreakRetest {
	return &BreakRetest{lookback: 12}
}

func (s *BreakRetest) Name() string       { return "break_retest" }
func (s *BreakRetest) Timeframe() string  { return "15m" }
func (s *BreakRetest) Category() Category { return CategoryBreakout }

func (s *BreakRetest) Evaluate(in *Input) *Proposal {
	if in.Regime.Regime != regime.Trend && in.Regime.Regime != regime.Squeeze {
		return nil
	}
	b := in.Bundle
	if b == nil || b.ATR14 == 0 || len(in.Zones) == 0 || len(b.Candles) < s.lookback+1 {
		return nil
	}
	trigger, ok := b.At(-1)
	if !ok {
		return nil
	}

	atr := b.ATR14
	for _, z := range in.Zones {
		if !z.Contains(trigger.Low) && !z.Contains(trigger.High) && !z.Contains(trigger.Close) {
			continue
		}
		breakDir, breakIdx := s.findBreak(in, z)
		if breakDir == "" || breakIdx < 0 {
			continue
		}

		// The retest bar must reject: close back on the break side
		// with a wick into the zone.
		switch breakDir {
		case database.DirectionLong:
			if trigger.Close <= z.High || trigger.LowerWick() < 0.2*atr {
				continue
			}
			entry := trigger.Close
			sl := z.Low - 0.25*atr
			p := &Proposal{
				Strategy:    s.Name(),
				Direction:   database.DirectionLong,
				Entry:       entry,
				SL:          sl,
				BaseScore:   s.score(z),
				PriceAction: true,
			}
			p.TP1 = rr(p.Direction, entry, sl, 1)
			p.TP2 = rr(p.Direction, entry, sl, 2)
			if p.Valid() {
				return p
			}
		case database.DirectionShort:
			if trigger.Close >= z.Low || trigger.UpperWick() < 0.2*atr {
				continue
			}
			entry := trigger.Close
			sl := z.High + 0.25*atr
			p := &Proposal{
				Strategy:    s.Name(),
				Direction:   database.DirectionShort,
				Entry:       entry,
				SL:          sl,
				BaseScore:   s.score(z),
				PriceAction: true,
			}
			p.TP1 = rr(p.Direction, entry, sl, 1)
			p.TP2 = rr(p.Direction, entry, sl, 2)
			if p.Valid() {
				return p
			}
		}
	}
	return nil
}

// findBreak scans the lookback (excluding the trigger bar) for a body
// close through the zone. Returns the break direction.
func (s *BreakRetest) findBreak(in *Input, z *zones.Zone) (database.Direction, int) {
	candles := in.Bundle.Candles
	end := len(candles) - 1 // exclude trigger
	start := end - s.lookback
	if start < 1 {
		start = 1
	}
	for i := end - 1; i >= start; i-- {
		prev := candles[i-1]
		cur := candles[i]
		// Up-break: previous bar below/inside, this body closes above.
		if prev.Close <= z.High && cur.Close > z.High && cur.Open < cur.Close {
			return database.DirectionLong, i
		}
		if prev.Close >= z.Low && cur.Close < z.Low && cur.Open > cur.Close {
			return database.DirectionShort, i
		}
	}
	return "", -1
}

func (s *BreakRetest) score(z *zones.Zone) float64 {
	score := 2.5
	if z.Strength >= 6 {
		score += 1.0
	}
	if z.Flipped {
		score += 0.5
	}
	return score
}
