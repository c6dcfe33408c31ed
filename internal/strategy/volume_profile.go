package strategy

import (
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
)

// VolumeProfile fades value-area edge rejections and joins
// acceptances: a rejection wick at VAH/VAL argues for the return to
// POC; a body close beyond the edge with volume argues for a range
// extension in the break direction.
type VolumeProfile struct {
	period int
}

func NewVolumeProfile() *VolumeProfile {
	return &VolumeProfile{period: 60}
}

func (s *VolumeProfile) Name() string       { return "volume_profile" }
func (s *VolumeProfile) Timeframe() string  { return "15m" }
func (s *VolumeProfile) Category() Category { return CategoryMeanReversion }

func (s *VolumeProfile) Evaluate(in *Input) *Proposal {
	b := in.Bundle
	if b == nil || b.ATR14 == 0 {
		return nil
	}
	trigger, ok := b.At(-1)
	if !ok {
		return nil
	}
	profile := indicators.Profile(b.Candles, s.period)
	if profile == nil {
		return nil
	}
	atr := b.ATR14
	volOK := b.AvgVol20 > 0 && trigger.Volume >= 1.3*b.AvgVol20

	// Rejection at VAH: wick above, close back inside. Fade SHORT
	// toward POC.
	if trigger.High > profile.VAH && trigger.Close < profile.VAH &&
		trigger.UpperWick() >= 0.3*atr && profile.POC < trigger.Close {
		entry := trigger.Close
		sl := trigger.High + 0.25*atr
		p := &Proposal{
			Strategy:    s.Name(),
			Direction:   database.DirectionShort,
			Entry:       entry,
			SL:          sl,
			BaseScore:   s.score(volOK, false),
			PriceAction: true,
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
		return nil
	}

	// Rejection at VAL: fade LONG toward POC.
	if trigger.Low < profile.VAL && trigger.Close > profile.VAL &&
		trigger.LowerWick() >= 0.3*atr && profile.POC > trigger.Close {
		entry := trigger.Close
		sl := trigger.Low - 0.25*atr
		p := &Proposal{
			Strategy:    s.Name(),
			Direction:   database.DirectionLong,
			Entry:       entry,
			SL:          sl,
			BaseScore:   s.score(volOK, false),
			PriceAction: true,
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
		return nil
	}

	// Acceptance beyond an edge with volume: breakout continuation.
	if volOK && trigger.Close > profile.VAH && trigger.Open <= profile.VAH && trigger.IsBull() {
		entry := trigger.Close
		sl := profile.VAH - 0.5*atr
		p := &Proposal{
			Strategy:  s.Name(),
			Direction: database.DirectionLong,
			Entry:     entry,
			SL:        sl,
			BaseScore: s.score(volOK, true),
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
		return nil
	}
	if volOK && trigger.Close < profile.VAL && trigger.Open >= profile.VAL && !trigger.IsBull() {
		entry := trigger.Close
		sl := profile.VAL + 0.5*atr
		p := &Proposal{
			Strategy:  s.Name(),
			Direction: database.DirectionShort,
			Entry:     entry,
			SL:        sl,
			BaseScore: s.score(volOK, true),
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
	}
	return nil
}

func (s *VolumeProfile) score(volOK, breakout bool) float64 {
	score := 2.5
	if volOK {
		score += 0.5
	}
	if breakout {
		score += 0.5
	}
	return score
}
