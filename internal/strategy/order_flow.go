package strategy

import (
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
	"futures-signal-bot/internal/regime"
)

// OrderFlow trades compression breaks confirmed by the order book:
// a sustained depth imbalance agreeing with cumulative volume delta,
// near a value-area level.
type OrderFlow struct {
	imbalanceMin float64 // bid/ask (or ask/bid) qty ratio to count as imbalance
	depthLevels  int
}

func NewOrderFlow() *OrderFlow {
	return &OrderFlow{imbalanceMin: 1.5, depthLevels: 20}
}

func (s *OrderFlow) Name() string       { return "order_flow" }
func (s *OrderFlow) Timeframe() string  { return "15m" }
func (s *OrderFlow) Category() Category { return CategoryBreakout }

func (s *OrderFlow) Evaluate(in *Input) *Proposal {
	if in.Regime.Regime != regime.Squeeze {
		return nil
	}
	b := in.Bundle
	if b == nil || b.ATR14 == 0 || in.Depth == nil {
		return nil
	}
	trigger, ok := b.At(-1)
	if !ok {
		return nil
	}

	profile := indicators.Profile(b.Candles, 60)
	if profile == nil {
		return nil
	}

	// Only act near the value-area edges where resting liquidity
	// concentrates.
	atr := b.ATR14
	nearVAL := trigger.Close <= profile.VAL+0.5*atr
	nearVAH := trigger.Close >= profile.VAH-0.5*atr
	if !nearVAL && !nearVAH {
		return nil
	}

	bidQty, askQty := depthTotals(in, s.depthLevels)
	if bidQty == 0 || askQty == 0 {
		return nil
	}

	// The depth snapshot reflects the book right now; when a mark
	// price came along with it, that is the fresher entry reference
	// than the settled close.
	ref := trigger.Close
	if in.MarkPrice > 0 {
		ref = in.MarkPrice
	}

	cvd := b.CVD20

	// Bids stacked and buyers hitting: LONG from the lower edge.
	if nearVAL && bidQty/askQty >= s.imbalanceMin && cvd > 0 {
		entry := ref
		sl := entry - 1.0*atr
		p := &Proposal{
			Strategy:  s.Name(),
			Direction: database.DirectionLong,
			Entry:     entry,
			SL:        sl,
			BaseScore: s.score(bidQty/askQty, trigger.Volume, b.AvgVol20),
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
		return nil
	}

	// Asks stacked and sellers hitting: SHORT from the upper edge.
	if nearVAH && askQty/bidQty >= s.imbalanceMin && cvd < 0 {
		entry := ref
		sl := entry + 1.0*atr
		p := &Proposal{
			Strategy:  s.Name(),
			Direction: database.DirectionShort,
			Entry:     entry,
			SL:        sl,
			BaseScore: s.score(askQty/bidQty, trigger.Volume, b.AvgVol20),
		}
		p.TP1 = rr(p.Direction, entry, sl, 1)
		p.TP2 = rr(p.Direction, entry, sl, 2)
		if p.Valid() {
			return p
		}
	}
	return nil
}

func depthTotals(in *Input, levels int) (bidQty, askQty float64) {
	for i, lvl := range in.Depth.Bids {
		if i >= levels {
			break
		}
		bidQty += lvl.Qty
	}
	for i, lvl := range in.Depth.Asks {
		if i >= levels {
			break
		}
		askQty += lvl.Qty
	}
	return bidQty, askQty
}

func (s *OrderFlow) score(ratio, vol, avgVol float64) float64 {
	score := 2.5
	if ratio >= 2.0 {
		score += 1.0
	}
	if avgVol > 0 && vol >= 1.5*avgVol {
		score += 0.5
	}
	return score
}
