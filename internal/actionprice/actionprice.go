package actionprice

import (
	"math"

	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"

	"futures-signal-bot/config"
)

// Components is the additive scoring breakdown. Each component is
// bounded; the sum decides both acceptance and mode.
type Components struct {
	InitiatorSize  float64 `json:"initiator_size"`  // c1: body/ATR
	EMAProximity   float64 `json:"ema_proximity"`   // c2: confirm close near EMA200
	PullbackDepth  float64 `json:"pullback_depth"`  // c3: body share in EMA200-EMA13 band
	Slope200       float64 `json:"slope200"`        // c4: EMA200 slope agreement
	FanCompactness float64 `json:"fan_compactness"` // c5: EMA5/13/20/200 spread
	Retest         float64 `json:"retest"`          // c6: prior test of EMA200 from the far side
	BreakAndBase   float64 `json:"break_and_base"`  // c7: small bars between break and confirm
	RejectionWick  float64 `json:"rejection_wick"`  // c8: initiator wick against the move
	Volume         float64 `json:"volume"`          // c9: breakout volume vs 20-bar mean
	Lipuchka       float64 `json:"lipuchka"`        // c10: EMA200 magnet-chop penalty
	Overextension  float64 `json:"overextension"`   // c11: too far from EMA200
}

// Total sums every component.
func (c Components) Total() float64 {
	return c.InitiatorSize + c.EMAProximity + c.PullbackDepth + c.Slope200 +
		c.FanCompactness + c.Retest + c.BreakAndBase + c.RejectionWick +
		c.Volume + c.Lipuchka + c.Overextension
}

// Result is an accepted EMA200 body-cross setup.
type Result struct {
	Direction  database.Direction
	Mode       database.SignalMode
	Entry      float64
	SL         float64
	TP1        float64
	TP2        float64
	Score      float64
	Components Components

	InitiatorOpenTime int64
	EMA200AtEntry     float64
}

// Engine recognizes the Action Price pattern on fully closed 15m
// candles: an initiator bar whose body crosses EMA200, confirmed by
// the next bar closing on the same side.
type Engine struct {
	cfg config.ActionPriceConfig
}

func New(cfg config.ActionPriceConfig) *Engine {
	return &Engine{cfg: cfg}
}

const (
	initiatorOffset = -2
	confirmOffset   = -1

	slopeBars       = 10
	lipuchkaWindow  = 5
	lipuchkaTouches = 3
	overextATRMult  = 3.0
)

// Evaluate returns a result when the two newest settled candles form
// an accepted body-cross, nil otherwise.
func (e *Engine) Evaluate(b *indicators.Bundle) *Result {
	if b == nil || b.ATR14 == 0 || b.EMA200 == 0 {
		return nil
	}
	initiator, ok := b.At(initiatorOffset)
	if !ok {
		return nil
	}
	confirm, ok := b.At(confirmOffset)
	if !ok {
		return nil
	}

	ema200Init := indicators.SeriesAt(b.EMA200Series, initiatorOffset)
	ema200Conf := indicators.SeriesAt(b.EMA200Series, confirmOffset)
	if ema200Init == 0 || ema200Conf == 0 {
		return nil
	}

	direction, ok := crossDirection(initiator, confirm, ema200Init, ema200Conf)
	if !ok {
		return nil
	}

	comp := e.scoreComponents(b, initiator, confirm, direction, ema200Init, ema200Conf)
	total := comp.Total()
	if total < e.cfg.MinTotalScore {
		return nil
	}

	mode := database.ModeScalp
	rrTP2 := e.cfg.TP2ScalpRR
	if total > e.cfg.ScalpMaxScore {
		mode = database.ModeStandard
		rrTP2 = e.cfg.TP2StandardRR
	}

	entry := confirm.Close
	sl := stopLoss(direction, initiator, b.ATR14, e.cfg.SLBufferATR)
	risk := math.Abs(entry - sl)
	if risk == 0 {
		return nil
	}
	if math.Abs(entry-sl)/entry*100 > e.cfg.MaxSLPercent {
		return nil
	}

	res := &Result{
		Direction:  direction,
		Mode:       mode,
		Entry:      entry,
		SL:         sl,
		Score:      total,
		Components: comp,

		InitiatorOpenTime: initiator.OpenTime,
		EMA200AtEntry:     ema200Conf,
	}
	if direction == database.DirectionLong {
		res.TP1 = entry + risk
		res.TP2 = entry + rrTP2*risk
	} else {
		res.TP1 = entry - risk
		res.TP2 = entry - rrTP2*risk
	}
	return res
}

// crossDirection checks the body-cross: the initiator's body straddles
// its EMA200 and the confirming bar closes on the far side.
func crossDirection(initiator, confirm binance.Kline, emaInit, emaConf float64) (database.Direction, bool) {
	bodyLo := math.Min(initiator.Open, initiator.Close)
	bodyHi := math.Max(initiator.Open, initiator.Close)
	if bodyLo >= emaInit || bodyHi <= emaInit {
		return "", false // body does not straddle the EMA
	}

	if initiator.IsBull() && confirm.Close > emaConf {
		return database.DirectionLong, true
	}
	if !initiator.IsBull() && confirm.Close < emaConf {
		return database.DirectionShort, true
	}
	return "", false
}

func stopLoss(direction database.Direction, initiator binance.Kline, atr, bufferATR float64) float64 {
	if direction == database.DirectionLong {
		return initiator.Low - bufferATR*atr
	}
	return initiator.High + bufferATR*atr
}

func (e *Engine) scoreComponents(b *indicators.Bundle, initiator, confirm binance.Kline, direction database.Direction, emaInit, emaConf float64) Components {
	atr := b.ATR14
	var c Components

	// c1: initiator conviction.
	bodyATR := initiator.Body() / atr
	switch {
	case bodyATR >= 1.10:
		c.InitiatorSize = 2
	case bodyATR >= 0.80:
		c.InitiatorSize = 1
	}

	// c2: confirming close near the EMA keeps the stop tight; distance
	// costs.
	dist := math.Abs(confirm.Close-emaConf) / atr
	switch {
	case dist <= 0.50:
		c.EMAProximity = 1
	case dist >= 1.50:
		c.EMAProximity = -1
	}

	// c3: pullback depth — how much of the initiator body sits in the
	// EMA200..EMA13 band.
	ema13Init := indicators.SeriesAt(b.EMA13Series, initiatorOffset)
	if ema13Init != 0 {
		depth := bandShare(initiator, emaInit, ema13Init)
		switch {
		case depth >= 0.40:
			c.PullbackDepth = 2
		case depth >= 0.35:
			c.PullbackDepth = 1.5
		case depth >= 0.30:
			c.PullbackDepth = 1
		}
	}

	// c4: EMA200 slope agreement over the slope window, measured in
	// ATR units.
	slope := (emaConf - indicators.SeriesAt(b.EMA200Series, confirmOffset-slopeBars)) / atr
	if indicators.SeriesAt(b.EMA200Series, confirmOffset-slopeBars) != 0 {
		if direction == database.DirectionLong {
			switch {
			case slope >= 0.20:
				c.Slope200 = 1
			case slope <= -0.20:
				c.Slope200 = -1
			}
		} else {
			switch {
			case slope <= -0.20:
				c.Slope200 = 1
			case slope >= 0.20:
				c.Slope200 = -1
			}
		}
	}

	// c5: a compact EMA fan means the cross starts from balance, not
	// exhaustion.
	fanSpread := fanSpreadATR(b, atr)
	if fanSpread >= 0 && fanSpread <= 0.10 {
		c.FanCompactness = 1
	}

	// c6: retest — within the lookback a bar already tested the EMA
	// from the entry side and held.
	if hasRetest(b, direction) {
		c.Retest = 1
	}

	// c7: break-and-base — the bar before the initiator had a small
	// body (base building at the level).
	if base, ok := b.At(initiatorOffset - 1); ok && base.Body() <= 0.4*atr {
		c.BreakAndBase = 1
	}

	// c8: rejection wick on the initiator against the move.
	wick := initiator.LowerWick()
	if direction == database.DirectionShort {
		wick = initiator.UpperWick()
	}
	if wick >= 0.25*atr {
		c.RejectionWick = 1
	}

	// c9: breakout volume confirmation.
	if b.AvgVol20 > 0 {
		ratio := confirm.Volume / b.AvgVol20
		switch {
		case ratio >= 1.5:
			c.Volume = 2
		case ratio >= 1.2:
			c.Volume = 1
		case ratio < 0.8:
			c.Volume = -1
		}
	}

	// c10: lipuchka — price glued to the EMA, crossing back and forth.
	if emaTouches(b, lipuchkaWindow) >= lipuchkaTouches {
		c.Lipuchka = -2
	}

	// c11: overextension from the EMA at entry.
	if math.Abs(confirm.Close-emaConf) > overextATRMult*atr {
		c.Overextension = -2
	}

	return c
}

// bandShare returns the fraction of the bar body inside [a, b].
func bandShare(k binance.Kline, a, b float64) float64 {
	lo, hi := math.Min(a, b), math.Max(a, b)
	bodyLo := math.Min(k.Open, k.Close)
	bodyHi := math.Max(k.Open, k.Close)
	if bodyHi == bodyLo {
		return 0
	}
	overlap := math.Min(bodyHi, hi) - math.Max(bodyLo, lo)
	if overlap <= 0 {
		return 0
	}
	return overlap / (bodyHi - bodyLo)
}

// fanSpreadATR measures the EMA5/13/20 spread around EMA20 in ATR
// units; negative when any EMA is unseeded.
func fanSpreadATR(b *indicators.Bundle, atr float64) float64 {
	if b.EMA5 == 0 || b.EMA13 == 0 || b.EMA20 == 0 {
		return -1
	}
	hi := math.Max(b.EMA5, math.Max(b.EMA13, b.EMA20))
	lo := math.Min(b.EMA5, math.Min(b.EMA13, b.EMA20))
	return (hi - lo) / atr
}

// hasRetest scans a short window before the initiator for a bar that
// touched the EMA and closed on the entry side.
func hasRetest(b *indicators.Bundle, direction database.Direction) bool {
	for off := initiatorOffset - 1; off >= initiatorOffset-4; off-- {
		k, ok := b.At(off)
		if !ok {
			return false
		}
		ema := indicators.SeriesAt(b.EMA200Series, off)
		if ema == 0 {
			return false
		}
		touched := k.Low <= ema && k.High >= ema
		if !touched {
			continue
		}
		if direction == database.DirectionLong && k.Close > ema {
			return true
		}
		if direction == database.DirectionShort && k.Close < ema {
			return true
		}
	}
	return false
}

// emaTouches counts bars in the trailing window (before the confirm
// bar) whose range crosses EMA200.
func emaTouches(b *indicators.Bundle, window int) int {
	touches := 0
	for off := confirmOffset - 1; off >= confirmOffset-window; off-- {
		k, ok := b.At(off)
		if !ok {
			break
		}
		ema := indicators.SeriesAt(b.EMA200Series, off)
		if ema == 0 {
			break
		}
		if k.Low <= ema && k.High >= ema {
			touches++
		}
	}
	return touches
}
