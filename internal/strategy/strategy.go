package strategy

import (
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/zones"
)

// Category groups strategies for the scorer's regime-alignment
// refinements.
type Category string

const (
	CategoryTrend         Category = "trend"
	CategoryMeanReversion Category = "mean_reversion"
	CategoryBreakout      Category = "breakout"
)

// Input is the consistent per-cycle snapshot a strategy evaluates.
// Strategies are pure: they read the input and return a proposal, and
// never touch persistence, locks or the clock.
type Input struct {
	Symbol  string
	Candles map[string][]binance.Kline // per timeframe, oldest first

	Bundle    *indicators.Bundle // strategy's own timeframe
	HTFBundle *indicators.Bundle // 1h, for higher-timeframe alignment

	Zones  []*zones.Zone
	Regime regime.Classification

	// Live-market facts, optional; populated only when the cycle
	// fetched them (zero/nil otherwise).
	MarkPrice float64
	Depth     *binance.DepthSnapshot
}

// Proposal is a strategy's candidate signal before scoring.
type Proposal struct {
	Strategy  string
	Direction database.Direction
	Entry     float64
	SL        float64
	TP1       float64
	TP2       float64
	TP3       float64 // zero when absent
	BaseScore float64

	// PriceAction marks a recognized pattern on the trigger bar; the
	// scorer counts it as one confirming factor.
	PriceAction bool
}

// Valid checks the pricing invariant: sl < entry < tp1 < tp2 < tp3
// for LONG, mirrored for SHORT. Zero TP levels are treated as absent.
func (p *Proposal) Valid() bool {
	if p == nil || p.Entry <= 0 {
		return false
	}
	levels := []float64{p.SL, p.Entry, p.TP1}
	if p.TP2 != 0 {
		levels = append(levels, p.TP2)
	}
	if p.TP3 != 0 {
		levels = append(levels, p.TP3)
	}
	for i := 1; i < len(levels); i++ {
		if p.Direction == database.DirectionLong && levels[i] <= levels[i-1] {
			return false
		}
		if p.Direction == database.DirectionShort && levels[i] >= levels[i-1] {
			return false
		}
	}
	return true
}

// Strategy is the uniform recognizer contract.
type Strategy interface {
	Name() string
	Timeframe() string
	Category() Category
	// Evaluate returns at most one proposal per cycle, or nil.
	Evaluate(in *Input) *Proposal
}

// All returns the core strategy set in evaluation order.
func All() []Strategy {
	return []Strategy{
		NewLiquiditySweep(),
		NewBreakRetest(),
		NewOrderFlow(),
		NewMAVWAPPullback(),
		NewVolumeProfile(),
		NewATRMomentum(),
	}
}

// rr builds TP levels from entry and stop at the given reward
// multiples, respecting direction.
func rr(direction database.Direction, entry, sl, mult float64) float64 {
	risk := entry - sl
	if risk < 0 {
		risk = -risk
	}
	if direction == database.DirectionLong {
		return entry + mult*risk
	}
	return entry - mult*risk
}
