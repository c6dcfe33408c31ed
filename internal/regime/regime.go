package regime

import (
	"math"

	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/indicators"
)

// Regime is the discrete market-state label for one symbol.
type Regime string

const (
	Trend     Regime = "TREND"
	Squeeze   Regime = "SQUEEZE"
	Range     Regime = "RANGE"
	Chop      Regime = "CHOP"
	Undecided Regime = "UNDECIDED"
)

// Bias is the directional lean accompanying the regime.
type Bias string

const (
	Bullish Bias = "bullish"
	Bearish Bias = "bearish"
	Neutral Bias = "neutral"
)

// Classification is the detector output for one symbol and cycle.
type Classification struct {
	Regime Regime
	Bias   Bias

	// Inputs that drove the decision, kept for the scoring journal.
	ADX         float64
	Slope200Pct float64 // EMA200 slope, percent over the slope window
	BBWidthPct  float64 // BB width percentile rank
}

const slopeWindow = 10 // bars for EMA slope measurements

// Detector classifies the prevailing market state from the 1h
// indicator bundle. Checks run in priority order; the first match
// wins.
type Detector struct {
	cfg    config.RegimeConfig
	logger zerolog.Logger
}

func NewDetector(cfg config.RegimeConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.With().Str("component", "regime").Logger(),
	}
}

// slopePct returns the percent change of the series over the slope
// window, relative to the older value.
func slopePct(series []float64) float64 {
	n := len(series)
	if n <= slopeWindow {
		return 0
	}
	old := series[n-1-slopeWindow]
	if old == 0 {
		return 0
	}
	return (series[n-1] - old) / old * 100
}

// Classify runs the prioritized multi-factor classification:
// TREND, then SQUEEZE, then RANGE, then CHOP. UNDECIDED when the
// bundle lacks the history to decide.
func (d *Detector) Classify(b *indicators.Bundle) Classification {
	c := Classification{Regime: Undecided, Bias: Neutral}
	if b == nil || b.EMA200 == 0 || b.ADX14 == 0 || b.BB == nil {
		return c
	}

	c.ADX = b.ADX14
	c.Slope200Pct = slopePct(b.EMA200Series)
	c.BBWidthPct = b.BBWidthPercentile
	c.Bias = d.bias(b)

	slope20 := slopePct(b.EMA20Series)

	switch {
	case b.ADX14 >= d.cfg.ADXTrendMin && math.Abs(c.Slope200Pct) >= d.cfg.SlopeTrendMinPct:
		c.Regime = Trend
	case d.isSqueeze(b):
		c.Regime = Squeeze
	case math.Abs(slope20) <= d.cfg.FlatSlopeMaxPct:
		c.Regime = Range
	default:
		c.Regime = Chop
	}

	d.logger.Debug().
		Str("symbol", b.Symbol).
		Str("regime", string(c.Regime)).
		Str("bias", string(c.Bias)).
		Float64("adx", c.ADX).
		Float64("slope200_pct", c.Slope200Pct).
		Float64("bb_width_pct", c.BBWidthPct).
		Msg("regime classified")
	return c
}

// isSqueeze requires compressed volatility (BB width in the lower
// percentile band) with the bands contained inside the Keltner
// channel.
func (d *Detector) isSqueeze(b *indicators.Bundle) bool {
	if b.Keltner == nil {
		return false
	}
	if b.BBWidthPercentile > d.cfg.SqueezePercentile {
		return false
	}
	return b.BB.Upper <= b.Keltner.Upper && b.BB.Lower >= b.Keltner.Lower
}

// bias reads the directional lean from price versus the long EMA and
// the fast/slow EMA order.
func (d *Detector) bias(b *indicators.Bundle) Bias {
	last, ok := b.At(-1)
	if !ok {
		return Neutral
	}
	aboveLong := last.Close > b.EMA200
	fastOverSlow := b.EMA20 > b.EMA200

	switch {
	case aboveLong && fastOverSlow:
		return Bullish
	case !aboveLong && !fastOverSlow:
		return Bearish
	default:
		return Neutral
	}
}
