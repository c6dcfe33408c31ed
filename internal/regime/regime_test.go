package regime

import (
	"testing"

	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/indicators"
)

func testDetector() *Detector {
	return NewDetector(config.Default().RegimeConfig, zerolog.Nop())
}

func bundleWith(mut func(b *indicators.Bundle)) *indicators.Bundle {
	series := make([]float64, 250)
	for i := range series {
		series[i] = 100
	}
	b := &indicators.Bundle{
		Symbol:       "TESTUSDT",
		Interval:     "1h",
		EMA20:        100,
		EMA200:       100,
		EMA20Series:  series,
		EMA200Series: series,
		ADX14:        15,
		BB:           &indicators.BollingerBands{Upper: 102, Middle: 100, Lower: 98, Width: 0.04},
		Keltner:      &indicators.KeltnerChannel{Upper: 103, Middle: 100, Lower: 97},
	}
	mut(b)
	return b
}

func risingSeries(n int, start, pctPer10 float64) []float64 {
	out := make([]float64, n)
	v := start
	step := start * pctPer10 / 100 / 10
	for i := range out {
		out[i] = v
		v += step
	}
	return out
}

func TestUndecidedWithoutHistory(t *testing.T) {
	d := testDetector()
	c := d.Classify(nil)
	if c.Regime != Undecided {
		t.Errorf("nil bundle regime = %s, want UNDECIDED", c.Regime)
	}
	c = d.Classify(bundleWith(func(b *indicators.Bundle) { b.EMA200 = 0 }))
	if c.Regime != Undecided {
		t.Errorf("unseeded EMA200 regime = %s, want UNDECIDED", c.Regime)
	}
}

func TestTrendRequiresADXAndSlope(t *testing.T) {
	d := testDetector()

	// Strong ADX and a rising EMA200.
	b := bundleWith(func(b *indicators.Bundle) {
		b.ADX14 = 30
		b.EMA200Series = risingSeries(250, 100, 0.5)
		b.EMA200 = b.EMA200Series[len(b.EMA200Series)-1]
	})
	if c := d.Classify(b); c.Regime != Trend {
		t.Errorf("regime = %s, want TREND", c.Regime)
	}

	// Strong ADX but flat EMA200 is not a trend.
	flat := bundleWith(func(b *indicators.Bundle) { b.ADX14 = 30 })
	if c := d.Classify(flat); c.Regime == Trend {
		t.Error("flat EMA200 must not classify as TREND")
	}
}

func TestSqueezeNeedsCompressionAndContainment(t *testing.T) {
	d := testDetector()

	squeezed := bundleWith(func(b *indicators.Bundle) {
		b.BBWidthPercentile = 5 // bottom of the lookback
	})
	if c := d.Classify(squeezed); c.Regime != Squeeze {
		t.Errorf("regime = %s, want SQUEEZE", c.Regime)
	}

	// Same compression but bands poking out of Keltner: no squeeze.
	escaped := bundleWith(func(b *indicators.Bundle) {
		b.BBWidthPercentile = 5
		b.BB.Upper = 104 // above Keltner upper 103
	})
	if c := d.Classify(escaped); c.Regime == Squeeze {
		t.Error("bands outside Keltner must not classify as SQUEEZE")
	}
}

func TestRangeVsChopBySlope(t *testing.T) {
	d := testDetector()

	// Flat EMA20, wide bands, weak ADX: RANGE.
	if c := d.Classify(bundleWith(func(b *indicators.Bundle) { b.BBWidthPercentile = 60 })); c.Regime != Range {
		t.Errorf("regime = %s, want RANGE", c.Regime)
	}

	// EMA20 drifting above the flat threshold without trend strength: CHOP.
	choppy := bundleWith(func(b *indicators.Bundle) {
		b.BBWidthPercentile = 60
		b.EMA20Series = risingSeries(250, 100, 1.0)
		b.EMA20 = b.EMA20Series[len(b.EMA20Series)-1]
	})
	if c := d.Classify(choppy); c.Regime != Chop {
		t.Errorf("regime = %s, want CHOP", c.Regime)
	}
}

func TestPriorityTrendBeatsSqueeze(t *testing.T) {
	d := testDetector()

	// Both TREND and SQUEEZE conditions hold; TREND wins by order.
	b := bundleWith(func(b *indicators.Bundle) {
		b.ADX14 = 40
		b.EMA200Series = risingSeries(250, 100, 0.5)
		b.EMA200 = b.EMA200Series[len(b.EMA200Series)-1]
		b.BBWidthPercentile = 5
	})
	if c := d.Classify(b); c.Regime != Trend {
		t.Errorf("regime = %s, want TREND to win the tie", c.Regime)
	}
}

func TestBias(t *testing.T) {
	d := testDetector()

	b := bundleWith(func(b *indicators.Bundle) {
		b.Candles = []binance.Kline{{Open: 104, High: 106, Low: 103, Close: 105}}
		b.EMA20 = 104
		b.EMA200 = 100
	})
	if c := d.Classify(b); c.Bias != Bullish {
		t.Errorf("bias = %s, want bullish", c.Bias)
	}

	b2 := bundleWith(func(b *indicators.Bundle) {
		b.Candles = []binance.Kline{{Open: 96, High: 97, Low: 94, Close: 95}}
		b.EMA20 = 96
		b.EMA200 = 100
	})
	if c := d.Classify(b2); c.Bias != Bearish {
		t.Errorf("bias = %s, want bearish", c.Bias)
	}

	// Mixed picture stays neutral.
	mixed := bundleWith(func(b *indicators.Bundle) {
		b.Candles = []binance.Kline{{Open: 104, High: 106, Low: 103, Close: 105}}
		b.EMA20 = 98
		b.EMA200 = 100
	})
	if c := d.Classify(mixed); c.Bias != Neutral {
		t.Errorf("bias = %s, want neutral", c.Bias)
	}
}
