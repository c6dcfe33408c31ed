package indicators

import (
	"math"

	"futures-signal-bot/internal/binance"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the simple moving average of closes.
func SMA(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average of closes, seeded
// with an SMA over the first period.
func EMA(klines []binance.Kline, period int) float64 {
	s := EMASeries(klines, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// EMASeries returns the EMA aligned to klines. Entries before the
// seed window are zero.
func EMASeries(klines []binance.Kline, period int) []float64 {
	if period <= 0 || len(klines) < period {
		return nil
	}
	out := make([]float64, len(klines))

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += klines[i].Close
	}
	out[period-1] = sum / float64(period)

	mult := 2.0 / float64(period+1)
	for i := period; i < len(klines); i++ {
		out[i] = klines[i].Close*mult + out[i-1]*(1-mult)
	}
	return out
}

// VWAP calculates the volume-weighted average price over the window.
func VWAP(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	var pv, vol float64
	for i := len(klines) - period; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		pv += typical * klines[i].Volume
		vol += klines[i].Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// RSI calculates the relative strength index with Wilder smoothing.
func RSI(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50.0
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// ============================================================================
// VOLATILITY
// ============================================================================

// TrueRange of the candle at index i.
func trueRange(klines []binance.Kline, i int) float64 {
	tr := klines[i].High - klines[i].Low
	if i > 0 {
		prevClose := klines[i-1].Close
		tr = math.Max(tr, math.Abs(klines[i].High-prevClose))
		tr = math.Max(tr, math.Abs(klines[i].Low-prevClose))
	}
	return tr
}

// ATR calculates the average true range with Wilder smoothing.
func ATR(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(klines, i)
	}
	atr /= float64(period)

	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(klines, i)) / float64(period)
	}
	return atr
}

// BollingerBands holds the band values at the newest candle.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
	// Width is (Upper-Lower)/Middle, the squeeze measure.
	Width float64
}

// Bollinger calculates Bollinger Bands over closes.
func Bollinger(klines []binance.Kline, period int, mult float64) *BollingerBands {
	if period <= 0 || len(klines) < period {
		return nil
	}
	middle := SMA(klines, period)

	variance := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		d := klines[i].Close - middle
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(period))

	bb := &BollingerBands{
		Upper:  middle + mult*stddev,
		Middle: middle,
		Lower:  middle - mult*stddev,
	}
	if middle != 0 {
		bb.Width = (bb.Upper - bb.Lower) / middle
	}
	return bb
}

// DonchianChannel holds the highest-high/lowest-low channel.
type DonchianChannel struct {
	Upper  float64
	Lower  float64
	Middle float64
}

// Donchian calculates the channel over the trailing period.
func Donchian(klines []binance.Kline, period int) *DonchianChannel {
	if period <= 0 || len(klines) < period {
		return nil
	}
	d := &DonchianChannel{Upper: math.Inf(-1), Lower: math.Inf(1)}
	for i := len(klines) - period; i < len(klines); i++ {
		d.Upper = math.Max(d.Upper, klines[i].High)
		d.Lower = math.Min(d.Lower, klines[i].Low)
	}
	d.Middle = (d.Upper + d.Lower) / 2
	return d
}

// KeltnerChannel is an EMA center with ATR envelopes.
type KeltnerChannel struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Keltner calculates the channel: EMA(emaPeriod) ± mult*ATR(atrPeriod).
func Keltner(klines []binance.Kline, emaPeriod, atrPeriod int, mult float64) *KeltnerChannel {
	if len(klines) < emaPeriod || len(klines) < atrPeriod+1 {
		return nil
	}
	mid := EMA(klines, emaPeriod)
	atr := ATR(klines, atrPeriod)
	return &KeltnerChannel{
		Upper:  mid + mult*atr,
		Middle: mid,
		Lower:  mid - mult*atr,
	}
}

// ATRSeries returns Wilder-smoothed ATR aligned to klines. Entries
// before the seed window are zero.
func ATRSeries(klines []binance.Kline, period int) []float64 {
	if period <= 0 || len(klines) < period+1 {
		return nil
	}
	out := make([]float64, len(klines))

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(klines, i)
	}
	atr /= float64(period)
	out[period] = atr

	for i := period + 1; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(klines, i)) / float64(period)
		out[i] = atr
	}
	return out
}

// BBWidthSeries returns the Bollinger band width at every index where
// the window is covered, zero elsewhere.
func BBWidthSeries(klines []binance.Kline, period int, mult float64) []float64 {
	if period <= 0 || len(klines) < period {
		return nil
	}
	out := make([]float64, len(klines))
	for i := period - 1; i < len(klines); i++ {
		if bb := Bollinger(klines[:i+1], period, mult); bb != nil {
			out[i] = bb.Width
		}
	}
	return out
}

// PercentileRank returns where the newest value of the series sits
// within its trailing lookback window, 0..100. A rank of 10 means the
// value is lower than 90% of the window.
func PercentileRank(series []float64, lookback int) float64 {
	if len(series) == 0 {
		return 0
	}
	start := len(series) - lookback
	if start < 0 {
		start = 0
	}
	window := series[start:]
	if len(window) < 2 {
		return 0
	}
	value := window[len(window)-1]
	below := 0
	for _, v := range window[:len(window)-1] {
		if v < value {
			below++
		}
	}
	return float64(below) / float64(len(window)-1) * 100
}

// ============================================================================
// TREND STRENGTH
// ============================================================================

// ADX calculates the average directional index with Wilder smoothing.
func ADX(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < 2*period+1 {
		return 0
	}

	var smTR, smPlusDM, smMinusDM float64
	dxs := make([]float64, 0, len(klines))

	for i := 1; i < len(klines); i++ {
		upMove := klines[i].High - klines[i-1].High
		downMove := klines[i-1].Low - klines[i].Low

		plusDM, minusDM := 0.0, 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(klines, i)

		if i <= period {
			smTR += tr
			smPlusDM += plusDM
			smMinusDM += minusDM
			if i < period {
				continue
			}
		} else {
			smTR = smTR - smTR/float64(period) + tr
			smPlusDM = smPlusDM - smPlusDM/float64(period) + plusDM
			smMinusDM = smMinusDM - smMinusDM/float64(period) + minusDM
		}

		if smTR == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI := 100 * smPlusDM / smTR
		minusDI := 100 * smMinusDM / smTR
		sum := plusDI + minusDI
		if sum == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/sum)
	}

	if len(dxs) < period {
		return 0
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx
}

// ============================================================================
// VOLUME
// ============================================================================

// AverageVolume over the trailing period.
func AverageVolume(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period)
}

// CVD calculates the cumulative volume delta over the window: taker
// buy volume minus taker sell volume, summed.
func CVD(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	delta := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		buy := klines[i].TakerBuyVolume
		sell := klines[i].Volume - buy
		delta += buy - sell
	}
	return delta
}

// Slope returns the per-bar change of a series over the last bars,
// i.e. (s[-1] - s[-1-bars]) / bars. Zero if the span is not covered
// or touches the unseeded region.
func Slope(series []float64, bars int) float64 {
	if bars <= 0 || len(series) <= bars {
		return 0
	}
	a := series[len(series)-1-bars]
	b := series[len(series)-1]
	if a == 0 {
		return 0
	}
	return (b - a) / float64(bars)
}
