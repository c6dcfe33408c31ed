package indicators

import (
	"math"

	"futures-signal-bot/internal/binance"
)

// VolumeProfile is a volume-by-price histogram summary: point of
// control and the 70% value area around it.
type VolumeProfile struct {
	POC float64 // price of the highest-volume bin
	VAH float64 // value area high
	VAL float64 // value area low
}

const (
	profileBins       = 24
	valueAreaCoverage = 0.70
)

// Profile builds a volume profile over the trailing period. Each
// candle's volume is spread uniformly across the bins its range
// covers.
func Profile(klines []binance.Kline, period int) *VolumeProfile {
	if period <= 0 || len(klines) < period {
		return nil
	}
	window := klines[len(klines)-period:]

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, k := range window {
		lo = math.Min(lo, k.Low)
		hi = math.Max(hi, k.High)
	}
	if hi <= lo {
		return nil
	}
	binSize := (hi - lo) / profileBins

	bins := make([]float64, profileBins)
	for _, k := range window {
		first := int((k.Low - lo) / binSize)
		last := int((k.High - lo) / binSize)
		if last >= profileBins {
			last = profileBins - 1
		}
		if first < 0 {
			first = 0
		}
		share := k.Volume / float64(last-first+1)
		for b := first; b <= last; b++ {
			bins[b] += share
		}
	}

	poc := 0
	total := 0.0
	for i, v := range bins {
		total += v
		if v > bins[poc] {
			poc = i
		}
	}

	// Expand the value area around the POC, taking the larger
	// neighbor bin each step, until 70% of volume is covered.
	covered := bins[poc]
	loBin, hiBin := poc, poc
	for covered < total*valueAreaCoverage {
		var below, above float64
		if loBin > 0 {
			below = bins[loBin-1]
		}
		if hiBin < profileBins-1 {
			above = bins[hiBin+1]
		}
		if below == 0 && above == 0 {
			break
		}
		if above >= below {
			hiBin++
			covered += above
		} else {
			loBin--
			covered += below
		}
	}

	binMid := func(i int) float64 { return lo + (float64(i)+0.5)*binSize }
	return &VolumeProfile{
		POC: binMid(poc),
		VAH: lo + float64(hiBin+1)*binSize,
		VAL: lo + float64(loBin)*binSize,
	}
}

// MedianATRBody returns the median true range over the trailing
// period, a robust impulse baseline.
func MedianATRBody(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	trs := make([]float64, 0, period)
	for i := len(klines) - period; i < len(klines); i++ {
		trs = append(trs, trueRange(klines, i))
	}
	// Insertion sort; period is small.
	for i := 1; i < len(trs); i++ {
		for j := i; j > 0 && trs[j] < trs[j-1]; j-- {
			trs[j], trs[j-1] = trs[j-1], trs[j]
		}
	}
	mid := len(trs) / 2
	if len(trs)%2 == 1 {
		return trs[mid]
	}
	return (trs[mid-1] + trs[mid]) / 2
}
