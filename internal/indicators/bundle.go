package indicators

import (
	"sync"

	"futures-signal-bot/internal/binance"
)

// Periods shared across the pipeline.
const (
	FanFast   = 5
	FanMid    = 13
	FanSlow   = 20
	MidEMA    = 50
	TrendEMA  = 200
	RSIPeriod = 14
	ATRPeriod = 14
	ADXPeriod = 14
	BBPeriod  = 20
	BBStdDev  = 2.0
	VolPeriod = 20
	CVDPeriod = 20

	DonchianPeriod     = 20
	KeltnerATRPeriod   = 10
	KeltnerMult        = 1.5
	PercentileLookback = 100
)

// Bundle is the full indicator snapshot for one symbol and interval
// at one settled candle. Strategies read from the bundle instead of
// recomputing, so each candle is paid for once per cycle.
type Bundle struct {
	Symbol        string
	Interval      string
	NewestOpen    int64 // open time of the newest settled candle
	Candles       []binance.Kline

	EMA5   float64
	EMA13  float64
	EMA20  float64
	EMA50  float64
	EMA200 float64

	// Series aligned to Candles, for lookbacks at earlier bars.
	EMA5Series   []float64
	EMA13Series  []float64
	EMA20Series  []float64
	EMA200Series []float64

	RSI14    float64
	ATR14    float64
	ADX14    float64
	BB       *BollingerBands
	Donchian *DonchianChannel
	Keltner  *KeltnerChannel

	// Percentile ranks of the newest value within the trailing
	// lookback, 0..100.
	ATRPercentile     float64
	BBWidthPercentile float64

	VWAP20   float64
	AvgVol20 float64
	CVD20    float64
}

// At returns the candle at the given negative offset: At(-1) is the
// newest settled candle, At(-2) the one before. ok is false when the
// history does not reach that far.
func (b *Bundle) At(offset int) (binance.Kline, bool) {
	i := len(b.Candles) + offset
	if offset >= 0 || i < 0 {
		return binance.Kline{}, false
	}
	return b.Candles[i], true
}

// SeriesAt indexes an aligned series at a negative offset. Zero when
// out of range or in the unseeded region.
func SeriesAt(series []float64, offset int) float64 {
	i := len(series) + offset
	if offset >= 0 || i < 0 {
		return 0
	}
	return series[i]
}

// Compute builds a bundle from settled candles, oldest first.
func Compute(symbol, interval string, candles []binance.Kline) *Bundle {
	b := &Bundle{
		Symbol:   symbol,
		Interval: interval,
		Candles:  candles,
	}
	if len(candles) > 0 {
		b.NewestOpen = candles[len(candles)-1].OpenTime
	}

	b.EMA5Series = EMASeries(candles, FanFast)
	b.EMA13Series = EMASeries(candles, FanMid)
	b.EMA20Series = EMASeries(candles, FanSlow)
	b.EMA200Series = EMASeries(candles, TrendEMA)

	b.EMA5 = SeriesAt(b.EMA5Series, -1)
	b.EMA13 = SeriesAt(b.EMA13Series, -1)
	b.EMA20 = SeriesAt(b.EMA20Series, -1)
	b.EMA50 = EMA(candles, MidEMA)
	b.EMA200 = SeriesAt(b.EMA200Series, -1)

	b.RSI14 = RSI(candles, RSIPeriod)
	b.ATR14 = ATR(candles, ATRPeriod)
	b.ADX14 = ADX(candles, ADXPeriod)
	b.BB = Bollinger(candles, BBPeriod, BBStdDev)
	b.Donchian = Donchian(candles, DonchianPeriod)
	b.Keltner = Keltner(candles, FanSlow, KeltnerATRPeriod, KeltnerMult)

	b.ATRPercentile = PercentileRank(ATRSeries(candles, ATRPeriod), PercentileLookback)
	b.BBWidthPercentile = PercentileRank(BBWidthSeries(candles, BBPeriod, BBStdDev), PercentileLookback)

	b.VWAP20 = VWAP(candles, VolPeriod)
	b.AvgVol20 = AverageVolume(candles, VolPeriod)
	b.CVD20 = CVD(candles, CVDPeriod)
	return b
}

type cacheKey struct {
	symbol   string
	interval string
}

type cacheEntry struct {
	newestOpen int64
	bundle     *Bundle
}

// Cache memoizes one bundle per (symbol, interval), invalidated by
// the newest candle's open time. Stale entries are replaced in place
// so the map stays bounded by the universe size.
type Cache struct {
	entries sync.Map // cacheKey -> *cacheEntry
}

func NewCache() *Cache {
	return &Cache{}
}

// Get returns the cached bundle when it matches the newest candle,
// computing and storing it otherwise.
func (c *Cache) Get(symbol, interval string, candles []binance.Kline) *Bundle {
	if len(candles) == 0 {
		return Compute(symbol, interval, candles)
	}
	key := cacheKey{symbol: symbol, interval: interval}
	newest := candles[len(candles)-1].OpenTime

	if v, ok := c.entries.Load(key); ok {
		entry := v.(*cacheEntry)
		if entry.newestOpen == newest {
			return entry.bundle
		}
	}

	b := Compute(symbol, interval, candles)
	c.entries.Store(key, &cacheEntry{newestOpen: newest, bundle: b})
	return b
}

// Invalidate drops the cached bundle for a symbol.
func (c *Cache) Invalidate(symbol, interval string) {
	c.entries.Delete(cacheKey{symbol: symbol, interval: interval})
}
