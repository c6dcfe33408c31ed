package zones

import (
	"math"
	"sort"
	"sync"

	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/indicators"
)

// Kind tells whether a zone acts as support or resistance.
type Kind string

const (
	Support    Kind = "S"
	Resistance Kind = "R"
)

// Zone is one support/resistance band built from clustered swing
// points. Strategies hold read-only references; the registry is the
// single writer.
type Zone struct {
	Timeframe string
	Kind      Kind
	Low       float64
	High      float64
	Strength  float64
	Touches   []int64 // open times of touching bars
	Reactions int     // touches followed by a move away >= 1 ATR
	Freshness int     // bars since last touch
	Flipped   bool    // role inverted after a body close through
}

// Mid returns the zone's center price.
func (z *Zone) Mid() float64 { return (z.Low + z.High) / 2 }

// Contains reports whether price is inside the band.
func (z *Zone) Contains(price float64) bool {
	return price >= z.Low && price <= z.High
}

const (
	pivotWing        = 2   // bars on each side of a swing point
	clusterATRFactor = 0.5 // swings within this many ATR merge into one zone
	maxFreshness     = 120 // zones untouched this long age out
	reactionATR      = 1.0 // move away needed to count a reaction
)

// Builder turns a candle series into zones. Pure; the registry wraps
// it with caching per symbol.
type Builder struct {
	timeframe string
}

func NewBuilder(timeframe string) *Builder {
	return &Builder{timeframe: timeframe}
}

type swing struct {
	price    float64
	openTime int64
	index    int
	high     bool
}

// Build clusters swing highs into resistance and swing lows into
// support, then scores touches and reactions against the full series.
func (b *Builder) Build(candles []binance.Kline) []*Zone {
	if len(candles) < 2*pivotWing+1 {
		return nil
	}
	atr := indicators.ATR(candles, indicators.ATRPeriod)
	if atr == 0 {
		return nil
	}

	swings := findSwings(candles)
	if len(swings) == 0 {
		return nil
	}

	tol := atr * clusterATRFactor
	zones := clusterSwings(swings, b.timeframe, tol)

	lastClose := candles[len(candles)-1].Close
	out := zones[:0]
	for _, z := range zones {
		scoreZone(z, candles, atr)
		classify(z, lastClose)
		if z.Freshness <= maxFreshness {
			out = append(out, z)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Low < out[j].Low })
	return out
}

func findSwings(candles []binance.Kline) []swing {
	var swings []swing
	for i := pivotWing; i < len(candles)-pivotWing; i++ {
		isHigh, isLow := true, true
		for w := 1; w <= pivotWing; w++ {
			if candles[i].High < candles[i-w].High || candles[i].High < candles[i+w].High {
				isHigh = false
			}
			if candles[i].Low > candles[i-w].Low || candles[i].Low > candles[i+w].Low {
				isLow = false
			}
		}
		if isHigh {
			swings = append(swings, swing{price: candles[i].High, openTime: candles[i].OpenTime, index: i, high: true})
		}
		if isLow {
			swings = append(swings, swing{price: candles[i].Low, openTime: candles[i].OpenTime, index: i, high: false})
		}
	}
	return swings
}

func clusterSwings(swings []swing, timeframe string, tol float64) []*Zone {
	sort.Slice(swings, func(i, j int) bool { return swings[i].price < swings[j].price })

	var zones []*Zone
	var cur []swing
	flush := func() {
		if len(cur) == 0 {
			return
		}
		z := &Zone{Timeframe: timeframe, Low: cur[0].price, High: cur[0].price}
		highs := 0
		for _, s := range cur {
			z.Low = math.Min(z.Low, s.price)
			z.High = math.Max(z.High, s.price)
			z.Touches = append(z.Touches, s.openTime)
			if s.high {
				highs++
			}
		}
		if highs*2 >= len(cur) {
			z.Kind = Resistance
		} else {
			z.Kind = Support
		}
		zones = append(zones, z)
		cur = nil
	}

	for _, s := range swings {
		if len(cur) > 0 && s.price-cur[len(cur)-1].price > tol {
			flush()
		}
		cur = append(cur, s)
	}
	flush()
	return zones
}

// scoreZone counts touches and reactions over the whole series and
// computes freshness from the last touch.
func scoreZone(z *Zone, candles []binance.Kline, atr float64) {
	lastTouch := -1
	reactions := 0
	touches := 0

	for i, c := range candles {
		touched := c.Low <= z.High && c.High >= z.Low
		if !touched {
			continue
		}
		touches++
		lastTouch = i

		// Reaction: within the next 3 bars price moves >= 1 ATR away
		// from the zone edge in the rejecting direction.
		for j := i + 1; j < len(candles) && j <= i+3; j++ {
			if z.Kind == Resistance && candles[j].Close <= z.Low-reactionATR*atr {
				reactions++
				break
			}
			if z.Kind == Support && candles[j].Close >= z.High+reactionATR*atr {
				reactions++
				break
			}
		}
	}

	z.Reactions = reactions
	if lastTouch >= 0 {
		z.Freshness = len(candles) - 1 - lastTouch
	} else {
		z.Freshness = maxFreshness + 1
	}
	// Touch count dominates; reactions prove the level is defended.
	z.Strength = float64(touches) + 2*float64(reactions)
}

// classify flips a zone whose side price has closed through: broken
// resistance becomes support and vice versa.
func classify(z *Zone, lastClose float64) {
	if z.Kind == Resistance && lastClose > z.High {
		z.Kind = Support
		z.Flipped = true
	} else if z.Kind == Support && lastClose < z.Low {
		z.Kind = Resistance
		z.Flipped = true
	}
}

// Registry owns zones per (symbol, timeframe). Rebuilt when the
// newest candle advances; readers get stable snapshots.
type Registry struct {
	mu      sync.RWMutex
	builder map[string]*Builder       // timeframe -> builder
	zones   map[registryKey]*snapshot // (symbol, timeframe) -> zones
}

type registryKey struct {
	symbol    string
	timeframe string
}

type snapshot struct {
	newestOpen int64
	zones      []*Zone
}

func NewRegistry(timeframes []string) *Registry {
	builders := make(map[string]*Builder, len(timeframes))
	for _, tf := range timeframes {
		builders[tf] = NewBuilder(tf)
	}
	return &Registry{
		builder: builders,
		zones:   make(map[registryKey]*snapshot),
	}
}

// Update rebuilds the symbol's zones if the series advanced, and
// returns the current snapshot either way.
func (r *Registry) Update(symbol, timeframe string, candles []binance.Kline) []*Zone {
	if len(candles) == 0 {
		return nil
	}
	key := registryKey{symbol: symbol, timeframe: timeframe}
	newest := candles[len(candles)-1].OpenTime

	r.mu.RLock()
	snap, ok := r.zones[key]
	r.mu.RUnlock()
	if ok && snap.newestOpen == newest {
		return snap.zones
	}

	builder, ok := r.builder[timeframe]
	if !ok {
		return nil
	}
	zs := builder.Build(candles)

	r.mu.Lock()
	r.zones[key] = &snapshot{newestOpen: newest, zones: zs}
	r.mu.Unlock()
	return zs
}

// View returns the current snapshot without rebuilding.
func (r *Registry) View(symbol, timeframe string) []*Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if snap, ok := r.zones[registryKey{symbol: symbol, timeframe: timeframe}]; ok {
		return snap.zones
	}
	return nil
}

// Nearest returns the closest zone of the given kind relative to
// price: supports below it, resistances above it. Nil when none.
func Nearest(zs []*Zone, kind Kind, price float64) *Zone {
	var best *Zone
	bestDist := math.Inf(1)
	for _, z := range zs {
		if z.Kind != kind {
			continue
		}
		var d float64
		switch kind {
		case Support:
			if z.High > price {
				continue
			}
			d = price - z.High
		case Resistance:
			if z.Low < price {
				continue
			}
			d = z.Low - price
		}
		if d < bestDist {
			bestDist = d
			best = z
		}
	}
	return best
}

// Confluent reports whether price sits inside or within tolerance of
// any zone.
func Confluent(zs []*Zone, price, tolerance float64) *Zone {
	for _, z := range zs {
		if price >= z.Low-tolerance && price <= z.High+tolerance {
			return z
		}
	}
	return nil
}
