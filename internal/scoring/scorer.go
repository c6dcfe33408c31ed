package scoring

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/strategy"
	"futures-signal-bot/internal/zones"
)

// Factor names as they appear in decisions and the journal.
const (
	FactorProposal     = "proposal"
	FactorHTFAlignment = "htf_alignment"
	FactorVolume       = "volume"
	FactorCVD          = "cvd"
	FactorPriceAction  = "price_action"
	FactorZone         = "zone_confluence"
)

// Decision is the scoring verdict for one proposal. Rejections keep
// the partial scores so the journal can explain them.
type Decision struct {
	Symbol    string
	Strategy  string
	Direction database.Direction
	Regime    regime.Regime

	Accepted bool
	Reason   string // empty when accepted

	// Trigger-bar context the emitter needs to build a signal.
	Interval    string
	ATR         float64
	BarOpenTime int64

	Factors      []string
	RegimeWeight float64
	BaseScore    float64
	BTCPenalty   float64
	CVDBonus     float64
	Refinements  float64
	FinalScore   float64

	Proposal *strategy.Proposal
}

// Scorer filters and ranks strategy proposals. It is stateless across
// cycles; every call sees a consistent snapshot.
type Scorer struct {
	cfg    config.ScorerConfig
	logger zerolog.Logger
}

func New(cfg config.ScorerConfig, logger zerolog.Logger) *Scorer {
	return &Scorer{
		cfg:    cfg,
		logger: logger.With().Str("component", "scorer").Logger(),
	}
}

// Regime-specific volume multipliers for the volume factor.
var volumeMultiplier = map[regime.Regime]float64{
	regime.Trend:     1.2,
	regime.Range:     1.0,
	regime.Squeeze:   1.5,
	regime.Chop:      1.5,
	regime.Undecided: 1.2,
}

// regimeWeights scales each strategy's base score by how well it fits
// the prevailing regime. Anything below 0.5 is an outright reject, so
// CHOP silences every strategy.
var regimeWeights = map[regime.Regime]map[string]float64{
	regime.Trend: {
		"break_retest":     1.5,
		"ma_vwap_pullback": 1.3,
		"atr_momentum":     1.3,
		"order_flow":       0.8,
		"liquidity_sweep":  0.8,
		"volume_profile":   0.7,
	},
	regime.Range: {
		"volume_profile":   1.5,
		"liquidity_sweep":  1.3,
		"order_flow":       0.8,
		"break_retest":     0.6,
		"ma_vwap_pullback": 0.4,
		"atr_momentum":     0.4,
	},
	regime.Squeeze: {
		"order_flow":       1.5,
		"break_retest":     1.2,
		"atr_momentum":     1.0,
		"liquidity_sweep":  0.8,
		"volume_profile":   0.8,
		"ma_vwap_pullback": 0.6,
	},
	regime.Chop: {
		"break_retest":     0.4,
		"ma_vwap_pullback": 0.4,
		"atr_momentum":     0.4,
		"order_flow":       0.4,
		"liquidity_sweep":  0.4,
		"volume_profile":   0.4,
	},
}

func weightFor(r regime.Regime, strategyName string) float64 {
	if table, ok := regimeWeights[r]; ok {
		if w, ok := table[strategyName]; ok {
			return w
		}
	}
	return 1.0
}

const (
	zoneToleranceATR = 0.5
	adxRefineMin     = 30.0
	rsiOversold      = 30.0
	rsiOverbought    = 70.0
	atrMeanLookback  = 100
	atrSpikeFactor   = 2.0
)

// Score runs the full pipeline for one proposal. btc is the exogenous
// BTC 1h bundle, nil when the symbol under evaluation is BTC itself.
func (s *Scorer) Score(in *strategy.Input, strat strategy.Strategy, p *strategy.Proposal, btc *indicators.Bundle) Decision {
	d := Decision{
		Symbol:    in.Symbol,
		Strategy:  strat.Name(),
		Direction: p.Direction,
		Regime:    in.Regime.Regime,
		BaseScore: p.BaseScore,
		Proposal:  p,
	}
	if in.Bundle != nil {
		d.Interval = in.Bundle.Interval
		d.ATR = in.Bundle.ATR14
		d.BarOpenTime = in.Bundle.NewestOpen
	}

	if !p.Valid() {
		return s.reject(d, "invalid price ordering")
	}

	// 1. Multi-factor gate.
	d.Factors = s.factors(in, p)
	if len(d.Factors) < s.cfg.MinFactors {
		return s.reject(d, "insufficient factors")
	}

	// 2. Regime weighting.
	d.RegimeWeight = weightFor(in.Regime.Regime, strat.Name())
	if d.RegimeWeight < 0.5 {
		return s.reject(d, "regime weight below floor")
	}
	score := p.BaseScore * d.RegimeWeight

	// 3. Exogenous BTC filter.
	if opposesBTC(btc, p.Direction, s.cfg.BTCNoisePct, s.cfg.BTCNoiseBars) {
		d.BTCPenalty = s.cfg.BTCPenalty
		score -= d.BTCPenalty
	}

	// 4. Multi-timeframe CVD agreement bonus.
	d.CVDBonus = s.cvdBonus(in, p.Direction)
	score += d.CVDBonus

	// 5. ADX/RSI refinements.
	d.Refinements = s.refinements(in, strat, p.Direction)
	score += d.Refinements

	d.FinalScore = score

	// 6. Entry threshold.
	if score < s.cfg.EnterThreshold {
		return s.reject(d, "below enter threshold")
	}

	d.Accepted = true
	s.logger.Debug().
		Str("symbol", d.Symbol).
		Str("strategy", d.Strategy).
		Str("direction", string(d.Direction)).
		Strs("factors", d.Factors).
		Float64("weight", d.RegimeWeight).
		Float64("final_score", d.FinalScore).
		Msg("proposal accepted")
	return d
}

func (s *Scorer) reject(d Decision, reason string) Decision {
	d.Reason = reason
	s.logger.Debug().
		Str("symbol", d.Symbol).
		Str("strategy", d.Strategy).
		Str("reason", reason).
		Float64("final_score", d.FinalScore).
		Msg("proposal rejected")
	return d
}

// factors counts the confirming evidence for the proposal. The
// proposal itself is always the first factor.
func (s *Scorer) factors(in *strategy.Input, p *strategy.Proposal) []string {
	fs := []string{FactorProposal}

	if htfAligned(in.HTFBundle, p.Direction) {
		fs = append(fs, FactorHTFAlignment)
	}
	if volumeConfirms(in.Bundle, in.Regime.Regime) {
		fs = append(fs, FactorVolume)
	}
	if cvdAgrees(in.Bundle, p.Direction) {
		fs = append(fs, FactorCVD)
	}
	if p.PriceAction {
		fs = append(fs, FactorPriceAction)
	}
	if zoneConfluence(in, p) {
		fs = append(fs, FactorZone)
	}
	return fs
}

func htfAligned(htf *indicators.Bundle, direction database.Direction) bool {
	if htf == nil || htf.EMA50 == 0 || htf.EMA200 == 0 {
		return false
	}
	if direction == database.DirectionLong {
		return htf.EMA50 > htf.EMA200
	}
	return htf.EMA50 < htf.EMA200
}

func volumeConfirms(b *indicators.Bundle, r regime.Regime) bool {
	if b == nil || b.AvgVol20 == 0 {
		return false
	}
	last, ok := b.At(-1)
	if !ok {
		return false
	}
	mult, ok := volumeMultiplier[r]
	if !ok {
		mult = 1.2
	}
	return last.Volume >= mult*b.AvgVol20
}

func cvdAgrees(b *indicators.Bundle, direction database.Direction) bool {
	if b == nil || b.CVD20 == 0 {
		return false
	}
	if direction == database.DirectionLong {
		return b.CVD20 > 0
	}
	return b.CVD20 < 0
}

// zoneConfluence wants a near-entry zone of the kind that backs the
// trade: support under a LONG, resistance over a SHORT.
func zoneConfluence(in *strategy.Input, p *strategy.Proposal) bool {
	if in.Bundle == nil || in.Bundle.ATR14 == 0 {
		return false
	}
	z := zones.Confluent(in.Zones, p.Entry, zoneToleranceATR*in.Bundle.ATR14)
	if z == nil {
		return false
	}
	if p.Direction == database.DirectionLong {
		return z.Kind == zones.Support
	}
	return z.Kind == zones.Resistance
}

// opposesBTC reports whether the BTC 1h trend moved against the
// direction by more than the noise threshold over the lookback.
func opposesBTC(btc *indicators.Bundle, direction database.Direction, noisePct float64, bars int) bool {
	if btc == nil || bars <= 0 {
		return false
	}
	now, ok := btc.At(-1)
	if !ok {
		return false
	}
	then, ok := btc.At(-1 - bars)
	if !ok || then.Close == 0 {
		return false
	}
	movePct := (now.Close - then.Close) / then.Close * 100
	if direction == database.DirectionLong {
		return movePct < -noisePct
	}
	return movePct > noisePct
}

// cvdBonus rewards CVD agreement on both 15m and 1h, scaled by the
// 15m CVD magnitude relative to average volume.
func (s *Scorer) cvdBonus(in *strategy.Input, direction database.Direction) float64 {
	if !cvdAgrees(in.Bundle, direction) || !cvdAgrees(in.HTFBundle, direction) {
		return 0
	}
	strength := 1.0
	if in.Bundle.AvgVol20 > 0 {
		strength = math.Min(1, math.Abs(in.Bundle.CVD20)/in.Bundle.AvgVol20)
	}
	return s.cfg.CVDBonusMin + (s.cfg.CVDBonusMax-s.cfg.CVDBonusMin)*strength
}

func (s *Scorer) refinements(in *strategy.Input, strat strategy.Strategy, direction database.Direction) float64 {
	var adj float64

	if in.Regime.Regime == regime.Trend && in.Regime.ADX > adxRefineMin {
		adj += 1.0
	}

	if strat.Category() == strategy.CategoryMeanReversion && in.Bundle != nil {
		if direction == database.DirectionLong && in.Bundle.RSI14 <= rsiOversold {
			adj += 0.5
		}
		if direction == database.DirectionShort && in.Bundle.RSI14 >= rsiOverbought {
			adj += 0.5
		}
	}

	if categoryAligned(strat.Category(), in.Regime.Regime) {
		adj += 1.0
	}

	if atrSpiking(in.Bundle) {
		adj -= 0.5
	}
	return adj
}

func categoryAligned(c strategy.Category, r regime.Regime) bool {
	switch c {
	case strategy.CategoryTrend:
		return r == regime.Trend
	case strategy.CategoryMeanReversion:
		return r == regime.Range
	case strategy.CategoryBreakout:
		return r == regime.Squeeze
	}
	return false
}

// atrSpiking flags volatility blowouts: current ATR above twice its
// recent mean.
func atrSpiking(b *indicators.Bundle) bool {
	if b == nil || b.ATR14 == 0 {
		return false
	}
	series := indicators.ATRSeries(b.Candles, indicators.ATRPeriod)
	start := len(series) - atrMeanLookback
	if start < 0 {
		start = 0
	}
	var sum float64
	n := 0
	for _, v := range series[start:] {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return false
	}
	return b.ATR14 > atrSpikeFactor*(sum/float64(n))
}

// Resolve picks the cycle's winners: one per (symbol, direction,
// strategy), highest final score. LONG and SHORT on the same symbol
// survive independently.
func Resolve(decisions []Decision) []Decision {
	type key struct {
		symbol    string
		direction database.Direction
		strategy  string
	}
	best := make(map[key]Decision)
	for _, d := range decisions {
		if !d.Accepted {
			continue
		}
		k := key{d.Symbol, d.Direction, d.Strategy}
		if cur, ok := best[k]; !ok || d.FinalScore > cur.FinalScore {
			best[k] = d
		}
	}
	out := make([]Decision, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}
