package engine

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/actionprice"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/indicators"
	"futures-signal-bot/internal/journal"
	"futures-signal-bot/internal/loader"
	"futures-signal-bot/internal/locks"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/scoring"
	"futures-signal-bot/internal/strategy"
	"futures-signal-bot/internal/zones"
)

// bundleDepth is how much history each bundle carries; enough for
// EMA200 plus percentile lookbacks.
const bundleDepth = 320

// universeRefreshEvery re-runs symbol selection after this many
// cycles.
const universeRefreshEvery = 24

// Engine is the candle-close-aligned main loop: refresh, analyze,
// score, emit. The tracker runs on its own timer and is started
// separately.
type Engine struct {
	cfg config.Config

	client     *binance.Client
	loader     *loader.Loader
	cache      *indicators.Cache
	zones      *zones.Registry
	detector   *regime.Detector
	strategies []strategy.Strategy
	ap         *actionprice.Engine
	scorer     *scoring.Scorer
	locks      *locks.Manager
	signals    SignalStore
	journal    *journal.Journal
	stream     *binance.KlineStream

	logger zerolog.Logger
	now    func() time.Time

	cycleRunning atomic.Bool
	cycleCount   int

	mu       sync.RWMutex
	universe []string
}

// SignalStore is the signal persistence surface the engine writes
// through.
type SignalStore interface {
	Insert(ctx context.Context, s *database.Signal) error
	Active(ctx context.Context) ([]*database.Signal, error)
	HasRecentSignal(ctx context.Context, symbol, strategy string, direction database.Direction, sinceBarOpen int64) (bool, error)
}

type Deps struct {
	Client  *binance.Client
	Loader  *loader.Loader
	Locks   *locks.Manager
	Signals SignalStore
	Journal *journal.Journal
	Stream  *binance.KlineStream
}

func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		client:     deps.Client,
		loader:     deps.Loader,
		cache:      indicators.NewCache(),
		zones:      zones.NewRegistry(cfg.LoaderConfig.Timeframes),
		detector:   regime.NewDetector(cfg.RegimeConfig, logger),
		strategies: strategy.All(),
		ap:         actionprice.New(cfg.ActionPriceConfig),
		scorer:     scoring.New(cfg.ScorerConfig, logger),
		locks:      deps.Locks,
		signals:    deps.Signals,
		journal:    deps.Journal,
		stream:     deps.Stream,
		logger:     logger.With().Str("component", "engine").Logger(),
		now:        time.Now,
	}
}

// Run drives cycles until ctx is done. Start blocks on the first
// universe selection so a misconfigured exchange fails fast.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.refreshUniverse(ctx); err != nil {
		return err
	}
	if err := e.rebuildLocks(ctx); err != nil {
		return err
	}
	if e.stream != nil {
		e.stream.SetSymbols(e.Universe())
		e.stream.Start(ctx)
		defer e.stream.Stop()
		go e.drainCloseHints(ctx)
	}

	step := binance.IntervalDuration(e.cfg.EngineConfig.BaseInterval)
	settle := time.Duration(e.cfg.EngineConfig.SettleDelaySec) * time.Second

	for {
		wait := e.untilNextTick(step, settle)
		e.logger.Debug().Dur("sleep", wait).Msg("waiting for next candle close")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		// A cycle still in flight means this tick is dropped, never
		// queued.
		if !e.cycleRunning.CompareAndSwap(false, true) {
			e.logger.Warn().Msg("previous cycle still running, tick dropped")
			continue
		}
		e.runCycle(ctx)
		e.cycleRunning.Store(false)

		e.cycleCount++
		if e.cycleCount%universeRefreshEvery == 0 {
			if err := e.refreshUniverse(ctx); err != nil {
				e.logger.Error().Err(err).Msg("universe refresh failed, keeping previous set")
			} else if e.stream != nil {
				e.stream.SetSymbols(e.Universe())
			}
		}
	}
}

// untilNextTick sleeps to the next base-interval boundary plus the
// settle delay, so the freshly closed candle is final on the exchange
// side before we fetch it.
func (e *Engine) untilNextTick(step, settle time.Duration) time.Duration {
	now := e.now()
	next := now.Truncate(step).Add(step).Add(settle)
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return settle
}

func (e *Engine) Universe() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.universe))
	copy(out, e.universe)
	return out
}

func (e *Engine) refreshUniverse(ctx context.Context) error {
	symbols, err := selectUniverse(ctx, e.client, e.cfg.UniverseConfig)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.universe = symbols
	e.mu.Unlock()
	e.logger.Info().Int("symbols", len(symbols)).Msg("universe selected")
	return nil
}

func (e *Engine) rebuildLocks(ctx context.Context) error {
	active, err := e.signals.Active(ctx)
	if err != nil {
		return err
	}
	return e.locks.Rebuild(ctx, active)
}

// drainCloseHints consumes kline-close events. The stream exists to
// learn close times early; scheduling stays timer-driven.
func (e *Engine) drainCloseHints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.stream.Events():
			if !ok {
				return
			}
			e.logger.Debug().
				Str("symbol", ev.Symbol).
				Str("interval", ev.Interval).
				Int64("close_time", ev.CloseTime).
				Msg("candle close hint")
		}
	}
}

// runCycle runs one full refresh-analyze-score-emit pass under the
// cycle budget. Per-symbol failures are isolated.
func (e *Engine) runCycle(parent context.Context) {
	started := e.now()
	ctx, cancel := context.WithTimeout(parent, time.Duration(e.cfg.EngineConfig.CycleBudgetSec)*time.Second)
	defer cancel()

	universe := e.Universe()

	// BTC leads: its 1h trend is an input to every other symbol's
	// scoring.
	btc := e.refreshBTC(ctx)

	workers := runtime.NumCPU()
	if workers > len(universe) {
		workers = len(universe)
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu        sync.Mutex
		decisions []scoring.Decision
		failed    int
	)
	ready := e.loader.RefreshAll(ctx, universe)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for res := range ready {
				if res.Err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					e.logger.Warn().Err(res.Err).Str("symbol", res.Symbol).Msg("symbol refresh failed, skipped this cycle")
					continue
				}
				ds := e.evaluateSymbol(ctx, res.Symbol, btc)
				if len(ds) > 0 {
					mu.Lock()
					decisions = append(decisions, ds...)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	emitted := e.emit(ctx, scoring.Resolve(decisions))

	if err := e.locks.PurgeExpired(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("lock purge failed")
	}

	e.logger.Info().
		Int("symbols", len(universe)).
		Int("failed", failed).
		Int("proposals", len(decisions)).
		Int("signals", emitted).
		Dur("elapsed", e.now().Sub(started)).
		Msg("cycle complete")
}

// refreshBTC loads BTC and returns its regime-interval bundle, nil
// when unavailable (scoring then skips the exogenous filter).
func (e *Engine) refreshBTC(ctx context.Context) *indicators.Bundle {
	const symbol = "BTCUSDT"
	if err := e.loader.RefreshRecent(ctx, symbol); err != nil {
		e.logger.Warn().Err(err).Msg("btc refresh failed, exogenous filter disabled this cycle")
		return nil
	}
	candles, err := e.loader.RecentCandles(ctx, symbol, e.cfg.EngineConfig.RegimeInterval, bundleDepth)
	if err != nil || len(candles) == 0 {
		return nil
	}
	return e.cache.Get(symbol, e.cfg.EngineConfig.RegimeInterval, candles)
}

// evaluateSymbol runs every strategy plus the Action Price engine for
// one symbol and returns scored decisions. Action Price emits
// directly (it has its own cooldown and does not compete in conflict
// resolution).
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, btc *indicators.Bundle) []scoring.Decision {
	bundles := make(map[string]*indicators.Bundle, len(e.cfg.LoaderConfig.Timeframes))
	candlesByTF := make(map[string][]binance.Kline, len(e.cfg.LoaderConfig.Timeframes))
	for _, tf := range e.cfg.LoaderConfig.Timeframes {
		candles, err := e.loader.RecentCandles(ctx, symbol, tf, bundleDepth)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Str("interval", tf).Msg("candle read failed")
			return nil
		}
		candlesByTF[tf] = candles
		bundles[tf] = e.cache.Get(symbol, tf, candles)
	}

	regimeBundle := bundles[e.cfg.EngineConfig.RegimeInterval]
	cls := e.detector.Classify(regimeBundle)

	baseTF := e.cfg.EngineConfig.BaseInterval
	zs := e.zones.Update(symbol, baseTF, candlesByTF[baseTF])

	// The order book is only consulted in compression, where the
	// order-flow strategy can act on it; elsewhere the weight is
	// better spent on candles.
	var depth *binance.DepthSnapshot
	var mark float64
	if cls.Regime == regime.Squeeze {
		d, err := e.client.Depth(ctx, symbol, 100)
		if err != nil {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("depth fetch failed")
		} else {
			depth = d
		}
		// Entries off a live book should anchor to the live mark, not
		// the last settled close.
		if mp, err := e.client.PremiumIndex(ctx, symbol); err != nil {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("mark price fetch failed")
		} else if v, perr := strconv.ParseFloat(mp.MarkPrice, 64); perr == nil {
			mark = v
		}
	}

	var out []scoring.Decision
	for _, strat := range e.strategies {
		b := bundles[strat.Timeframe()]
		if b == nil {
			continue
		}
		in := &strategy.Input{
			Symbol:    symbol,
			Candles:   candlesByTF,
			Bundle:    b,
			HTFBundle: regimeBundle,
			Zones:     zs,
			Regime:    cls,
			Depth:     depth,
			MarkPrice: mark,
		}
		p := strat.Evaluate(in)
		if p == nil {
			continue
		}
		exo := btc
		if symbol == "BTCUSDT" {
			exo = nil
		}
		d := e.scorer.Score(in, strat, p, exo)
		if e.cfg.ScorerConfig.JournalDecisions && e.journal != nil {
			e.journal.Decision(d)
		}
		out = append(out, d)
	}

	if e.cfg.ActionPriceConfig.Enabled {
		e.emitActionPrice(ctx, symbol, bundles[baseTF], cls)
	}
	return out
}

// emit persists the cycle's winning proposals, one signal per
// acquired lock.
func (e *Engine) emit(ctx context.Context, winners []scoring.Decision) int {
	emitted := 0
	for _, d := range winners {
		if e.emitStrategySignal(ctx, d) {
			emitted++
		}
	}
	return emitted
}

func (e *Engine) emitStrategySignal(ctx context.Context, d scoring.Decision) bool {
	tf := d.Interval
	if tf == "" {
		tf = e.cfg.EngineConfig.BaseInterval
	}

	sig := &database.Signal{
		ID:          uuid.NewString(),
		Symbol:      d.Symbol,
		Direction:   d.Direction,
		Source:      database.SourceStrategy,
		Strategy:    d.Strategy,
		Interval:    tf,
		Entry:       d.Proposal.Entry,
		StopLoss:    d.Proposal.SL,
		TP1:         d.Proposal.TP1,
		TP2:         d.Proposal.TP2,
		ATR:         d.ATR,
		Score:       d.FinalScore,
		Regime:      string(d.Regime),
		Status:      database.StatusActive,
		CurrentSL:   d.Proposal.SL,
		BarOpenTime: d.BarOpenTime,
		CreatedAt:   e.now(),
	}
	if comp, err := json.Marshal(map[string]interface{}{
		"factors":       d.Factors,
		"regime_weight": d.RegimeWeight,
		"base_score":    d.BaseScore,
		"btc_penalty":   d.BTCPenalty,
		"cvd_bonus":     d.CVDBonus,
		"refinements":   d.Refinements,
	}); err == nil {
		sig.Components = comp
	}

	return e.persist(ctx, sig)
}

// emitActionPrice runs the EMA200 body-cross engine for one symbol
// and persists an accepted setup, subject to the per-symbol cooldown.
func (e *Engine) emitActionPrice(ctx context.Context, symbol string, b *indicators.Bundle, cls regime.Classification) {
	res := e.ap.Evaluate(b)
	if res == nil {
		return
	}
	if !e.actionPriceAllowed(ctx, symbol, res.Direction, b.NewestOpen) {
		return
	}

	sig := &database.Signal{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Direction:   res.Direction,
		Source:      database.SourceActionPrice,
		Strategy:    "action_price",
		Mode:        res.Mode,
		Interval:    e.cfg.EngineConfig.BaseInterval,
		Entry:       res.Entry,
		StopLoss:    res.SL,
		TP1:         res.TP1,
		TP2:         res.TP2,
		ATR:         b.ATR14,
		Score:       res.Score,
		Regime:      string(cls.Regime),
		Status:      database.StatusActive,
		CurrentSL:   res.SL,
		BarOpenTime: b.NewestOpen,
		CreatedAt:   e.now(),
	}
	if comp, err := json.Marshal(res.Components); err == nil {
		sig.Components = comp
	}
	e.persist(ctx, sig)
}

// actionPriceAllowed applies the per-(symbol, direction) cooldown and
// the global open-signal cap. A recent signal in the opposite
// direction does not suppress a fresh setup.
func (e *Engine) actionPriceAllowed(ctx context.Context, symbol string, dir database.Direction, newestOpen int64) bool {
	step := binance.IntervalDuration(e.cfg.EngineConfig.BaseInterval).Milliseconds()
	since := newestOpen - int64(e.cfg.ActionPriceConfig.CooldownBars)*step
	recent, err := e.signals.HasRecentSignal(ctx, symbol, "action_price", dir, since)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("cooldown check failed")
		return false
	}
	if recent {
		return false
	}

	if max := e.cfg.ActionPriceConfig.MaxOpenSignals; max > 0 {
		active, err := e.signals.Active(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("active signal count failed")
			return false
		}
		open := 0
		for _, s := range active {
			if s.Source == database.SourceActionPrice {
				open++
			}
		}
		if open >= max {
			e.logger.Debug().Str("symbol", symbol).Int("open", open).Msg("action price at open-signal cap")
			return false
		}
	}
	return true
}

// persist claims the signal's lock and inserts it; a held lock means
// a live signal already occupies the slot.
func (e *Engine) persist(ctx context.Context, sig *database.Signal) bool {
	key := locks.Key{Symbol: sig.Symbol, Direction: sig.Direction, Strategy: sig.Strategy}
	acquired, err := e.locks.TryAcquire(ctx, key, sig.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Str("strategy", sig.Strategy).Msg("lock acquire failed")
		return false
	}
	if !acquired {
		e.logger.Debug().Str("symbol", sig.Symbol).Str("strategy", sig.Strategy).Msg("slot locked, signal suppressed")
		return false
	}

	if err := e.signals.Insert(ctx, sig); err != nil {
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal insert failed")
		if rerr := e.locks.Release(ctx, key, sig.ID); rerr != nil {
			e.logger.Warn().Err(rerr).Msg("lock rollback failed")
		}
		return false
	}
	if e.journal != nil {
		e.journal.SignalCreated(sig)
	}
	e.logger.Info().
		Str("signal", sig.ID).
		Str("symbol", sig.Symbol).
		Str("strategy", sig.Strategy).
		Str("direction", string(sig.Direction)).
		Float64("entry", sig.Entry).
		Float64("score", sig.Score).
		Msg("signal created")
	return true
}
