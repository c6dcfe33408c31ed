package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
)

const maxKlinesPerRequest = 1000

// KlineFetcher is the slice of the exchange client the loader needs.
type KlineFetcher interface {
	Klines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]binance.Kline, error)
}

// CandleStore is the persistence surface for candles.
type CandleStore interface {
	Upsert(ctx context.Context, candles []database.Candle) error
	Recent(ctx context.Context, symbol, interval string, limit int) ([]database.Candle, error)
	LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error)
	OpenTimes(ctx context.Context, symbol, interval string, from, to int64) ([]int64, error)
}

// Loader keeps per-(symbol, timeframe) candle series fresh and
// gap-free. All refresh work funnels through the shared rate-limited
// client; persistence is upsert-only so re-fetches are harmless.
type Loader struct {
	client      KlineFetcher
	store       CandleStore
	timeframes  []string
	horizonDays int
	parallelMax int
	logger      zerolog.Logger

	now func() time.Time
}

func New(client KlineFetcher, store CandleStore, timeframes []string, horizonDays, parallelMax int, logger zerolog.Logger) *Loader {
	if parallelMax <= 0 {
		parallelMax = 1
	}
	return &Loader{
		client:      client,
		store:       store,
		timeframes:  timeframes,
		horizonDays: horizonDays,
		parallelMax: parallelMax,
		logger:      logger.With().Str("component", "loader").Logger(),
		now:         time.Now,
	}
}

// lastSettledOpen returns the open time of the newest candle that has
// fully closed by now, for the given interval.
func lastSettledOpen(now time.Time, interval string) (int64, bool) {
	d := binance.IntervalDuration(interval)
	if d == 0 {
		return 0, false
	}
	// The bar containing `now` is still forming; the one before it is
	// the newest settled bar.
	cur := now.Truncate(d)
	return cur.Add(-d).UnixMilli(), true
}

// RefreshRecent brings one symbol's series up to date across all
// configured timeframes. Fresh series issue zero API calls.
func (l *Loader) RefreshRecent(ctx context.Context, symbol string) error {
	for _, tf := range l.timeframes {
		if err := l.refreshTimeframe(ctx, symbol, tf); err != nil {
			return fmt.Errorf("refreshing %s %s: %w", symbol, tf, err)
		}
	}
	return nil
}

func (l *Loader) refreshTimeframe(ctx context.Context, symbol, tf string) error {
	settledOpen, ok := lastSettledOpen(l.now(), tf)
	if !ok {
		return fmt.Errorf("unknown timeframe %q", tf)
	}

	latest, err := l.store.LatestOpenTime(ctx, symbol, tf)
	switch {
	case errors.Is(err, database.ErrNoCandles):
		latest = 0
	case err != nil:
		return err
	}

	// Freshness short-circuit: stored data already covers the newest
	// settled bar.
	if latest >= settledOpen {
		return nil
	}

	horizonStart := l.now().AddDate(0, 0, -l.horizonDays).UnixMilli()
	from := horizonStart
	if latest > 0 && latest > horizonStart {
		// Re-fetch the stored newest bar too: the exchange may revise
		// a just-closed candle for a few seconds.
		from = latest
	}

	if err := l.fetchRange(ctx, symbol, tf, from, settledOpen); err != nil {
		return err
	}
	return l.fixGaps(ctx, symbol, tf, horizonStart, settledOpen)
}

// BackfillGap fetches and persists candles with open times in
// [from, to], paginated under the per-request cap.
func (l *Loader) BackfillGap(ctx context.Context, symbol, tf string, from, to int64) error {
	return l.fetchRange(ctx, symbol, tf, from, to)
}

func (l *Loader) fetchRange(ctx context.Context, symbol, tf string, from, to int64) error {
	d := binance.IntervalDuration(tf)
	if d == 0 {
		return fmt.Errorf("unknown timeframe %q", tf)
	}
	step := d.Milliseconds()

	for from <= to {
		want := int((to-from)/step) + 1
		limit := want
		if limit > maxKlinesPerRequest {
			limit = maxKlinesPerRequest
		}

		klines, err := l.client.Klines(ctx, symbol, tf, from, 0, limit)
		if err != nil {
			return err
		}
		if len(klines) == 0 {
			return nil
		}

		settled := l.dropUnsettled(klines)
		if len(settled) > 0 {
			if err := l.store.Upsert(ctx, toCandles(symbol, tf, settled)); err != nil {
				return err
			}
		}

		next := klines[len(klines)-1].OpenTime + step
		if next <= from {
			return nil
		}
		from = next

		if len(klines) < limit {
			return nil
		}
	}
	return nil
}

// dropUnsettled removes any still-forming candle from the tail. A bar
// is settled the instant now reaches its close time, so only a close
// time strictly in the future marks a forming bar.
func (l *Loader) dropUnsettled(klines []binance.Kline) []binance.Kline {
	nowMs := l.now().UnixMilli()
	out := klines
	for len(out) > 0 && out[len(out)-1].CloseTime > nowMs {
		out = out[:len(out)-1]
	}
	return out
}

// fixGaps scans stored open times in [from, to] and backfills any
// missing stretches.
func (l *Loader) fixGaps(ctx context.Context, symbol, tf string, from, to int64) error {
	step := binance.IntervalDuration(tf).Milliseconds()
	times, err := l.store.OpenTimes(ctx, symbol, tf, from, to)
	if err != nil {
		return err
	}
	if len(times) < 2 {
		return nil
	}

	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] == step {
			continue
		}
		gapFrom := times[i-1] + step
		gapTo := times[i] - step
		l.logger.Warn().
			Str("symbol", symbol).
			Str("timeframe", tf).
			Int64("gap_from", gapFrom).
			Int64("gap_to", gapTo).
			Msg("candle gap detected, backfilling")
		if err := l.BackfillGap(ctx, symbol, tf, gapFrom, gapTo); err != nil {
			return fmt.Errorf("backfilling gap: %w", err)
		}
	}
	return nil
}

// RecentCandles returns the most recent n settled candles for
// strategy evaluation, oldest first.
func (l *Loader) RecentCandles(ctx context.Context, symbol, tf string, n int) ([]binance.Kline, error) {
	candles, err := l.store.Recent(ctx, symbol, tf, n)
	if err != nil {
		return nil, fmt.Errorf("reading recent candles %s %s: %w", symbol, tf, err)
	}
	return toKlines(candles), nil
}

// Result reports one symbol's refresh outcome on the ready queue.
type Result struct {
	Symbol string
	Err    error
}

// RefreshAll refreshes every symbol through a bounded worker pool and
// streams per-symbol results as they complete, so downstream
// evaluation can start without waiting for the slowest symbol. The
// returned channel closes when all symbols are done.
func (l *Loader) RefreshAll(ctx context.Context, symbols []string) <-chan Result {
	ready := make(chan Result, len(symbols))
	work := make(chan string)

	var wg sync.WaitGroup
	workers := l.parallelMax
	if workers > len(symbols) {
		workers = len(symbols)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range work {
				err := l.RefreshRecent(ctx, symbol)
				if err != nil {
					l.logger.Warn().Str("symbol", symbol).Err(err).Msg("refresh failed, symbol unhealthy this cycle")
				}
				select {
				case ready <- Result{Symbol: symbol, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, s := range symbols {
			select {
			case work <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(ready)
	}()
	return ready
}

func toCandles(symbol, tf string, klines []binance.Kline) []database.Candle {
	out := make([]database.Candle, len(klines))
	for i, k := range klines {
		out[i] = database.Candle{
			Symbol:         symbol,
			Interval:       tf,
			OpenTime:       k.OpenTime,
			Open:           k.Open,
			High:           k.High,
			Low:            k.Low,
			Close:          k.Close,
			Volume:         k.Volume,
			QuoteVolume:    k.QuoteVolume,
			TakerBuyVolume: k.TakerBuyVolume,
			Trades:         k.Trades,
			CloseTime:      k.CloseTime,
		}
	}
	return out
}

func toKlines(candles []database.Candle) []binance.Kline {
	out := make([]binance.Kline, len(candles))
	for i, c := range candles {
		out[i] = binance.Kline{
			OpenTime:       c.OpenTime,
			Open:           c.Open,
			High:           c.High,
			Low:            c.Low,
			Close:          c.Close,
			Volume:         c.Volume,
			QuoteVolume:    c.QuoteVolume,
			TakerBuyVolume: c.TakerBuyVolume,
			Trades:         c.Trades,
			CloseTime:      c.CloseTime,
		}
	}
	return out
}
