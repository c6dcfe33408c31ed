package loader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
)

// memStore is an in-memory CandleStore.
type memStore struct {
	mu      sync.Mutex
	candles map[string]map[int64]database.Candle // symbol|interval -> open_time -> candle
}

func newMemStore() *memStore {
	return &memStore{candles: make(map[string]map[int64]database.Candle)}
}

func key(symbol, interval string) string { return symbol + "|" + interval }

func (m *memStore) Upsert(_ context.Context, candles []database.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		k := key(c.Symbol, c.Interval)
		if m.candles[k] == nil {
			m.candles[k] = make(map[int64]database.Candle)
		}
		m.candles[k][c.OpenTime] = c
	}
	return nil
}

func (m *memStore) sorted(symbol, interval string) []database.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Candle
	for _, c := range m.candles[key(symbol, interval)] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

func (m *memStore) Recent(_ context.Context, symbol, interval string, limit int) ([]database.Candle, error) {
	all := m.sorted(symbol, interval)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *memStore) LatestOpenTime(_ context.Context, symbol, interval string) (int64, error) {
	all := m.sorted(symbol, interval)
	if len(all) == 0 {
		return 0, database.ErrNoCandles
	}
	return all[len(all)-1].OpenTime, nil
}

func (m *memStore) OpenTimes(_ context.Context, symbol, interval string, from, to int64) ([]int64, error) {
	var out []int64
	for _, c := range m.sorted(symbol, interval) {
		if c.OpenTime >= from && c.OpenTime <= to {
			out = append(out, c.OpenTime)
		}
	}
	return out, nil
}

// fakeExchange serves a dense synthetic series and counts calls.
type fakeExchange struct {
	mu       sync.Mutex
	calls    int
	failFor  map[string]error
	step     int64
	firstBar int64
	lastBar  int64 // newest settled bar open time
}

func (f *fakeExchange) Klines(_ context.Context, symbol, interval string, startTime, _ int64, limit int) ([]binance.Kline, error) {
	f.mu.Lock()
	f.calls++
	err := f.failFor[symbol]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []binance.Kline
	start := startTime
	if start < f.firstBar {
		start = f.firstBar
	}
	for t := start; t <= f.lastBar && len(out) < limit; t += f.step {
		out = append(out, binance.Kline{
			OpenTime: t, Open: 100, High: 101, Low: 99, Close: 100.5,
			Volume: 10, CloseTime: t + f.step - 1,
		})
	}
	return out, nil
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFixture(t *testing.T) (*Loader, *fakeExchange, *memStore, time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)
	step := time.Hour.Milliseconds()
	lastSettled := now.Truncate(time.Hour).Add(-time.Hour).UnixMilli()

	ex := &fakeExchange{
		step:     step,
		firstBar: lastSettled - 400*step,
		lastBar:  lastSettled,
		failFor:  map[string]error{},
	}
	store := newMemStore()
	l := New(ex, store, []string{"1h"}, 10, 4, zerolog.Nop())
	l.now = func() time.Time { return now }
	return l, ex, store, now
}

func TestRefreshThenShortCircuit(t *testing.T) {
	l, ex, store, now := newFixture(t)
	ctx := context.Background()

	if err := l.RefreshRecent(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if ex.callCount() == 0 {
		t.Fatal("first refresh should call the exchange")
	}

	stored := store.sorted("BTCUSDT", "1h")
	if len(stored) == 0 {
		t.Fatal("no candles persisted")
	}
	newest := stored[len(stored)-1]
	wantNewest := now.Truncate(time.Hour).Add(-time.Hour).UnixMilli()
	if newest.OpenTime != wantNewest {
		t.Errorf("newest stored open = %d, want %d", newest.OpenTime, wantNewest)
	}

	// Dense series check.
	for i := 1; i < len(stored); i++ {
		if stored[i].OpenTime-stored[i-1].OpenTime != time.Hour.Milliseconds() {
			t.Fatalf("gap between %d and %d", stored[i-1].OpenTime, stored[i].OpenTime)
		}
	}

	// Second run with no new bars: zero API calls.
	before := ex.callCount()
	if err := l.RefreshRecent(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := ex.callCount(); got != before {
		t.Errorf("fresh series issued %d extra calls, want 0", got-before)
	}
}

func TestUnsettledTailDropped(t *testing.T) {
	l, ex, store, now := newFixture(t)
	// Let the exchange also return the currently forming bar.
	ex.lastBar = now.Truncate(time.Hour).UnixMilli()

	if err := l.RefreshRecent(context.Background(), "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	stored := store.sorted("BTCUSDT", "1h")
	newest := stored[len(stored)-1]
	if newest.CloseTime >= now.UnixMilli() {
		t.Errorf("forming candle persisted: close_time %d >= now %d", newest.CloseTime, now.UnixMilli())
	}
}

func TestGapBackfill(t *testing.T) {
	l, _, store, now := newFixture(t)
	ctx := context.Background()
	step := time.Hour.Milliseconds()
	settled := now.Truncate(time.Hour).Add(-time.Hour).UnixMilli()

	// Seed a series with a 3-bar hole well inside the horizon, and
	// stale by one bar so the refresh path runs.
	for t0 := settled - 50*step; t0 <= settled-step; t0 += step {
		hole := t0 >= settled-30*step && t0 < settled-27*step
		if hole {
			continue
		}
		store.Upsert(ctx, []database.Candle{{
			Symbol: "BTCUSDT", Interval: "1h", OpenTime: t0,
			Open: 100, High: 101, Low: 99, Close: 100, CloseTime: t0 + step - 1,
		}})
	}

	if err := l.RefreshRecent(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	times, _ := store.OpenTimes(ctx, "BTCUSDT", "1h", settled-50*step, settled)
	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] != step {
			t.Fatalf("gap not healed between %d and %d", times[i-1], times[i])
		}
	}
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	l, ex, _, _ := newFixture(t)
	ex.failFor["BADUSDT"] = errors.New("boom")

	results := map[string]error{}
	for r := range l.RefreshAll(context.Background(), []string{"BTCUSDT", "BADUSDT", "ETHUSDT"}) {
		results[r.Symbol] = r.Err
	}

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results["BADUSDT"] == nil {
		t.Error("failed symbol should report its error")
	}
	if results["BTCUSDT"] != nil || results["ETHUSDT"] != nil {
		t.Errorf("healthy symbols should succeed: %v / %v", results["BTCUSDT"], results["ETHUSDT"])
	}
}

func TestRecentCandlesOrdering(t *testing.T) {
	l, _, _, _ := newFixture(t)
	ctx := context.Background()

	if err := l.RefreshRecent(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	klines, err := l.RecentCandles(ctx, "BTCUSDT", "1h", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(klines) != 20 {
		t.Fatalf("got %d candles, want 20", len(klines))
	}
	for i := 1; i < len(klines); i++ {
		if klines[i].OpenTime <= klines[i-1].OpenTime {
			t.Fatal("candles must be ordered oldest first")
		}
	}
}

// A bar is settled the moment now reaches its close time; only bars
// closing strictly in the future are still forming.
func TestDropUnsettledKeepsBarClosingExactlyNow(t *testing.T) {
	l, _, _, now := newFixture(t)
	nowMs := now.UnixMilli()

	settled := binance.Kline{OpenTime: nowMs - 900000, CloseTime: nowMs}
	forming := binance.Kline{OpenTime: nowMs, CloseTime: nowMs + 1}

	out := l.dropUnsettled([]binance.Kline{settled, forming})
	if len(out) != 1 {
		t.Fatalf("kept %d bars, want 1", len(out))
	}
	if out[0].CloseTime != nowMs {
		t.Errorf("kept close_time %d, want %d", out[0].CloseTime, nowMs)
	}
}
