package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/binance"
)

// UniverseClient is the slice of the exchange client the selector
// needs.
type UniverseClient interface {
	ExchangeInfo(ctx context.Context) ([]binance.SymbolInfo, error)
	Ticker24hAll(ctx context.Context) ([]binance.Ticker24h, error)
}

// selectUniverse builds the tradable symbol list: live USDT-margined
// perpetuals above the 24h quote-volume floor, minus exclusions, plus
// pins. Sorted by volume descending so a MaxSymbols cap keeps the
// most liquid names.
func selectUniverse(ctx context.Context, client UniverseClient, cfg config.UniverseConfig) ([]string, error) {
	info, err := client.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	tickers, err := client.Ticker24hAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("24h tickers: %w", err)
	}

	volume := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		v, err := strconv.ParseFloat(t.QuoteVolume, 64)
		if err != nil {
			continue
		}
		volume[t.Symbol] = v
	}

	excluded := make(map[string]bool, len(cfg.ExcludeSymbols))
	for _, s := range cfg.ExcludeSymbols {
		excluded[s] = true
	}
	pinned := make(map[string]bool, len(cfg.PinnedSymbols))
	for _, s := range cfg.PinnedSymbols {
		pinned[s] = true
	}

	type ranked struct {
		symbol string
		vol    float64
	}
	var candidates []ranked
	for _, s := range info {
		if !s.IsTradablePerp(cfg.QuoteAsset) || excluded[s.Symbol] {
			continue
		}
		if volume[s.Symbol] < cfg.MinQuoteVolume && !pinned[s.Symbol] {
			continue
		}
		candidates = append(candidates, ranked{s.Symbol, volume[s.Symbol]})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if pinned[candidates[i].symbol] != pinned[candidates[j].symbol] {
			return pinned[candidates[i].symbol]
		}
		return candidates[i].vol > candidates[j].vol
	})

	if cfg.MaxSymbols > 0 && len(candidates) > cfg.MaxSymbols {
		candidates = candidates[:cfg.MaxSymbols]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.symbol
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe selection produced no symbols")
	}
	return out, nil
}
