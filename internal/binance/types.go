package binance

import "time"

// Kline is one settled candle on the futures market.
type Kline struct {
	OpenTime         int64   `json:"open_time"` // epoch millis
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	Volume           float64 `json:"volume"`
	CloseTime        int64   `json:"close_time"`
	QuoteVolume      float64 `json:"quote_volume"`
	Trades           int64   `json:"trades"`
	TakerBuyVolume   float64 `json:"taker_buy_volume"`
	TakerBuyQuoteVol float64 `json:"taker_buy_quote_volume"`
}

// Body returns the absolute candle body size.
func (k Kline) Body() float64 {
	if k.Close >= k.Open {
		return k.Close - k.Open
	}
	return k.Open - k.Close
}

// IsBull reports whether the candle closed above its open.
func (k Kline) IsBull() bool { return k.Close > k.Open }

// UpperWick returns the distance from the body top to the high.
func (k Kline) UpperWick() float64 {
	top := k.Open
	if k.Close > top {
		top = k.Close
	}
	return k.High - top
}

// LowerWick returns the distance from the body bottom to the low.
func (k Kline) LowerWick() float64 {
	bot := k.Open
	if k.Close < bot {
		bot = k.Close
	}
	return bot - k.Low
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price float64
	Qty   float64
}

// DepthSnapshot is an order book snapshot from /fapi/v1/depth.
type DepthSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []DepthLevel
	Asks         []DepthLevel
}

// Ticker24h carries the 24-hour rolling stats for one symbol.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	QuoteVolume        string `json:"quoteVolume"`
	Count              int64  `json:"count"`
}

// MarkPrice is the current mark price and funding state of a symbol.
type MarkPrice struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// SymbolInfo is the subset of exchangeInfo the engine needs to pick
// its trading universe.
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	QuoteAsset   string `json:"quoteAsset"`
	BaseAsset    string `json:"baseAsset"`
	PricePrec    int    `json:"pricePrecision"`
	QtyPrec      int    `json:"quantityPrecision"`
}

// IsTradablePerp reports whether the symbol is a live USDT-margined
// perpetual in normal trading state.
func (s SymbolInfo) IsTradablePerp(quoteAsset string) bool {
	return s.Status == "TRADING" &&
		s.ContractType == "PERPETUAL" &&
		s.QuoteAsset == quoteAsset
}

// IntervalDuration maps a Binance interval string to its duration.
// Unknown intervals return zero.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 72 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}
