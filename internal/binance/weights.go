package binance

// Request weights for the futures endpoints this engine calls. Klines
// and depth scale with the requested limit; everything else is flat.

// KlinesWeight returns the request weight charged for a klines call
// with the given limit.
func KlinesWeight(limit int) int {
	switch {
	case limit <= 0:
		return 1
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

// DepthWeight returns the request weight charged for a depth call
// with the given limit.
func DepthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 2
	case limit <= 500:
		return 5
	case limit <= 1000:
		return 10
	default:
		return 50
	}
}

const (
	weightMarkPrice    = 1
	weightTicker24h    = 1  // with symbol
	weightTicker24hAll = 40 // without symbol
	weightExchangeInfo = 1
)
