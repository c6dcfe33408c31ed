package database

import (
	"encoding/json"
	"time"
)

// Direction is the trade side of a signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// SignalSource tells which pipeline produced a signal.
type SignalSource string

const (
	SourceStrategy    SignalSource = "strategy"
	SourceActionPrice SignalSource = "action_price"
)

// SignalMode selects the take-profit schedule.
type SignalMode string

const (
	ModeStandard SignalMode = "STANDARD"
	ModeScalp    SignalMode = "SCALP"
)

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	StatusActive SignalStatus = "ACTIVE"
	StatusClosed SignalStatus = "CLOSED"
)

// ExitReason records how a closed signal ended. Only terminal reasons
// appear here; partial fills are tracked on the signal itself.
type ExitReason string

const (
	ExitTP1       ExitReason = "TP1"
	ExitTP2       ExitReason = "TP2"
	ExitTrailing  ExitReason = "TRAILING"
	ExitStopLoss  ExitReason = "STOP_LOSS"
	ExitBreakeven ExitReason = "BREAKEVEN"
	ExitTimeStop  ExitReason = "TIME_STOP"
)

// Candle is one stored settled candle.
type Candle struct {
	Symbol         string
	Interval       string
	OpenTime       int64 // epoch millis, primary key component
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	QuoteVolume    float64
	TakerBuyVolume float64
	Trades         int64
	CloseTime      int64
}

// Signal is one tracked trade idea, from either the strategy scorer
// or the action-price pipeline. Tracking state lives on the same row
// so the tracker can resume after a restart.
type Signal struct {
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`
	Direction Direction    `json:"direction"`
	Source    SignalSource `json:"source"`
	Strategy  string       `json:"strategy"`
	Mode      SignalMode   `json:"mode"`
	Interval  string       `json:"interval"`

	Entry    float64 `json:"entry"`
	StopLoss float64 `json:"stop_loss"` // initial stop
	TP1      float64 `json:"tp1"`
	TP2      float64 `json:"tp2"`
	ATR      float64 `json:"atr"` // ATR at signal time, for trailing distance

	Score      float64         `json:"score"`
	Regime     string          `json:"regime"`
	Components json.RawMessage `json:"components,omitempty"` // per-factor score breakdown

	// Tracking state.
	Status         SignalStatus `json:"status"`
	CurrentSL      float64      `json:"current_sl"`
	TP1Hit         bool         `json:"tp1_hit"`
	TP2Hit         bool         `json:"tp2_hit"`
	TP1PnL         float64      `json:"tp1_pnl"` // leg PnL %, size-weighted at close
	TP2PnL         float64      `json:"tp2_pnl"`
	TrailingActive bool         `json:"trailing_active"`
	PeakPrice      float64      `json:"peak_price"` // monotonic favorable extreme after TP2
	TP2HitAt       time.Time    `json:"tp2_hit_at,omitempty"`

	MFE float64 `json:"mfe"` // max favorable excursion, R multiples
	MAE float64 `json:"mae"` // max adverse excursion, R multiples

	ExitReason ExitReason `json:"exit_reason,omitempty"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	FinalPnL   float64    `json:"final_pnl"` // total size-weighted PnL %
	BarsToExit int        `json:"bars_to_exit"`

	BarOpenTime int64     `json:"bar_open_time"` // signal bar open, epoch millis
	CreatedAt   time.Time `json:"created_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}

// Terminal reports whether the signal has finished tracking.
func (s *Signal) Terminal() bool { return s.Status == StatusClosed }

// RiskPerUnit is the absolute entry-to-initial-stop distance.
func (s *Signal) RiskPerUnit() float64 {
	r := s.Entry - s.StopLoss
	if r < 0 {
		return -r
	}
	return r
}

// PnLPercent returns the percentage move from entry to price, signed
// by direction.
func (s *Signal) PnLPercent(price float64) float64 {
	if s.Entry == 0 {
		return 0
	}
	pct := (price - s.Entry) / s.Entry * 100
	if s.Direction == DirectionShort {
		pct = -pct
	}
	return pct
}

// SignalLock is one persisted lock row. A lock holds the
// (symbol, direction, strategy) slot for the lifetime of its signal.
type SignalLock struct {
	Symbol     string
	Direction  Direction
	Strategy   string
	SignalID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// StrategyStats aggregates closed signals for the stats API. Win rate
// counts only terminal exits; partial fills on a losing runner do not
// make the signal a win by themselves.
type StrategyStats struct {
	Strategy   string  `json:"strategy"`
	Total      int     `json:"total"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	WinRate    float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
	TotalPnL   float64 `json:"total_pnl"`
	AvgMFE     float64 `json:"avg_mfe"`
	AvgMAE     float64 `json:"avg_mae"`
	TP1HitRate float64 `json:"tp1_hit_rate"`
	TP2HitRate float64 `json:"tp2_hit_rate"`
}
