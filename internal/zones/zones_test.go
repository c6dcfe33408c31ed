package zones

import (
	"testing"

	"futures-signal-bot/internal/binance"
)

// rangeSeries oscillates between support near lo and resistance near
// hi, touching each side several times.
func rangeSeries(n int, lo, hi float64) []binance.Kline {
	out := make([]binance.Kline, n)
	period := 8
	for i := range out {
		phase := i % period
		var o, c float64
		if phase < period/2 {
			o = lo + float64(phase)*(hi-lo)/4
			c = o + (hi-lo)/4
		} else {
			o = hi - float64(phase-period/2)*(hi-lo)/4
			c = o - (hi-lo)/4
		}
		hiBar := c
		loBar := o
		if o > c {
			hiBar, loBar = o, c
		}
		out[i] = binance.Kline{
			OpenTime: int64(i) * 900_000,
			Open:     o, Close: c,
			High: hiBar + 0.3, Low: loBar - 0.3,
			Volume: 100,
		}
	}
	return out
}

func TestBuilderFindsRangeEdges(t *testing.T) {
	candles := rangeSeries(120, 100, 110)
	zs := NewBuilder("15m").Build(candles)
	if len(zs) == 0 {
		t.Fatal("expected zones from an oscillating series")
	}

	sup := Nearest(zs, Support, 105)
	res := Nearest(zs, Resistance, 105)
	if sup == nil || res == nil {
		t.Fatalf("expected both sides of the range: sup=%v res=%v", sup, res)
	}
	if sup.High > 103 && sup.Low > 103 {
		t.Errorf("support should sit near 100, got [%v,%v]", sup.Low, sup.High)
	}
	if res.Low < 107 && res.High < 107 {
		t.Errorf("resistance should sit near 110, got [%v,%v]", res.Low, res.High)
	}
	if sup.Strength <= 0 {
		t.Errorf("touched support should have strength, got %v", sup.Strength)
	}
}

func TestBuilderInsufficientData(t *testing.T) {
	if zs := NewBuilder("15m").Build(rangeSeries(4, 100, 110)); zs != nil {
		t.Errorf("expected nil zones for short series, got %d", len(zs))
	}
}

func TestRegistryCachesPerBar(t *testing.T) {
	r := NewRegistry([]string{"15m"})
	candles := rangeSeries(120, 100, 110)

	z1 := r.Update("BTCUSDT", "15m", candles)
	z2 := r.Update("BTCUSDT", "15m", candles)
	if len(z1) == 0 {
		t.Fatal("expected zones")
	}
	if z1[0] != z2[0] {
		t.Error("same newest bar should return the cached snapshot")
	}

	view := r.View("BTCUSDT", "15m")
	if len(view) != len(z1) {
		t.Errorf("View returned %d zones, want %d", len(view), len(z1))
	}
	if r.View("ETHUSDT", "15m") != nil {
		t.Error("unknown symbol should have no zones")
	}

	// A new bar invalidates the snapshot.
	next := append(append([]binance.Kline{}, candles...), binance.Kline{
		OpenTime: int64(120) * 900_000,
		Open:     105, High: 106, Low: 104, Close: 105.5, Volume: 100,
	})
	z3 := r.Update("BTCUSDT", "15m", next)
	if len(z3) == 0 {
		t.Fatal("expected rebuilt zones")
	}
}

func TestConfluent(t *testing.T) {
	zs := []*Zone{{Kind: Support, Low: 99, High: 101}}
	if Confluent(zs, 100, 0) == nil {
		t.Error("price inside the zone should be confluent")
	}
	if Confluent(zs, 101.5, 1.0) == nil {
		t.Error("price within tolerance should be confluent")
	}
	if Confluent(zs, 103, 1.0) != nil {
		t.Error("price far from the zone should not be confluent")
	}
}

func TestFlipOnBreak(t *testing.T) {
	// Resistance repeatedly tested, then broken with the final close
	// far above it: the zone must flip to support.
	candles := rangeSeries(100, 100, 110)
	breakout := binance.Kline{
		OpenTime: int64(100) * 900_000,
		Open:     109, High: 125, Low: 108, Close: 124, Volume: 500,
	}
	candles = append(candles, breakout)

	zs := NewBuilder("15m").Build(candles)
	var flipped *Zone
	for _, z := range zs {
		if z.Flipped {
			flipped = z
			break
		}
	}
	if flipped == nil {
		t.Fatal("expected at least one flipped zone after the breakout close")
	}
	if flipped.Kind != Support {
		t.Errorf("broken resistance should flip to support, got %s", flipped.Kind)
	}
}
