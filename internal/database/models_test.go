package database

import (
	"math"
	"testing"
)

func TestPnLPercent(t *testing.T) {
	long := &Signal{Direction: DirectionLong, Entry: 100}
	if got := long.PnLPercent(102); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("long PnL at 102 = %v, want 2.0", got)
	}
	if got := long.PnLPercent(95); math.Abs(got-(-5.0)) > 1e-9 {
		t.Errorf("long PnL at 95 = %v, want -5.0", got)
	}

	short := &Signal{Direction: DirectionShort, Entry: 50}
	if got := short.PnLPercent(49); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("short PnL at 49 = %v, want 2.0", got)
	}
	if got := short.PnLPercent(55); math.Abs(got-(-10.0)) > 1e-9 {
		t.Errorf("short PnL at 55 = %v, want -10.0", got)
	}
}

func TestRiskPerUnit(t *testing.T) {
	s := &Signal{Entry: 100, StopLoss: 97}
	if got := s.RiskPerUnit(); got != 3 {
		t.Errorf("RiskPerUnit = %v, want 3", got)
	}
	sh := &Signal{Entry: 50, StopLoss: 51.5}
	if got := sh.RiskPerUnit(); got != 1.5 {
		t.Errorf("short RiskPerUnit = %v, want 1.5", got)
	}
}

func TestDirectionOpposite(t *testing.T) {
	if DirectionLong.Opposite() != DirectionShort || DirectionShort.Opposite() != DirectionLong {
		t.Error("Opposite mapping broken")
	}
}
