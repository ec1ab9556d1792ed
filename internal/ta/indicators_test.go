package ta

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRSI(t *testing.T) {
	t.Parallel()

	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	if got := RSI(rising, 7); got != 100 {
		t.Fatalf("expected 100 for only gains, got %v", got)
	}
	falling := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	if got := RSI(falling, 7); got != 0 {
		t.Fatalf("expected 0 for only losses, got %v", got)
	}
	if got := RSI([]float64{1, 2}, 7); got != 50 {
		t.Fatalf("expected neutral 50 on short input, got %v", got)
	}
	mixed := []float64{10, 11, 10, 11, 10}
	if got := RSI(mixed, 4); !almostEqual(got, 50) {
		t.Fatalf("expected 50 for balanced moves, got %v", got)
	}
}

func TestSMAAndMeanStd(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4, 5}
	if got := SMA(values, 2); got != 4.5 {
		t.Fatalf("expected 4.5, got %v", got)
	}
	if got := SMA(values, 50); got != 3 {
		t.Fatalf("expected full-window average 3, got %v", got)
	}
	mean, std := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 || std != 2 {
		t.Fatalf("expected mean 5 std 2, got %v %v", mean, std)
	}
}

func TestReturnsMomentumAndChange(t *testing.T) {
	t.Parallel()

	prices := []float64{100, 110, 99}
	r := Returns(prices)
	if len(r) != 2 || !almostEqual(r[0], 0.1) || !almostEqual(r[1], -0.1) {
		t.Fatalf("unexpected returns %v", r)
	}
	if got := Momentum(prices); !almostEqual(got, -0.1) {
		t.Fatalf("expected momentum -0.1, got %v", got)
	}
	if got := PriceChange(prices, 2); !almostEqual(got, -0.01) {
		t.Fatalf("expected change -0.01, got %v", got)
	}
	if got := Volatility([]float64{100, 100, 100}, 20); got != 0 {
		t.Fatalf("expected zero volatility for flat prices, got %v", got)
	}
}

func TestSupportResistance(t *testing.T) {
	t.Parallel()

	prices := []float64{10, 9, 8, 9, 10, 11, 12, 11, 10, 11}
	support, resistance := SupportResistance(prices)
	if support != 8 {
		t.Fatalf("expected pivot support 8, got %v", support)
	}
	if resistance != 12 {
		t.Fatalf("expected pivot resistance 12, got %v", resistance)
	}

	flat := []float64{5, 6}
	support, resistance = SupportResistance(flat)
	if support != 5 || resistance != 6 {
		t.Fatalf("expected min/max fallback, got %v %v", support, resistance)
	}
}

func TestBollingerAndClamp(t *testing.T) {
	t.Parallel()

	mid, upper, lower := Bollinger([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	if mid != 5 || upper != 9 || lower != 1 {
		t.Fatalf("unexpected bands %v %v %v", mid, upper, lower)
	}
	if Clamp(math.NaN(), 0, 1) != 0 || Clamp(2, 0, 1) != 1 || Clamp(0.4, 0, 1) != 0.4 {
		t.Fatal("clamp misbehaves")
	}
}
