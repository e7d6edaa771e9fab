package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"pattern-trading-engine/internal/market"
)

func barsFromCloses(closes []float64) []market.Bar {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Symbol:    "BTCUSDT",
			Timeframe: "1h",
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    100,
		}
	}
	return bars
}

// TestInsufficientHistory verifies short windows are rejected, never
// silently computed.
func TestInsufficientHistory(t *testing.T) {
	spec := DefaultSpec()
	closes := make([]float64, spec.MinLookback()-1)
	for i := range closes {
		closes[i] = 100
	}

	_, err := Compute(barsFromCloses(closes), spec)
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}

	// Exactly the minimum must succeed.
	closes = append(closes, 100)
	if _, err := Compute(barsFromCloses(closes), spec); err != nil {
		t.Fatalf("expected success at min lookback, got %v", err)
	}
}

// TestFlatSeries checks the degenerate constant-price window, where
// every indicator has a closed-form answer.
func TestFlatSeries(t *testing.T) {
	spec := DefaultSpec()
	closes := make([]float64, spec.MinLookback())
	for i := range closes {
		closes[i] = 50
	}

	series, err := Compute(barsFromCloses(closes), spec)
	if err != nil {
		t.Fatal(err)
	}
	if series.SMA != 50 {
		t.Errorf("SMA of flat series = %v, want 50", series.SMA)
	}
	if series.EMA != 50 {
		t.Errorf("EMA of flat series = %v, want 50", series.EMA)
	}
	if series.MACD.Line != 0 {
		t.Errorf("MACD line of flat series = %v, want 0", series.MACD.Line)
	}
	if series.Bollinger.Upper != 50 || series.Bollinger.Lower != 50 {
		t.Errorf("Bollinger bands of flat series = %+v, want all 50", series.Bollinger)
	}
	// High-low spread is 2 on every synthetic bar.
	if series.ATR != 2 {
		t.Errorf("ATR = %v, want 2", series.ATR)
	}
}

// TestRSIExtremes: a monotonically rising series has RSI 100, a
// falling one approaches 0.
func TestRSIExtremes(t *testing.T) {
	spec := DefaultSpec()
	n := spec.MinLookback()

	rising := make([]float64, n)
	falling := make([]float64, n)
	for i := 0; i < n; i++ {
		rising[i] = 100 + float64(i)
		falling[i] = 200 - float64(i)
	}

	up, err := Compute(barsFromCloses(rising), spec)
	if err != nil {
		t.Fatal(err)
	}
	if up.RSI != 100 {
		t.Errorf("RSI of rising series = %v, want 100", up.RSI)
	}

	down, err := Compute(barsFromCloses(falling), spec)
	if err != nil {
		t.Fatal(err)
	}
	if down.RSI != 0 {
		t.Errorf("RSI of falling series = %v, want 0", down.RSI)
	}
}

// TestKnownSMA pins the SMA to a hand-computed value.
func TestKnownSMA(t *testing.T) {
	spec := DefaultSpec()
	n := spec.MinLookback()
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100
	}
	// Last 20 closes: 10x100 then 110..119.
	for i := 0; i < 10; i++ {
		closes[n-10+i] = 110 + float64(i)
	}
	want := (100.0*10 + (110.0+119.0)*10/2) / 20

	series, err := Compute(barsFromCloses(closes), spec)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(series.SMA-want) > 1e-9 {
		t.Errorf("SMA = %v, want %v", series.SMA, want)
	}
}

// TestDeterminism: identical windows produce bit-identical results, a
// precondition for backtest/live agreement.
func TestDeterminism(t *testing.T) {
	spec := DefaultSpec()
	n := spec.MinLookback() + 25
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 7*math.Sin(float64(i)/3) + 0.1*float64(i%13)
	}
	bars := barsFromCloses(closes)

	first, err := Compute(bars, spec)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Compute(bars, spec)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repeated computation diverged:\n%+v\n%+v", first, second)
	}
}

// TestMACDSignalLags: after a sharp jump, the signal line must lag the
// MACD line, so the histogram is positive.
func TestMACDSignalLags(t *testing.T) {
	spec := DefaultSpec()
	n := spec.MinLookback() + 10
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100
	}
	for i := n - 5; i < n; i++ {
		closes[i] = 100 + 5*float64(i-(n-6))
	}

	series, err := Compute(barsFromCloses(closes), spec)
	if err != nil {
		t.Fatal(err)
	}
	if series.MACD.Line <= series.MACD.Signal {
		t.Errorf("after a rally, MACD line %v should exceed signal %v", series.MACD.Line, series.MACD.Signal)
	}
	if series.MACD.Histogram <= 0 {
		t.Errorf("histogram = %v, want positive", series.MACD.Histogram)
	}
}
