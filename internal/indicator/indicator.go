// Package indicator computes technical indicators from bar history.
// Every computation is a pure function of its input window: identical
// bars produce bit-identical float64 results, so backtests and live
// runs agree on the same data.
package indicator

import (
	"errors"
	"fmt"
	"math"

	"pattern-trading-engine/internal/market"
)

// ErrInsufficientHistory is returned when the window is shorter than
// the Spec's minimum lookback. Callers skip the tick; it is not a bug.
var ErrInsufficientHistory = errors.New("insufficient bar history")

// Spec declares which periods the engine computes on each tick.
type Spec struct {
	SMAPeriod       int     `json:"sma_period"`
	EMAPeriod       int     `json:"ema_period"`
	RSIPeriod       int     `json:"rsi_period"`
	MACDFast        int     `json:"macd_fast"`
	MACDSlow        int     `json:"macd_slow"`
	MACDSignal      int     `json:"macd_signal"`
	BollingerPeriod int     `json:"bollinger_period"`
	BollingerStdDev float64 `json:"bollinger_std_dev"`
	ATRPeriod       int     `json:"atr_period"`
}

// DefaultSpec returns the conventional periods.
func DefaultSpec() Spec {
	return Spec{
		SMAPeriod:       20,
		EMAPeriod:       20,
		RSIPeriod:       14,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerPeriod: 20,
		BollingerStdDev: 2.0,
		ATRPeriod:       14,
	}
}

// MinLookback returns the number of bars required before Compute can
// produce a full Series.
func (s Spec) MinLookback() int {
	min := s.SMAPeriod
	for _, p := range []int{
		s.EMAPeriod,
		s.RSIPeriod + 1,
		s.MACDSlow + s.MACDSignal,
		s.BollingerPeriod,
		s.ATRPeriod + 1,
	} {
		if p > min {
			min = p
		}
	}
	return min
}

// MACDValue holds the MACD line, its signal line and their difference.
type MACDValue struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerValue holds the three Bollinger bands.
type BollingerValue struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Series is the indicator snapshot for the latest bar of a window.
type Series struct {
	SMA       float64        `json:"sma"`
	EMA       float64        `json:"ema"`
	RSI       float64        `json:"rsi"`
	MACD      MACDValue      `json:"macd"`
	Bollinger BollingerValue `json:"bollinger"`
	ATR       float64        `json:"atr"`
}

// Compute evaluates every indicator in spec over history. It returns
// ErrInsufficientHistory (wrapped with the required lookback) when the
// window is too short for any of them.
func Compute(history []market.Bar, spec Spec) (Series, error) {
	if need := spec.MinLookback(); len(history) < need {
		return Series{}, fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientHistory, need, len(history))
	}

	closes := make([]float64, len(history))
	for i, b := range history {
		closes[i] = b.Close
	}

	macd := computeMACD(closes, spec.MACDFast, spec.MACDSlow, spec.MACDSignal)
	return Series{
		SMA:       sma(closes, spec.SMAPeriod),
		EMA:       ema(closes, spec.EMAPeriod),
		RSI:       rsi(closes, spec.RSIPeriod),
		MACD:      macd,
		Bollinger: bollinger(closes, spec.BollingerPeriod, spec.BollingerStdDev),
		ATR:       atr(history, spec.ATRPeriod),
	}, nil
}

// sma averages the last period closes.
func sma(closes []float64, period int) float64 {
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(period)
}

// ema seeds with the SMA of the first period closes, then folds the
// remainder with the standard 2/(n+1) multiplier.
func ema(closes []float64, period int) float64 {
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)
	value := seed
	for i := period; i < len(closes); i++ {
		value = closes[i]*multiplier + value*(1-multiplier)
	}
	return value
}

// emaSeries returns the EMA at every index from period-1 onward;
// earlier indexes are zero.
func emaSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	out[period-1] = seed / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(closes); i++ {
		out[i] = closes[i]*multiplier + out[i-1]*(1-multiplier)
	}
	return out
}

// rsi averages gains and losses over the last period changes. A
// window with no losses reads 100.
func rsi(closes []float64, period int) float64 {
	gains, losses := 0.0, 0.0
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// computeMACD builds the full MACD series so the signal line is a real
// EMA of the MACD values, not an approximation.
func computeMACD(closes []float64, fast, slow, signal int) MACDValue {
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)

	// MACD values only exist once the slow EMA does.
	macdSeries := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		macdSeries = append(macdSeries, fastSeries[i]-slowSeries[i])
	}

	line := macdSeries[len(macdSeries)-1]
	signalLine := ema(macdSeries, signal)
	return MACDValue{
		Line:      line,
		Signal:    signalLine,
		Histogram: line - signalLine,
	}
}

// bollinger centers on the SMA with stdDev-multiplied bands.
func bollinger(closes []float64, period int, mult float64) BollingerValue {
	middle := sma(closes, period)
	variance := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		diff := closes[i] - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))
	return BollingerValue{
		Upper:  middle + stdDev*mult,
		Middle: middle,
		Lower:  middle - stdDev*mult,
	}
}

// atr averages the true range over the last period bars.
func atr(history []market.Bar, period int) float64 {
	trSum := 0.0
	for i := len(history) - period; i < len(history); i++ {
		high := history[i].High
		low := history[i].Low
		prevClose := history[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period)
}
