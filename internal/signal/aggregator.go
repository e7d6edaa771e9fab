// Package signal merges detected patterns into at most one directional
// trade recommendation per (symbol, timeframe) evaluation.
package signal

import (
	"time"

	"github.com/google/uuid"

	"pattern-trading-engine/internal/pattern"
)

// Signal is an aggregated, directional trade recommendation. At most
// one Signal exists per (symbol, timeframe) per scheduler tick.
type Signal struct {
	ID         string            `json:"id"`
	Symbol     string            `json:"symbol"`
	Timeframe  string            `json:"timeframe"`
	Direction  pattern.Direction `json:"direction"`
	Confidence float64           `json:"confidence"`
	Patterns   []pattern.Pattern `json:"contributing_patterns"`
	CreatedAt  time.Time         `json:"created_at"`
}

// DefaultWeights maps pattern names to aggregation weights. Multi-bar
// formations with trend context weigh more than single-candle shapes.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"morning_star":      1.0,
		"evening_star":      1.0,
		"bullish_engulfing": 1.0,
		"bearish_engulfing": 1.0,
		"bullish_flag":      0.9,
		"bearish_flag":      0.9,
		"hammer":            0.8,
		"shooting_star":     0.8,
		"bullish_harami":    0.7,
		"bearish_harami":    0.7,
		"dragonfly_doji":    0.6,
		"gravestone_doji":   0.6,
	}
}

// Aggregator scores pattern sets into signals. It is stateless apart
// from its configuration, so aggregation is idempotent: the same
// pattern set always yields the same outcome.
type Aggregator struct {
	weights   map[string]float64
	threshold float64
}

// NewAggregator creates an aggregator. Patterns whose name is missing
// from weights contribute with weight 1.0.
func NewAggregator(weights map[string]float64, threshold float64) *Aggregator {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Aggregator{weights: weights, threshold: threshold}
}

// Threshold returns the minimum confidence a signal must reach.
func (a *Aggregator) Threshold() float64 { return a.threshold }

// Aggregate groups patterns by direction and emits a signal for the
// direction whose weighted cumulative confidence is strictly greater.
// An exact tie, an empty pattern set, or a final confidence below the
// threshold all yield nil: the expected no-trade outcome, not an
// error. Final confidence is the weighted mean of the winning side's
// pattern confidences, capped at 1.0.
func (a *Aggregator) Aggregate(symbol, timeframe string, patterns []pattern.Pattern, now time.Time) *Signal {
	if len(patterns) == 0 {
		return nil
	}

	var longScore, shortScore float64
	var longWeight, shortWeight float64
	var longs, shorts []pattern.Pattern

	for _, p := range patterns {
		w, ok := a.weights[p.Name]
		if !ok {
			w = 1.0
		}
		switch p.Direction {
		case pattern.Long:
			longScore += w * p.Confidence
			longWeight += w
			longs = append(longs, p)
		case pattern.Short:
			shortScore += w * p.Confidence
			shortWeight += w
			shorts = append(shorts, p)
		}
	}

	var direction pattern.Direction
	var score, weight float64
	var contributing []pattern.Pattern
	switch {
	case longScore > shortScore:
		direction, score, weight, contributing = pattern.Long, longScore, longWeight, longs
	case shortScore > longScore:
		direction, score, weight, contributing = pattern.Short, shortScore, shortWeight, shorts
	default:
		return nil // exact tie: no signal
	}

	confidence := score / weight
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < a.threshold {
		return nil
	}

	return &Signal{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Timeframe:  timeframe,
		Direction:  direction,
		Confidence: confidence,
		Patterns:   contributing,
		CreatedAt:  now,
	}
}
