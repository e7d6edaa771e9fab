package signal

import (
	"testing"
	"time"

	"pattern-trading-engine/internal/pattern"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pat(name string, dir pattern.Direction, confidence float64) pattern.Pattern {
	return pattern.Pattern{Name: name, Direction: dir, Confidence: confidence, DetectedAt: testTime}
}

// TestDirectionConflict: long@0.8 against short@0.3 must produce a
// long signal, never short.
func TestDirectionConflict(t *testing.T) {
	// Equal weights isolate the direction rule from the weight table.
	weights := map[string]float64{"a": 1.0, "b": 1.0}
	agg := NewAggregator(weights, 0.0)

	sig := agg.Aggregate("BTCUSDT", "1h", []pattern.Pattern{
		pat("a", pattern.Long, 0.8),
		pat("b", pattern.Short, 0.3),
	}, testTime)

	if sig == nil {
		t.Fatal("expected a signal")
	}
	if sig.Direction != pattern.Long {
		t.Fatalf("direction = %v, want long", sig.Direction)
	}
	if sig.Confidence != 0.8 {
		t.Errorf("confidence = %v, want the long side's weighted mean 0.8", sig.Confidence)
	}
	if len(sig.Patterns) != 1 || sig.Patterns[0].Name != "a" {
		t.Errorf("contributing patterns = %v, want only the long match", sig.Patterns)
	}
}

// TestExactTie: equal cumulative confidence on both sides emits
// nothing.
func TestExactTie(t *testing.T) {
	weights := map[string]float64{"a": 1.0, "b": 1.0}
	agg := NewAggregator(weights, 0.0)

	sig := agg.Aggregate("BTCUSDT", "1h", []pattern.Pattern{
		pat("a", pattern.Long, 0.5),
		pat("b", pattern.Short, 0.5),
	}, testTime)
	if sig != nil {
		t.Fatalf("exact tie must emit no signal, got %+v", sig)
	}
}

// TestThreshold: a below-threshold result is the expected no-trade
// outcome, and repeating the aggregation yields the same nil.
func TestThreshold(t *testing.T) {
	agg := NewAggregator(map[string]float64{"a": 1.0}, 0.6)
	patterns := []pattern.Pattern{pat("a", pattern.Long, 0.59)}

	first := agg.Aggregate("BTCUSDT", "1h", patterns, testTime)
	second := agg.Aggregate("BTCUSDT", "1h", patterns, testTime)
	if first != nil || second != nil {
		t.Fatal("sub-threshold aggregation must be nil on every run")
	}

	// At the threshold the signal goes through.
	at := agg.Aggregate("BTCUSDT", "1h", []pattern.Pattern{pat("a", pattern.Long, 0.6)}, testTime)
	if at == nil {
		t.Fatal("confidence equal to threshold must pass")
	}
}

// TestWeightedMean checks the documented weighting: confidence is the
// weighted mean of the winning side.
func TestWeightedMean(t *testing.T) {
	weights := map[string]float64{"heavy": 1.0, "light": 0.5}
	agg := NewAggregator(weights, 0.0)

	sig := agg.Aggregate("BTCUSDT", "1h", []pattern.Pattern{
		pat("heavy", pattern.Long, 0.9),
		pat("light", pattern.Long, 0.6),
	}, testTime)
	if sig == nil {
		t.Fatal("expected a signal")
	}
	want := (1.0*0.9 + 0.5*0.6) / 1.5
	if sig.Confidence != want {
		t.Errorf("confidence = %v, want %v", sig.Confidence, want)
	}
}

// TestUnknownPatternWeight: names missing from the table default to
// weight 1.0 rather than being dropped.
func TestUnknownPatternWeight(t *testing.T) {
	agg := NewAggregator(map[string]float64{}, 0.0)
	sig := agg.Aggregate("BTCUSDT", "1h", []pattern.Pattern{
		pat("unheard_of", pattern.Long, 0.7),
	}, testTime)
	if sig == nil || sig.Confidence != 0.7 {
		t.Fatalf("got %+v, want confidence 0.7", sig)
	}
}

func TestEmptyPatternSet(t *testing.T) {
	agg := NewAggregator(nil, 0.0)
	if sig := agg.Aggregate("BTCUSDT", "1h", nil, testTime); sig != nil {
		t.Fatalf("empty pattern set must be nil, got %+v", sig)
	}
}
