// Package pattern evaluates candlestick formations over recent bar
// history. Each detector is a pure predicate over the last N bars plus
// the indicator snapshot: it returns zero or one Pattern per call, with
// a confidence assembled from documented sub-condition bonuses.
package pattern

import (
	"time"

	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/market"
)

// Direction is the trade direction a pattern argues for.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Shape thresholds shared across detectors. Ties resolve by the
// comparison written here, not by floating-point accident:
//   - a body exactly 10% of the range still counts as a doji (<=)
//   - a body exactly 60% of the range still counts as long (>=)
//   - a star middle body exactly 40% of the first body still counts
//     as small (<=)
const (
	dojiBodyMax     = 0.10
	longBodyMin     = 0.60
	starMiddleMax   = 0.40
	wickDominanceX  = 2.0
	confidenceFloor = 0.0
	confidenceCap   = 1.0
)

// Pattern is one detected formation. Produced fresh per evaluation and
// never mutated.
type Pattern struct {
	Name       string    `json:"name"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
	// Bars is how many trailing bars supported the detection.
	Bars int `json:"supporting_bars"`
}

// Detector recognizes a single named formation at the end of a window.
type Detector interface {
	Name() string
	// Window is the minimum number of trailing bars the detector needs.
	Window() int
	// Detect evaluates the formation over the last Window() bars of
	// history. ok is false when the formation is absent.
	Detect(history []market.Bar, ind indicator.Series) (p Pattern, ok bool)
}

// Recognizer runs every registered detector and returns all matches.
// Detectors are independent and order-insensitive; nothing is
// suppressed here; conflicting matches are the aggregator's problem.
type Recognizer struct {
	detectors []Detector
}

// NewRecognizer builds a recognizer with the full detector library.
func NewRecognizer() *Recognizer {
	return &Recognizer{detectors: DefaultDetectors()}
}

// NewRecognizerWith builds a recognizer over an explicit detector set.
func NewRecognizerWith(detectors ...Detector) *Recognizer {
	return &Recognizer{detectors: detectors}
}

// DefaultDetectors returns the built-in formation library.
func DefaultDetectors() []Detector {
	return []Detector{
		MorningStar{},
		EveningStar{},
		Hammer{},
		ShootingStar{},
		BullishEngulfing{},
		BearishEngulfing{},
		DragonflyDoji{},
		GravestoneDoji{},
		BullishHarami{},
		BearishHarami{},
		BullishFlag{},
		BearishFlag{},
	}
}

// Detect evaluates every detector whose window fits in history.
func (r *Recognizer) Detect(history []market.Bar, ind indicator.Series) []Pattern {
	var out []Pattern
	for _, d := range r.detectors {
		if len(history) < d.Window() {
			continue
		}
		if p, ok := d.Detect(history, ind); ok {
			out = append(out, p)
		}
	}
	return out
}

// clamp caps confidence into [0, 1].
func clamp(c float64) float64 {
	if c > confidenceCap {
		return confidenceCap
	}
	if c < confidenceFloor {
		return confidenceFloor
	}
	return c
}

// isDoji reports whether the body is at most 10% of the range. A bar
// with zero range is not a doji.
func isDoji(b market.Bar) bool {
	r := b.Range()
	if r == 0 {
		return false
	}
	return b.Body()/r <= dojiBodyMax
}

// isLongBody reports whether the body is at least 60% of the range.
func isLongBody(b market.Bar) bool {
	r := b.Range()
	if r == 0 {
		return false
	}
	return b.Body()/r >= longBodyMin
}

// lastBar is a convenience for detectors stamping DetectedAt.
func lastBar(history []market.Bar) market.Bar {
	return history[len(history)-1]
}

// rsiOversold / rsiOverbought are the confirmation thresholds used by
// the reversal confidence bonuses.
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)
