package pattern

import (
	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/market"
)

// Continuation detectors: a strong directional pole followed by a
// short, shallow consolidation against the trend.

const (
	poleBars    = 10
	flagBars    = 5
	poleQuorum  = 0.6 // share of pole bars that must match the trend
	flagMaxPole = 0.5 // flag range may not exceed half the pole height
)

// BullishFlag: 10-bar upward pole (>= 60% bullish bars) then a 5-bar
// flat-to-down flag no larger than half the pole. Confidence: 0.55
// base, +0.10 when at least 80% of pole bars are bullish, +0.10 when
// price holds above the EMA.
type BullishFlag struct{}

func (BullishFlag) Name() string { return "bullish_flag" }
func (BullishFlag) Window() int  { return poleBars + flagBars }

func (BullishFlag) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	n := len(history)
	pole := history[n-poleBars-flagBars : n-flagBars]
	flag := history[n-flagBars:]

	poleHeight := pole[len(pole)-1].Close - pole[0].Open
	if poleHeight <= 0 {
		return Pattern{}, false
	}

	bullish := 0
	for _, c := range pole {
		if c.Bullish() {
			bullish++
		}
	}
	share := float64(bullish) / float64(len(pole))
	if share < poleQuorum {
		return Pattern{}, false
	}

	flagTop := flag[0].High
	flagBottom := flag[len(flag)-1].Low
	if flagBottom > flagTop {
		return Pattern{}, false // consolidation slopes up, not a flag
	}
	if flagTop-flagBottom > poleHeight*flagMaxPole {
		return Pattern{}, false // retracement too deep
	}

	confidence := 0.55
	if share >= 0.8 {
		confidence += 0.10
	}
	if ind.EMA > 0 && lastBar(history).Close > ind.EMA {
		confidence += 0.10
	}
	return Pattern{
		Name:       "bullish_flag",
		Direction:  Long,
		Confidence: clamp(confidence),
		DetectedAt: lastBar(history).OpenTime,
		Bars:       poleBars + flagBars,
	}, true
}

// BearishFlag is the bearish mirror of BullishFlag.
type BearishFlag struct{}

func (BearishFlag) Name() string { return "bearish_flag" }
func (BearishFlag) Window() int  { return poleBars + flagBars }

func (BearishFlag) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	n := len(history)
	pole := history[n-poleBars-flagBars : n-flagBars]
	flag := history[n-flagBars:]

	poleHeight := pole[0].Open - pole[len(pole)-1].Close
	if poleHeight <= 0 {
		return Pattern{}, false
	}

	bearish := 0
	for _, c := range pole {
		if c.Bearish() {
			bearish++
		}
	}
	share := float64(bearish) / float64(len(pole))
	if share < poleQuorum {
		return Pattern{}, false
	}

	flagBottom := flag[0].Low
	flagTop := flag[len(flag)-1].High
	if flagTop < flagBottom {
		return Pattern{}, false
	}
	if flagTop-flagBottom > poleHeight*flagMaxPole {
		return Pattern{}, false
	}

	confidence := 0.55
	if share >= 0.8 {
		confidence += 0.10
	}
	if ind.EMA > 0 && lastBar(history).Close < ind.EMA {
		confidence += 0.10
	}
	return Pattern{
		Name:       "bearish_flag",
		Direction:  Short,
		Confidence: clamp(confidence),
		DetectedAt: lastBar(history).OpenTime,
		Bars:       poleBars + flagBars,
	}, true
}
