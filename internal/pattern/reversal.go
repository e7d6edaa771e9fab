package pattern

import (
	"pattern-trading-engine/internal/indicator"
	"pattern-trading-engine/internal/market"
)

// Reversal detectors. Confidence formulas are stated per detector as
// base + bonuses; bonuses fire on independently checkable
// sub-conditions so two runs over the same bars always score the same.

// MorningStar: long bearish candle, small-bodied middle candle, long
// bullish candle closing above the midpoint of the first body.
// Confidence: 0.60 base, +0.10 when the third body exceeds 1.2x the
// first, +0.15 when RSI <= 30, +0.05 when the third bar's volume
// exceeds the first's.
type MorningStar struct{}

func (MorningStar) Name() string { return "morning_star" }
func (MorningStar) Window() int  { return 3 }

func (MorningStar) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c1, c2, c3 := history[len(history)-3], history[len(history)-2], history[len(history)-1]

	if !c1.Bearish() || !isLongBody(c1) {
		return Pattern{}, false
	}
	if c2.Body() > c1.Body()*starMiddleMax {
		return Pattern{}, false
	}
	if !c3.Bullish() || !isLongBody(c3) {
		return Pattern{}, false
	}
	midpoint := (c1.Open + c1.Close) / 2
	if c3.Close < midpoint {
		return Pattern{}, false
	}

	confidence := 0.60
	if c3.Body() > c1.Body()*1.2 {
		confidence += 0.10
	}
	if ind.RSI <= rsiOversold {
		confidence += 0.15
	}
	if c3.Volume > c1.Volume {
		confidence += 0.05
	}
	return Pattern{
		Name:       "morning_star",
		Direction:  Long,
		Confidence: clamp(confidence),
		DetectedAt: c3.OpenTime,
		Bars:       3,
	}, true
}

// EveningStar is the bearish mirror of MorningStar; same formula with
// RSI >= 70 as the confirmation bonus.
type EveningStar struct{}

func (EveningStar) Name() string { return "evening_star" }
func (EveningStar) Window() int  { return 3 }

func (EveningStar) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c1, c2, c3 := history[len(history)-3], history[len(history)-2], history[len(history)-1]

	if !c1.Bullish() || !isLongBody(c1) {
		return Pattern{}, false
	}
	if c2.Body() > c1.Body()*starMiddleMax {
		return Pattern{}, false
	}
	if !c3.Bearish() || !isLongBody(c3) {
		return Pattern{}, false
	}
	midpoint := (c1.Open + c1.Close) / 2
	if c3.Close > midpoint {
		return Pattern{}, false
	}

	confidence := 0.60
	if c3.Body() > c1.Body()*1.2 {
		confidence += 0.10
	}
	if ind.RSI >= rsiOverbought {
		confidence += 0.15
	}
	if c3.Volume > c1.Volume {
		confidence += 0.05
	}
	return Pattern{
		Name:       "evening_star",
		Direction:  Short,
		Confidence: clamp(confidence),
		DetectedAt: c3.OpenTime,
		Bars:       3,
	}, true
}

// Hammer: lower wick at least 2x the body, upper wick at most 0.3x the
// body, appearing after a bearish bar. Confidence: 0.50 base, +0.10
// when the lower wick exceeds 3x the body, +0.15 when RSI <= 30.
type Hammer struct{}

func (Hammer) Name() string { return "hammer" }
func (Hammer) Window() int  { return 2 }

func (Hammer) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	prev, c := history[len(history)-2], history[len(history)-1]

	body := c.Body()
	if c.LowerWick() < body*wickDominanceX {
		return Pattern{}, false
	}
	if c.UpperWick() > body*0.3 {
		return Pattern{}, false
	}
	if !prev.Bearish() {
		return Pattern{}, false // needs a downtrend to reverse
	}

	confidence := 0.50
	if c.LowerWick() > body*3 {
		confidence += 0.10
	}
	if ind.RSI <= rsiOversold {
		confidence += 0.15
	}
	return Pattern{
		Name:       "hammer",
		Direction:  Long,
		Confidence: clamp(confidence),
		DetectedAt: c.OpenTime,
		Bars:       2,
	}, true
}

// ShootingStar is the bearish mirror of Hammer.
type ShootingStar struct{}

func (ShootingStar) Name() string { return "shooting_star" }
func (ShootingStar) Window() int  { return 2 }

func (ShootingStar) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	prev, c := history[len(history)-2], history[len(history)-1]

	body := c.Body()
	if c.UpperWick() < body*wickDominanceX {
		return Pattern{}, false
	}
	if c.LowerWick() > body*0.3 {
		return Pattern{}, false
	}
	if !prev.Bullish() {
		return Pattern{}, false // needs an uptrend to reverse
	}

	confidence := 0.50
	if c.UpperWick() > body*3 {
		confidence += 0.10
	}
	if ind.RSI >= rsiOverbought {
		confidence += 0.15
	}
	return Pattern{
		Name:       "shooting_star",
		Direction:  Short,
		Confidence: clamp(confidence),
		DetectedAt: c.OpenTime,
		Bars:       2,
	}, true
}

// BullishEngulfing: bearish candle fully engulfed by the next bullish
// body. Confidence: 0.65 base, +0.10 when the engulfing body also
// covers the prior candle's full range, +0.15 when RSI <= 30.
type BullishEngulfing struct{}

func (BullishEngulfing) Name() string { return "bullish_engulfing" }
func (BullishEngulfing) Window() int  { return 2 }

func (BullishEngulfing) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c1, c2 := history[len(history)-2], history[len(history)-1]

	if !c1.Bearish() || !c2.Bullish() {
		return Pattern{}, false
	}
	// C2 body engulfs C1 body: opens at or below C1 close, closes at
	// or above C1 open.
	if c2.Open > c1.Close || c2.Close < c1.Open {
		return Pattern{}, false
	}

	confidence := 0.65
	if c2.Close >= c1.High && c2.Open <= c1.Low {
		confidence += 0.10
	}
	if ind.RSI <= rsiOversold {
		confidence += 0.15
	}
	return Pattern{
		Name:       "bullish_engulfing",
		Direction:  Long,
		Confidence: clamp(confidence),
		DetectedAt: c2.OpenTime,
		Bars:       2,
	}, true
}

// BearishEngulfing is the bearish mirror of BullishEngulfing.
type BearishEngulfing struct{}

func (BearishEngulfing) Name() string { return "bearish_engulfing" }
func (BearishEngulfing) Window() int  { return 2 }

func (BearishEngulfing) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c1, c2 := history[len(history)-2], history[len(history)-1]

	if !c1.Bullish() || !c2.Bearish() {
		return Pattern{}, false
	}
	if c2.Open < c1.Close || c2.Close > c1.Open {
		return Pattern{}, false
	}

	confidence := 0.65
	if c2.Open >= c1.High && c2.Close <= c1.Low {
		confidence += 0.10
	}
	if ind.RSI >= rsiOverbought {
		confidence += 0.15
	}
	return Pattern{
		Name:       "bearish_engulfing",
		Direction:  Short,
		Confidence: clamp(confidence),
		DetectedAt: c2.OpenTime,
		Bars:       2,
	}, true
}

// DragonflyDoji: doji (body <= 10% of range) with a dominant lower
// wick. Confidence: 0.45 base, +0.15 when RSI <= 30, +0.05 when price
// sits below the lower Bollinger band.
type DragonflyDoji struct{}

func (DragonflyDoji) Name() string { return "dragonfly_doji" }
func (DragonflyDoji) Window() int  { return 1 }

func (DragonflyDoji) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c := lastBar(history)
	if !isDoji(c) {
		return Pattern{}, false
	}
	if c.LowerWick() <= c.UpperWick()*2 {
		return Pattern{}, false
	}

	confidence := 0.45
	if ind.RSI <= rsiOversold {
		confidence += 0.15
	}
	if ind.Bollinger.Lower > 0 && c.Close < ind.Bollinger.Lower {
		confidence += 0.05
	}
	return Pattern{
		Name:       "dragonfly_doji",
		Direction:  Long,
		Confidence: clamp(confidence),
		DetectedAt: c.OpenTime,
		Bars:       1,
	}, true
}

// GravestoneDoji is the bearish mirror of DragonflyDoji.
type GravestoneDoji struct{}

func (GravestoneDoji) Name() string { return "gravestone_doji" }
func (GravestoneDoji) Window() int  { return 1 }

func (GravestoneDoji) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c := lastBar(history)
	if !isDoji(c) {
		return Pattern{}, false
	}
	if c.UpperWick() <= c.LowerWick()*2 {
		return Pattern{}, false
	}

	confidence := 0.45
	if ind.RSI >= rsiOverbought {
		confidence += 0.15
	}
	if ind.Bollinger.Upper > 0 && c.Close > ind.Bollinger.Upper {
		confidence += 0.05
	}
	return Pattern{
		Name:       "gravestone_doji",
		Direction:  Short,
		Confidence: clamp(confidence),
		DetectedAt: c.OpenTime,
		Bars:       1,
	}, true
}

// BullishHarami: long bearish candle followed by a small bullish body
// contained inside it. Confidence: 0.55 base, +0.15 when RSI <= 30.
type BullishHarami struct{}

func (BullishHarami) Name() string { return "bullish_harami" }
func (BullishHarami) Window() int  { return 2 }

func (BullishHarami) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c1, c2 := history[len(history)-2], history[len(history)-1]

	if !c1.Bearish() || !isLongBody(c1) {
		return Pattern{}, false
	}
	if !c2.Bullish() {
		return Pattern{}, false
	}
	// C2 body inside C1 body.
	if c2.Open < c1.Close || c2.Close > c1.Open {
		return Pattern{}, false
	}

	confidence := 0.55
	if ind.RSI <= rsiOversold {
		confidence += 0.15
	}
	return Pattern{
		Name:       "bullish_harami",
		Direction:  Long,
		Confidence: clamp(confidence),
		DetectedAt: c2.OpenTime,
		Bars:       2,
	}, true
}

// BearishHarami is the bearish mirror of BullishHarami.
type BearishHarami struct{}

func (BearishHarami) Name() string { return "bearish_harami" }
func (BearishHarami) Window() int  { return 2 }

func (BearishHarami) Detect(history []market.Bar, ind indicator.Series) (Pattern, bool) {
	c1, c2 := history[len(history)-2], history[len(history)-1]

	if !c1.Bullish() || !isLongBody(c1) {
		return Pattern{}, false
	}
	if !c2.Bearish() {
		return Pattern{}, false
	}
	if c2.Open > c1.Close || c2.Close < c1.Open {
		return Pattern{}, false
	}

	confidence := 0.55
	if ind.RSI >= rsiOverbought {
		confidence += 0.15
	}
	return Pattern{
		Name:       "bearish_harami",
		Direction:  Short,
		Confidence: clamp(confidence),
		DetectedAt: c2.OpenTime,
		Bars:       2,
	}, true
}
