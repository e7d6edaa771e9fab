package market

import (
	"fmt"
	"time"
)

// Bar is one closed OHLCV candle for a (symbol, timeframe) stream.
// Bars are immutable once emitted by a feed.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Body returns the absolute open-close distance.
func (b Bar) Body() float64 {
	if b.Close >= b.Open {
		return b.Close - b.Open
	}
	return b.Open - b.Close
}

// Range returns the high-low distance.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Bullish reports whether the bar closed above its open.
func (b Bar) Bullish() bool {
	return b.Close > b.Open
}

// Bearish reports whether the bar closed below its open.
func (b Bar) Bearish() bool {
	return b.Close < b.Open
}

// UpperWick returns the distance from the body top to the high.
func (b Bar) UpperWick() float64 {
	top := b.Open
	if b.Close > top {
		top = b.Close
	}
	return b.High - top
}

// LowerWick returns the distance from the low to the body bottom.
func (b Bar) LowerWick() float64 {
	bottom := b.Open
	if b.Close < bottom {
		bottom = b.Close
	}
	return bottom - b.Low
}

// StreamKey identifies a (symbol, timeframe) bar stream.
func StreamKey(symbol, timeframe string) string {
	return symbol + "/" + timeframe
}

// TimeframeDuration converts a timeframe string ("1m", "5m", "15m",
// "1h", "4h", "1d") to its bar duration.
func TimeframeDuration(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
}
