package market

import (
	"context"
	"math"
	"sync"
	"time"
)

// SimFeed generates deterministic synthetic bars. It exists for paper
// accounts without venue connectivity and for tests: the same seed and
// stream always produce the same bars.
type SimFeed struct {
	basePrice float64
	interval  time.Duration

	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewSimFeed creates a synthetic feed. interval controls how often a
// new "closed" bar is emitted on a subscription, independent of the
// timeframe the bar claims to be.
func NewSimFeed(basePrice float64, interval time.Duration) *SimFeed {
	if basePrice <= 0 {
		basePrice = 100
	}
	return &SimFeed{basePrice: basePrice, interval: interval}
}

// barAt deterministically derives a bar from its index: a slow sine
// trend with a faster oscillation so patterns actually form.
func (f *SimFeed) barAt(symbol, timeframe string, openTime time.Time, i int64) Bar {
	trend := math.Sin(float64(i)/40) * f.basePrice * 0.05
	wave := math.Sin(float64(i)/5) * f.basePrice * 0.01
	open := f.basePrice + trend + wave
	close := f.basePrice + trend + math.Sin(float64(i+1)/5)*f.basePrice*0.01
	high := math.Max(open, close) * 1.004
	low := math.Min(open, close) * 0.996
	return Bar{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  openTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000 + math.Abs(math.Sin(float64(i)))*500,
	}
}

// History returns limit synthetic bars ending at the current bar boundary.
func (f *SimFeed) History(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	dur, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	end := time.Now().UTC().Truncate(dur)
	bars := make([]Bar, 0, limit)
	for i := limit; i > 0; i-- {
		openTime := end.Add(-time.Duration(i) * dur)
		idx := openTime.Unix() / int64(dur.Seconds())
		bars = append(bars, f.barAt(symbol, timeframe, openTime, idx))
	}
	return bars, nil
}

// Subscribe emits one new bar per interval.
func (f *SimFeed) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan Bar, error) {
	dur, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = append(f.cancel, cancel)
	f.mu.Unlock()

	out := make(chan Bar, 8)
	go func() {
		defer close(out)
		next := time.Now().UTC().Truncate(dur)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				idx := next.Unix() / int64(dur.Seconds())
				bar := f.barAt(symbol, timeframe, next, idx)
				next = next.Add(dur)
				select {
				case out <- bar:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops all subscriptions.
func (f *SimFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.cancel {
		cancel()
	}
	f.cancel = nil
	return nil
}
