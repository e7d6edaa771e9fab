package market

import "sync"

// Window is a bounded rolling window of bars for one (symbol, timeframe)
// stream. It enforces strict time ordering: a bar whose OpenTime is not
// after the last accepted bar's OpenTime is dropped. The window holds
// enough history for the longest indicator lookback; older bars are
// evicted as new ones arrive.
type Window struct {
	mu       sync.RWMutex
	capacity int
	bars     []Bar
	dropped  int64
}

// NewWindow creates a rolling window holding at most capacity bars.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		bars:     make([]Bar, 0, capacity),
	}
}

// Append adds a bar if it advances the stream. Out-of-order and
// duplicate bars return false and are counted, not stored.
func (w *Window) Append(bar Bar) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.bars); n > 0 && !bar.OpenTime.After(w.bars[n-1].OpenTime) {
		w.dropped++
		return false
	}

	w.bars = append(w.bars, bar)
	if len(w.bars) > w.capacity {
		// Shift instead of re-slicing so the backing array does not
		// grow without bound.
		copy(w.bars, w.bars[1:])
		w.bars = w.bars[:w.capacity]
	}
	return true
}

// Bars returns a copy of the current window contents, oldest first.
func (w *Window) Bars() []Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Bar, len(w.bars))
	copy(out, w.bars)
	return out
}

// Last returns the most recent bar, if any.
func (w *Window) Last() (Bar, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.bars) == 0 {
		return Bar{}, false
	}
	return w.bars[len(w.bars)-1], true
}

// Len returns the number of bars currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bars)
}

// Dropped returns how many out-of-order or duplicate bars were rejected.
func (w *Window) Dropped() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dropped
}
