package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Feed is the adapter boundary between the engine and a market data
// source. Implementations normalize their wire format into Bar values;
// ordering is enforced downstream by the per-stream Window, and again
// here so consumers never observe a regression in OpenTime.
type Feed interface {
	// History returns up to limit recent closed bars, oldest first.
	History(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)

	// Subscribe returns a channel of closed bars for the stream. The
	// channel is closed when ctx is cancelled or the feed shuts down.
	Subscribe(ctx context.Context, symbol, timeframe string) (<-chan Bar, error)

	// Close releases all connections and stops every subscription.
	Close() error
}

// sequencer drops bars that do not strictly advance the stream clock.
type sequencer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newSequencer() *sequencer {
	return &sequencer{last: make(map[string]time.Time)}
}

// accept reports whether the bar advances its stream. Duplicates and
// regressions return false.
func (s *sequencer) accept(bar Bar) bool {
	key := StreamKey(bar.Symbol, bar.Timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[key]; ok && !bar.OpenTime.After(last) {
		return false
	}
	s.last[key] = bar.OpenTime
	return true
}

// forward pushes accepted bars to out, logging and counting rejects.
func forward(ctx context.Context, seq *sequencer, out chan<- Bar, bar Bar, log zerolog.Logger) {
	if !seq.accept(bar) {
		log.Warn().
			Str("symbol", bar.Symbol).
			Str("timeframe", bar.Timeframe).
			Time("open_time", bar.OpenTime).
			Msg("dropping out-of-order bar")
		return
	}
	select {
	case out <- bar:
	case <-ctx.Done():
	}
}
