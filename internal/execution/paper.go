package execution

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/risk"
)

// PriceSource returns the latest observed price for a symbol. The
// engine backs it with each stream's rolling window.
type PriceSource func(symbol string) (float64, bool)

// PaperAdapter simulates fills with zero latency at the latest
// observed price (the next usable price after the signal bar closed).
// It never fails on transport; only a malformed intent is rejected.
type PaperAdapter struct {
	prices PriceSource
	log    zerolog.Logger

	mu    sync.Mutex
	fills int64
}

// NewPaperAdapter creates the simulation backend.
func NewPaperAdapter(prices PriceSource, log zerolog.Logger) *PaperAdapter {
	return &PaperAdapter{
		prices: prices,
		log:    log.With().Str("component", "paper_execution").Logger(),
	}
}

func (p *PaperAdapter) Mode() config.Mode { return config.ModePaper }

// Submit fills the full size immediately.
func (p *PaperAdapter) Submit(ctx context.Context, intent risk.OrderIntent) (OrderResult, error) {
	if err := validateIntent(intent); err != nil {
		return OrderResult{
			OrderID:   uuid.NewString(),
			IntentID:  intent.ID,
			Status:    StatusRejected,
			ErrorKind: err.Error(),
		}, nil
	}

	fillPrice := intent.Entry
	if price, ok := p.prices(intent.Symbol); ok {
		fillPrice = price
	}

	p.mu.Lock()
	p.fills++
	p.mu.Unlock()

	p.log.Debug().
		Str("intent", intent.ID).
		Str("symbol", intent.Symbol).
		Float64("price", fillPrice).
		Float64("size", intent.Size).
		Msg("paper fill")

	return OrderResult{
		OrderID:   uuid.NewString(),
		IntentID:  intent.ID,
		Status:    StatusFilled,
		FillPrice: fillPrice,
		FillSize:  intent.Size,
	}, nil
}

// Fills returns the number of simulated fills, for the status API.
func (p *PaperAdapter) Fills() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fills
}
