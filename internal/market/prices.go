package market

import "sync"

// PriceCache tracks the latest close per symbol. Workers update it on
// every bar; the paper execution backend reads it to fill simulated
// orders at the freshest known price.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]float64)}
}

// Update records the latest close for a symbol.
func (p *PriceCache) Update(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// Latest returns the last known price for a symbol.
func (p *PriceCache) Latest(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	return price, ok
}
