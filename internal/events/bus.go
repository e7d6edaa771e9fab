// Package events carries the engine's outward-facing event stream.
// Event types and their field names are the contract that external
// logging/notification glue relies on; changing them breaks consumers.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	SignalGenerated Type = "SignalGenerated"
	OrderSubmitted  Type = "OrderSubmitted"
	OrderFilled     Type = "OrderFilled"
	OrderRejected   Type = "OrderRejected"
	RiskHalted      Type = "RiskHalted"
	WorkerRestarted Type = "WorkerRestarted"
	WorkerDisabled  Type = "WorkerDisabled"
	EngineStarted   Type = "EngineStarted"
	EngineStopped   Type = "EngineStopped"
)

// Event is one emitted record.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. Subscribers run on their own goroutine
// per delivery and must not assume ordering across types.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Subscriber)}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event to all matching subscribers. Delivery is
// asynchronous so a slow sink never blocks a worker.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSignalGenerated emits a SignalGenerated event.
func (b *Bus) PublishSignalGenerated(signalID, symbol, timeframe, direction string, confidence float64, patterns int) {
	b.Publish(Event{
		Type: SignalGenerated,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"symbol":     symbol,
			"timeframe":  timeframe,
			"direction":  direction,
			"confidence": confidence,
			"patterns":   patterns,
		},
	})
}

// PublishOrderSubmitted emits an OrderSubmitted event.
func (b *Bus) PublishOrderSubmitted(intentID, accountID, symbol, direction string, size float64) {
	b.Publish(Event{
		Type: OrderSubmitted,
		Data: map[string]interface{}{
			"intent_id":  intentID,
			"account_id": accountID,
			"symbol":     symbol,
			"direction":  direction,
			"size":       size,
		},
	})
}

// PublishOrderFilled emits an OrderFilled event. status distinguishes
// full from partial fills.
func (b *Bus) PublishOrderFilled(orderID, accountID, symbol, status string, fillPrice, fillSize float64) {
	b.Publish(Event{
		Type: OrderFilled,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"account_id": accountID,
			"symbol":     symbol,
			"status":     status,
			"fill_price": fillPrice,
			"fill_size":  fillSize,
		},
	})
}

// PublishOrderRejected emits an OrderRejected event with the reason.
func (b *Bus) PublishOrderRejected(accountID, symbol, reason string) {
	b.Publish(Event{
		Type: OrderRejected,
		Data: map[string]interface{}{
			"account_id": accountID,
			"symbol":     symbol,
			"reason":     reason,
		},
	})
}

// PublishRiskHalted emits a RiskHalted event for an account.
func (b *Bus) PublishRiskHalted(accountID string, dailyPnL float64) {
	b.Publish(Event{
		Type: RiskHalted,
		Data: map[string]interface{}{
			"account_id": accountID,
			"daily_pnl":  dailyPnL,
		},
	})
}

// PublishWorkerRestarted emits a WorkerRestarted event.
func (b *Bus) PublishWorkerRestarted(symbol, timeframe string, restarts int, reason string) {
	b.Publish(Event{
		Type: WorkerRestarted,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"timeframe": timeframe,
			"restarts":  restarts,
			"reason":    reason,
		},
	})
}

// PublishWorkerDisabled emits a WorkerDisabled event.
func (b *Bus) PublishWorkerDisabled(symbol, timeframe string, reason string) {
	b.Publish(Event{
		Type: WorkerDisabled,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"timeframe": timeframe,
			"reason":    reason,
		},
	})
}
