package execution

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/risk"
)

// ResultHandler observes every finalized order outcome. The engine
// uses it to update the risk manager with actual filled sizes.
type ResultHandler func(intent risk.OrderIntent, result OrderResult)

// Dispatcher decouples workers from broker latency. Each account gets
// a bounded queue drained by its own goroutine, so one slow venue call
// never blocks another account, or the worker that produced the
// intent. A full queue rejects with ErrBackpressure instead of queuing
// unboundedly.
type Dispatcher struct {
	adapters      map[config.Mode]Adapter
	queueSize     int
	maxRetries    int
	submitTimeout time.Duration
	bus           *events.Bus
	log           zerolog.Logger
	onResult      ResultHandler

	mu      sync.Mutex
	ctx     context.Context
	queues  map[string]chan risk.OrderIntent
	wg      sync.WaitGroup
	started bool
}

// NewDispatcher wires the backends. onResult may be nil.
func NewDispatcher(adapters map[config.Mode]Adapter, cfg config.ExecutionConfig, bus *events.Bus, onResult ResultHandler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		adapters:      adapters,
		queueSize:     cfg.QueueSize,
		maxRetries:    cfg.MaxRetries,
		submitTimeout: time.Duration(cfg.SubmitTimeout) * time.Second,
		bus:           bus,
		log:           log.With().Str("component", "dispatcher").Logger(),
		onResult:      onResult,
		queues:        make(map[string]chan risk.OrderIntent),
	}
}

// Start makes the dispatcher accept intents until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	d.started = true
}

// Submit enqueues an intent for asynchronous execution. The enqueue
// happens under the same lock drain takes before its final sweep, so
// an intent either lands before the sweep and is finalized, or the
// caller gets an error. Nothing is left pending in between.
func (d *Dispatcher) Submit(intent risk.OrderIntent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.ctx.Err() != nil {
		return context.Canceled
	}
	q, ok := d.queues[intent.AccountID]
	if !ok {
		q = make(chan risk.OrderIntent, d.queueSize)
		d.queues[intent.AccountID] = q
		d.wg.Add(1)
		go d.drain(d.ctx, intent.AccountID, q)
	}

	select {
	case q <- intent:
		return nil
	default:
		return ErrBackpressure
	}
}

// Wait blocks until every queue has drained after cancellation, or the
// grace period elapses. It reports whether the drain completed.
func (d *Dispatcher) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// drain processes one account's intents in order. After cancellation
// it stops accepting submissions, finishes whatever is already queued
// so no intent is left in an ambiguous state, then exits.
func (d *Dispatcher) drain(ctx context.Context, accountID string, q chan risk.OrderIntent) {
	defer d.wg.Done()
	for {
		select {
		case intent := <-q:
			d.process(intent)
		case <-ctx.Done():
			// Flipping started under the lock orders every Submit
			// against the sweep below: a send that won the lock
			// first is already in the queue, a later one is refused.
			d.mu.Lock()
			d.started = false
			d.mu.Unlock()
			for {
				select {
				case intent := <-q:
					d.process(intent)
				default:
					d.log.Debug().Str("account", accountID).Msg("execution queue drained")
					return
				}
			}
		}
	}
}

// process runs one intent through its backend with bounded retries.
func (d *Dispatcher) process(intent risk.OrderIntent) {
	adapter, ok := d.adapters[intent.Mode]
	if !ok {
		d.log.Error().Str("intent", intent.ID).Str("mode", string(intent.Mode)).Msg("no adapter for mode")
		d.finalize(intent, OrderResult{IntentID: intent.ID, Status: StatusError, ErrorKind: "no adapter for mode"})
		return
	}

	d.bus.PublishOrderSubmitted(intent.ID, intent.AccountID, intent.Symbol, string(intent.Direction), intent.Size)

	var result OrderResult
	attempts := 0
	operation := func() error {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), d.submitTimeout)
		defer cancel()
		res, err := adapter.Submit(ctx, intent)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.maxRetries))
	if err := backoff.Retry(operation, policy); err != nil {
		execErr := &ExecutionError{Attempts: attempts, LastErr: err}
		d.log.Error().Err(execErr).Str("intent", intent.ID).Str("account", intent.AccountID).Msg("order failed after retries")
		d.finalize(intent, OrderResult{
			IntentID:  intent.ID,
			Status:    StatusError,
			Retries:   attempts - 1,
			ErrorKind: execErr.Error(),
		})
		return
	}

	result.Retries = attempts - 1
	d.finalize(intent, result)
}

// finalize reports the outcome on the bus and to the result handler.
func (d *Dispatcher) finalize(intent risk.OrderIntent, result OrderResult) {
	switch result.Status {
	case StatusFilled, StatusPartial:
		d.bus.PublishOrderFilled(result.OrderID, intent.AccountID, intent.Symbol, string(result.Status), result.FillPrice, result.FillSize)
	case StatusRejected:
		d.bus.PublishOrderRejected(intent.AccountID, intent.Symbol, result.ErrorKind)
	case StatusError:
		d.bus.PublishOrderRejected(intent.AccountID, intent.Symbol, result.ErrorKind)
	}
	if d.onResult != nil {
		d.onResult(intent, result)
	}
}
