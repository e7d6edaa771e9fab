package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSFeed streams closed klines over a Binance-style websocket. Warmup
// history is fetched over REST; the live stream then takes over. Each
// subscription owns one connection and reconnects with a fixed delay
// until its context is cancelled.
type WSFeed struct {
	wsURL     string
	rest      *RESTFeed
	reconnect time.Duration
	seq       *sequencer
	log       zerolog.Logger
	nextID    atomic.Int64

	mu     sync.Mutex
	cancel []context.CancelFunc
}

// NewWSFeed creates a websocket feed. restBase serves History calls.
func NewWSFeed(wsURL, restBase string, reconnect, restTimeout time.Duration, log zerolog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:     wsURL,
		rest:      NewRESTFeed(restBase, restTimeout, log),
		reconnect: reconnect,
		seq:       newSequencer(),
		log:       log.With().Str("component", "ws_feed").Logger(),
	}
}

// History delegates to the REST endpoint.
func (f *WSFeed) History(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	return f.rest.History(ctx, symbol, timeframe, limit)
}

// klineEvent is the wire shape of a kline stream message.
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// Subscribe opens the kline stream for one (symbol, timeframe) and
// forwards closed candles only.
func (f *WSFeed) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan Bar, error) {
	if _, err := TimeframeDuration(timeframe); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = append(f.cancel, cancel)
	f.mu.Unlock()

	out := make(chan Bar, 8)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := f.streamOnce(ctx, symbol, timeframe, out); err != nil && ctx.Err() == nil {
				f.log.Warn().Err(err).
					Str("symbol", symbol).
					Str("timeframe", timeframe).
					Dur("retry_in", f.reconnect).
					Msg("stream dropped, reconnecting")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.reconnect):
			}
		}
	}()
	return out, nil
}

// streamOnce runs a single websocket session until it errors or ctx ends.
func (f *WSFeed) streamOnce(ctx context.Context, symbol, timeframe string, out chan<- Bar) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), timeframe)},
		"id":     f.nextID.Add(1),
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev klineEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.EventType != "kline" {
			continue // subscription acks and other event types
		}
		if !ev.Kline.IsClosed {
			continue
		}
		bar := Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(ev.Kline.OpenTime).UTC(),
			Open:      parseFloat(ev.Kline.Open),
			High:      parseFloat(ev.Kline.High),
			Low:       parseFloat(ev.Kline.Low),
			Close:     parseFloat(ev.Kline.Close),
			Volume:    parseFloat(ev.Kline.Volume),
		}
		forward(ctx, f.seq, out, bar, f.log)
	}
}

// Close stops all subscriptions.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.cancel {
		cancel()
	}
	f.cancel = nil
	return f.rest.Close()
}
