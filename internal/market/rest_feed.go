package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RESTFeed polls a Binance-style klines endpoint on each bar boundary.
// It serves both warmup history and live subscriptions for venues that
// expose no streaming API.
type RESTFeed struct {
	baseURL    string
	httpClient *http.Client
	seq        *sequencer
	log        zerolog.Logger

	mu        sync.Mutex
	cancel    []context.CancelFunc
	intervals map[string]time.Duration
}

// NewRESTFeed creates a polling feed against baseURL.
func NewRESTFeed(baseURL string, timeout time.Duration, log zerolog.Logger) *RESTFeed {
	return &RESTFeed{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		seq:        newSequencer(),
		log:        log.With().Str("component", "rest_feed").Logger(),
		intervals:  make(map[string]time.Duration),
	}
}

// SetTickInterval overrides the poll cadence for one stream. Without
// an override the feed polls once per bar duration, which can surface
// a closed bar up to one full bar late; a shorter tick picks it up
// soon after the venue publishes it.
func (f *RESTFeed) SetTickInterval(symbol, timeframe string, d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.intervals[StreamKey(symbol, timeframe)] = d
	f.mu.Unlock()
}

// pollInterval resolves a stream's cadence: the configured tick
// interval when set, otherwise the bar duration.
func (f *RESTFeed) pollInterval(symbol, timeframe string) (time.Duration, error) {
	f.mu.Lock()
	d, ok := f.intervals[StreamKey(symbol, timeframe)]
	f.mu.Unlock()
	if ok {
		return d, nil
	}
	return TimeframeDuration(timeframe)
}

// History fetches up to limit recent closed bars, oldest first.
func (f *RESTFeed) History(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", f.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading klines response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines API error: %s", string(body))
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openMs, ok := k[0].(float64)
		if !ok {
			continue
		}
		bars = append(bars, Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(int64(openMs)).UTC(),
			Open:      parseFloat(k[1]),
			High:      parseFloat(k[2]),
			Low:       parseFloat(k[3]),
			Close:     parseFloat(k[4]),
			Volume:    parseFloat(k[5]),
		})
	}
	// The last kline from this endpoint is still forming; only closed
	// bars enter the pipeline.
	if len(bars) > 0 {
		bars = bars[:len(bars)-1]
	}
	return bars, nil
}

// Subscribe polls for new closed bars at the stream's tick interval.
// The sequencer deduplicates, so polling faster than the bar duration
// only tightens bar-close latency.
func (f *RESTFeed) Subscribe(ctx context.Context, symbol, timeframe string) (<-chan Bar, error) {
	dur, err := f.pollInterval(symbol, timeframe)
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
		ticker := time.NewTicker(dur)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bars, err := f.History(ctx, symbol, timeframe, 2)
				if err != nil {
					f.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).Msg("poll failed")
					continue
				}
				for _, bar := range bars {
					forward(ctx, f.seq, out, bar, f.log)
				}
			}
		}
	}()
	return out, nil
}

// Close stops all polling subscriptions.
func (f *RESTFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.cancel {
		cancel()
	}
	f.cancel = nil
	return nil
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case float64:
		return val
	default:
		return 0
	}
}
