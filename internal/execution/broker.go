package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/pattern"
	"pattern-trading-engine/internal/risk"
)

// Credentials hold the venue API keypair, injected from config or
// Vault, never hardcoded.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// brokerOrderResponse is the venue's order acknowledgement.
type brokerOrderResponse struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	ExecutedQty   float64 `json:"executedQty,string"`
	OrigQty       float64 `json:"origQty,string"`
	Price         float64 `json:"price,string"`
	Status        string  `json:"status"`
}

// brokerClient is a signed REST client for a Binance-style order API.
// Demo and Live share it; only the base URL and validation differ.
type brokerClient struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

func newBrokerClient(baseURL string, creds Credentials, timeout time.Duration) *brokerClient {
	return &brokerClient{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// sign computes the HMAC-SHA256 signature over the sorted query string.
func (c *brokerClient) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var query strings.Builder
	for i, k := range keys {
		if i > 0 {
			query.WriteByte('&')
		}
		query.WriteString(k)
		query.WriteByte('=')
		query.WriteString(params[k])
	}

	mac := hmac.New(sha256.New, []byte(c.creds.SecretKey))
	mac.Write([]byte(query.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// placeOrder submits a market order and returns the acknowledgement.
func (c *brokerClient) placeOrder(ctx context.Context, intent risk.OrderIntent) (*brokerOrderResponse, error) {
	side := "BUY"
	if intent.Direction == pattern.Short {
		side = "SELL"
	}
	params := map[string]string{
		"symbol":           intent.Symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(intent.Size, 'f', -1, 64),
		"newClientOrderId": intent.ID,
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	params["signature"] = c.sign(params)

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	endpoint := fmt.Sprintf("%s/api/v3/order", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = values.Encode()
	req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("placing order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order API error (%d): %s", resp.StatusCode, string(body))
	}

	var ack brokerOrderResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &ack, nil
}

// resultFromAck converts a venue acknowledgement into an OrderResult.
// A fill smaller than requested is reported as partial with the actual
// executed quantity.
func resultFromAck(intent risk.OrderIntent, ack *brokerOrderResponse) OrderResult {
	status := StatusFilled
	switch {
	case ack.Status == "REJECTED":
		status = StatusRejected
	case ack.ExecutedQty < ack.OrigQty:
		status = StatusPartial
	}
	fillPrice := ack.Price
	if fillPrice == 0 {
		fillPrice = intent.Entry
	}
	return OrderResult{
		OrderID:   strconv.FormatInt(ack.OrderID, 10),
		IntentID:  intent.ID,
		Status:    status,
		FillPrice: fillPrice,
		FillSize:  ack.ExecutedQty,
	}
}

// DemoAdapter submits to a sandbox venue. It sees the same network
// failure modes as Live, with no financial consequence.
type DemoAdapter struct {
	client *brokerClient
	log    zerolog.Logger
}

// NewDemoAdapter creates the sandbox backend.
func NewDemoAdapter(testnetURL string, creds Credentials, timeout time.Duration, log zerolog.Logger) *DemoAdapter {
	return &DemoAdapter{
		client: newBrokerClient(testnetURL, creds, timeout),
		log:    log.With().Str("component", "demo_execution").Logger(),
	}
}

func (d *DemoAdapter) Mode() config.Mode { return config.ModeDemo }

func (d *DemoAdapter) Submit(ctx context.Context, intent risk.OrderIntent) (OrderResult, error) {
	if err := validateIntent(intent); err != nil {
		return OrderResult{IntentID: intent.ID, Status: StatusRejected, ErrorKind: err.Error()}, nil
	}
	ack, err := d.client.placeOrder(ctx, intent)
	if err != nil {
		return OrderResult{}, err
	}
	return resultFromAck(intent, ack), nil
}

// LiveAdapter submits real orders. Construction fails unless live mode
// was explicitly enabled in configuration, and submission applies the
// strictest validation of the three backends.
type LiveAdapter struct {
	client *brokerClient
	log    zerolog.Logger
}

// NewLiveAdapter creates the live backend. liveEnabled must be the
// explicit execution.live_enabled flag.
func NewLiveAdapter(baseURL string, creds Credentials, liveEnabled bool, timeout time.Duration, log zerolog.Logger) (*LiveAdapter, error) {
	if !liveEnabled {
		return nil, fmt.Errorf("live execution requested but execution.live_enabled is false")
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("live execution requires API credentials")
	}
	return &LiveAdapter{
		client: newBrokerClient(baseURL, creds, timeout),
		log:    log.With().Str("component", "live_execution").Logger(),
	}, nil
}

func (l *LiveAdapter) Mode() config.Mode { return config.ModeLive }

func (l *LiveAdapter) Submit(ctx context.Context, intent risk.OrderIntent) (OrderResult, error) {
	if err := validateIntent(intent); err != nil {
		return OrderResult{IntentID: intent.ID, Status: StatusRejected, ErrorKind: err.Error()}, nil
	}
	// Live-only checks: a stop must exist and sit on the loss side of
	// the entry, so a malformed signal can never run unprotected.
	if intent.StopLoss <= 0 {
		return OrderResult{IntentID: intent.ID, Status: StatusRejected, ErrorKind: "missing stop loss"}, nil
	}
	if intent.Direction == pattern.Long && intent.StopLoss >= intent.Entry {
		return OrderResult{IntentID: intent.ID, Status: StatusRejected, ErrorKind: "stop loss above entry for long"}, nil
	}
	if intent.Direction == pattern.Short && intent.StopLoss <= intent.Entry {
		return OrderResult{IntentID: intent.ID, Status: StatusRejected, ErrorKind: "stop loss below entry for short"}, nil
	}

	l.log.Info().Str("intent", intent.ID).Str("symbol", intent.Symbol).Float64("size", intent.Size).Msg("submitting live order")
	ack, err := l.client.placeOrder(ctx, intent)
	if err != nil {
		return OrderResult{}, err
	}
	return resultFromAck(intent, ack), nil
}
