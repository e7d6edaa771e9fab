// Package metrics exposes the engine's Prometheus instrumentation.
// Counters are fed from the event bus so instrumentation never leaks
// into the trading pipeline itself.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pattern-trading-engine/internal/events"
)

// Collector holds every metric the engine reports.
type Collector struct {
	signalsGenerated *prometheus.CounterVec
	ordersSubmitted  *prometheus.CounterVec
	ordersFilled     *prometheus.CounterVec
	ordersRejected   *prometheus.CounterVec
	riskHalts        *prometheus.CounterVec
	workerRestarts   *prometheus.CounterVec
	workersDisabled  *prometheus.CounterVec
	accountBalance   *prometheus.GaugeVec
}

// NewCollector registers the engine metrics on the default registry.
func NewCollector() *Collector {
	return &Collector{
		signalsGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_signals_generated_total",
				Help: "Signals emitted by the aggregator",
			},
			[]string{"symbol", "direction"},
		),
		ordersSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_submitted_total",
				Help: "Order intents handed to an execution backend",
			},
			[]string{"account"},
		),
		ordersFilled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_filled_total",
				Help: "Orders filled, including partial fills",
			},
			[]string{"account", "status"},
		),
		ordersRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_rejected_total",
				Help: "Orders rejected or failed after retries",
			},
			[]string{"account"},
		),
		riskHalts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_risk_halts_total",
				Help: "Accounts halted by the daily loss limit",
			},
			[]string{"account"},
		),
		workerRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_worker_restarts_total",
				Help: "Stream worker restarts by the supervisor",
			},
			[]string{"symbol"},
		),
		workersDisabled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_workers_disabled_total",
				Help: "Stream workers disabled after repeated failures",
			},
			[]string{"symbol"},
		),
		accountBalance: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_account_balance",
				Help: "Last checkpointed account balance",
			},
			[]string{"account"},
		),
	}
}

// Observe wires the collector to the event bus.
func (c *Collector) Observe(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) {
		switch event.Type {
		case events.SignalGenerated:
			c.signalsGenerated.WithLabelValues(
				str(event.Data, "symbol"), str(event.Data, "direction"),
			).Inc()
		case events.OrderSubmitted:
			c.ordersSubmitted.WithLabelValues(str(event.Data, "account_id")).Inc()
		case events.OrderFilled:
			c.ordersFilled.WithLabelValues(
				str(event.Data, "account_id"), str(event.Data, "status"),
			).Inc()
		case events.OrderRejected:
			c.ordersRejected.WithLabelValues(str(event.Data, "account_id")).Inc()
		case events.RiskHalted:
			c.riskHalts.WithLabelValues(str(event.Data, "account_id")).Inc()
		case events.WorkerRestarted:
			c.workerRestarts.WithLabelValues(str(event.Data, "symbol")).Inc()
		case events.WorkerDisabled:
			c.workersDisabled.WithLabelValues(str(event.Data, "symbol")).Inc()
		}
	})
}

// SetBalance records an account's balance, called on checkpoint.
func (c *Collector) SetBalance(accountID string, balance float64) {
	c.accountBalance.WithLabelValues(accountID).Set(balance)
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return "unknown"
}
