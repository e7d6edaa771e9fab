package risk

import (
	"time"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/pattern"
)

// State is the risk state machine for one account.
//
//	Active -> Halted   when daily P&L breaches the daily loss limit
//	Halted -> Active   at the next trading-day cutover
type State string

const (
	StateActive State = "ACTIVE"
	StateHalted State = "HALTED"
)

// Position is one open position owned by an account. Quantity reflects
// the filled size, which may be smaller than the requested size on a
// partial fill.
type Position struct {
	Symbol     string            `json:"symbol"`
	Direction  pattern.Direction `json:"direction"`
	EntryPrice float64           `json:"entry_price"`
	Quantity   float64           `json:"quantity"`
	StopLoss   float64           `json:"stop_loss"`
	TakeProfit float64           `json:"take_profit"`
	OpenedAt   time.Time         `json:"opened_at"`
}

// OrderIntent is a sized, risk-checked instruction to open a position.
// It is created only by the risk manager, is immutable, and is consumed
// exactly once by an execution adapter.
type OrderIntent struct {
	ID         string            `json:"id"`
	AccountID  string            `json:"account_id"`
	Mode       config.Mode       `json:"mode"`
	Symbol     string            `json:"symbol"`
	Direction  pattern.Direction `json:"direction"`
	Size       float64           `json:"size"`
	Entry      float64           `json:"entry"`
	StopLoss   float64           `json:"stop_loss"`
	TakeProfit float64           `json:"take_profit"`
	SignalID   string            `json:"signal_ref"`
}

// account is the mutable per-account state. All access goes through
// the manager's per-account lock; nothing else mutates it.
type account struct {
	id       string
	mode     config.Mode
	profile  config.RiskProfile
	balance  float64
	dailyPnL float64
	state    State
	// dayStart marks the cutover boundary the current daily counters
	// belong to.
	dayStart  time.Time
	positions map[string]Position // keyed by symbol
}

// Snapshot is the serializable view of an account, used both for the
// status API and for checkpoint persistence across restarts.
type Snapshot struct {
	AccountID string      `json:"account_id"`
	Mode      config.Mode `json:"mode"`
	Balance   float64     `json:"balance"`
	DailyPnL  float64     `json:"daily_pnl"`
	State     State       `json:"state"`
	DayStart  time.Time   `json:"day_start"`
	Positions []Position  `json:"open_positions"`
	SavedAt   time.Time   `json:"saved_at"`
}

// dayStartFor returns the most recent cutover boundary at or before now.
func dayStartFor(now time.Time, cutoverHourUTC int) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), cutoverHourUTC, 0, 0, 0, time.UTC)
	if now.Before(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}
