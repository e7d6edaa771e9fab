// Package risk is the single authority over account state. Every
// sizing decision, limit check and position update for an account runs
// under that account's lock, so two concurrent signals can never
// over-allocate the same balance.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/events"
	"pattern-trading-engine/internal/pattern"
	"pattern-trading-engine/internal/signal"
)

// Rejection reasons. These are expected business outcomes, logged at
// info level and never alarmed.
const (
	ReasonDailyLossLimit   = "daily_loss_limit"
	ReasonZeroStopDistance = "zero_stop_distance"
	ReasonMaxPositions     = "max_positions"
	ReasonLowConfidence    = "low_confidence"
	ReasonPositionExists   = "position_exists"
	ReasonUnknownAccount   = "unknown_account"
)

// RiskRejected reports that a signal was declined by a risk rule.
type RiskRejected struct {
	AccountID string
	Reason    string
}

func (e *RiskRejected) Error() string {
	return fmt.Sprintf("risk rejected for account %s: %s", e.AccountID, e.Reason)
}

// PositionSize computes the unit size for a trade risking
// riskPerTradePct percent of balance over stopDistance. It is a pure
// function shared verbatim by the live path and the backtester, so the
// two can never diverge. Callers must reject a zero stop distance
// before calling.
func PositionSize(balance, riskPerTradePct, stopDistance float64) float64 {
	return (balance * riskPerTradePct / 100) / stopDistance
}

// slot pairs an account with its lock. The lock is the serialization
// point for every check and mutation touching that account.
type slot struct {
	mu   sync.Mutex
	acct account
}

func (s *slot) lock()   { s.mu.Lock() }
func (s *slot) unlock() { s.mu.Unlock() }

// Manager owns every account. The account set is fixed at startup;
// only the per-account state behind each slot's lock changes.
type Manager struct {
	slots map[string]*slot
	bus   *events.Bus
	log   zerolog.Logger
	now   func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests and replay.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager for the configured accounts.
func NewManager(accounts []config.AccountConfig, bus *events.Bus, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		slots: make(map[string]*slot, len(accounts)),
		bus:   bus,
		log:   log.With().Str("component", "risk").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, ac := range accounts {
		m.slots[ac.ID] = &slot{
			acct: account{
				id:        ac.ID,
				mode:      ac.Mode,
				profile:   ac.Risk,
				balance:   ac.InitialBalance,
				state:     StateActive,
				dayStart:  dayStartFor(m.now(), ac.Risk.DayCutoverHourUTC),
				positions: make(map[string]Position),
			},
		}
	}
	return m
}

// AccountIDs returns the configured account IDs, sorted for stable
// iteration order.
func (m *Manager) AccountIDs() []string {
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mode returns the execution mode of an account.
func (m *Manager) Mode(accountID string) (config.Mode, bool) {
	s, ok := m.slots[accountID]
	if !ok {
		return "", false
	}
	return s.acct.mode, true
}

// maybeRollDay resets daily counters and lifts a halt when now has
// crossed the account's trading-day cutover. Caller holds the lock.
func (m *Manager) maybeRollDay(a *account, now time.Time) {
	boundary := dayStartFor(now, a.profile.DayCutoverHourUTC)
	if boundary.After(a.dayStart) {
		a.dayStart = boundary
		a.dailyPnL = 0
		if a.state == StateHalted {
			a.state = StateActive
			m.log.Info().Str("account", a.id).Msg("daily reset, account active again")
		}
	}
}

// Evaluate converts an approved signal into a sized OrderIntent for
// one account, or rejects it with a RiskRejected error. Entry, stop
// and take-profit come from the caller's price model (last close and
// ATR-derived stops).
func (m *Manager) Evaluate(accountID string, sig *signal.Signal, entry, stopLoss, takeProfit float64) (OrderIntent, error) {
	s, ok := m.slots[accountID]
	if !ok {
		return OrderIntent{}, &RiskRejected{AccountID: accountID, Reason: ReasonUnknownAccount}
	}
	s.lock()
	defer s.unlock()
	a := &s.acct

	m.maybeRollDay(a, m.now())

	if a.state == StateHalted {
		return OrderIntent{}, &RiskRejected{AccountID: accountID, Reason: ReasonDailyLossLimit}
	}
	if sig.Confidence < a.profile.MinSignalConfidence {
		return OrderIntent{}, &RiskRejected{AccountID: accountID, Reason: ReasonLowConfidence}
	}
	if len(a.positions) >= a.profile.MaxConcurrentPositions {
		return OrderIntent{}, &RiskRejected{AccountID: accountID, Reason: ReasonMaxPositions}
	}
	if _, exists := a.positions[sig.Symbol]; exists {
		return OrderIntent{}, &RiskRejected{AccountID: accountID, Reason: ReasonPositionExists}
	}

	stopDistance := math.Abs(entry - stopLoss)
	if stopDistance == 0 {
		return OrderIntent{}, &RiskRejected{AccountID: accountID, Reason: ReasonZeroStopDistance}
	}

	size := PositionSize(a.balance, a.profile.RiskPerTradePct, stopDistance)
	return OrderIntent{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Mode:       a.mode,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Size:       size,
		Entry:      entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		SignalID:   sig.ID,
	}, nil
}

// RecordFill opens (or extends nothing: one position per symbol) a
// position from a fill report. Partial fills register the filled size,
// not the requested size.
func (m *Manager) RecordFill(intent OrderIntent, fillPrice, fillSize float64) error {
	s, ok := m.slots[intent.AccountID]
	if !ok {
		return &RiskRejected{AccountID: intent.AccountID, Reason: ReasonUnknownAccount}
	}
	s.lock()
	defer s.unlock()

	s.acct.positions[intent.Symbol] = Position{
		Symbol:     intent.Symbol,
		Direction:  intent.Direction,
		EntryPrice: fillPrice,
		Quantity:   fillSize,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		OpenedAt:   m.now(),
	}
	return nil
}

// RecordClose removes a position at exitPrice, applies the realized
// P&L to the balance and daily counters, and halts the account when
// the daily loss limit is breached.
func (m *Manager) RecordClose(accountID, symbol string, exitPrice float64) (float64, error) {
	s, ok := m.slots[accountID]
	if !ok {
		return 0, &RiskRejected{AccountID: accountID, Reason: ReasonUnknownAccount}
	}
	s.lock()
	defer s.unlock()
	a := &s.acct

	pos, ok := a.positions[symbol]
	if !ok {
		return 0, fmt.Errorf("no open position for %s on account %s", symbol, accountID)
	}
	delete(a.positions, symbol)

	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
	if pos.Direction == pattern.Short {
		pnl = -pnl
	}
	a.balance += pnl

	m.maybeRollDay(a, m.now())
	a.dailyPnL += pnl

	if a.state == StateActive && a.dailyPnL <= -(a.profile.MaxDailyLossPct/100)*a.balance {
		a.state = StateHalted
		m.log.Warn().
			Str("account", a.id).
			Float64("daily_pnl", a.dailyPnL).
			Float64("balance", a.balance).
			Msg("daily loss limit breached, halting account")
		if m.bus != nil {
			m.bus.PublishRiskHalted(a.id, a.dailyPnL)
		}
	}
	return pnl, nil
}

// OpenPositions returns a copy of the account's open positions.
func (m *Manager) OpenPositions(accountID string) []Position {
	s, ok := m.slots[accountID]
	if !ok {
		return nil
	}
	s.lock()
	defer s.unlock()
	out := make([]Position, 0, len(s.acct.positions))
	for _, p := range s.acct.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot returns the serializable state of one account.
func (m *Manager) Snapshot(accountID string) (Snapshot, bool) {
	s, ok := m.slots[accountID]
	if !ok {
		return Snapshot{}, false
	}
	s.lock()
	defer s.unlock()
	return m.snapshotLocked(&s.acct), true
}

// Snapshots returns the state of every account, sorted by ID.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.slots))
	for _, id := range m.AccountIDs() {
		if snap, ok := m.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) snapshotLocked(a *account) Snapshot {
	positions := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return Snapshot{
		AccountID: a.id,
		Mode:      a.mode,
		Balance:   a.balance,
		DailyPnL:  a.dailyPnL,
		State:     a.state,
		DayStart:  a.dayStart,
		Positions: positions,
		SavedAt:   m.now(),
	}
}

// Restore applies checkpointed state. Snapshots for unknown accounts
// are skipped: removing an account from config also retires its state.
func (m *Manager) Restore(snaps []Snapshot) {
	for _, snap := range snaps {
		s, ok := m.slots[snap.AccountID]
		if !ok {
			m.log.Warn().Str("account", snap.AccountID).Msg("checkpoint for unconfigured account, skipping")
			continue
		}
		s.lock()
		a := &s.acct
		a.balance = snap.Balance
		a.dailyPnL = snap.DailyPnL
		a.state = snap.State
		a.dayStart = snap.DayStart
		a.positions = make(map[string]Position, len(snap.Positions))
		for _, p := range snap.Positions {
			a.positions[p.Symbol] = p
		}
		// A restart across the cutover boundary still resets.
		m.maybeRollDay(a, m.now())
		s.unlock()
		m.log.Info().
			Str("account", snap.AccountID).
			Float64("balance", snap.Balance).
			Float64("daily_pnl", snap.DailyPnL).
			Str("state", string(snap.State)).
			Msg("restored account from checkpoint")
	}
}
