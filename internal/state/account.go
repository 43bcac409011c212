package state

import (
	"fmt"
	"sync"
	"time"

	"main/internal/schema"
	"main/pkg/exception"

	"github.com/shopspring/decimal"
)

// recentOpportunityCap bounds the per-account recent-opportunity window.
const recentOpportunityCap = 32

// realizedRetention bounds how long realized entries are kept for the
// monthly PnL derivation.
const realizedRetention = 32 * 24 * time.Hour

type realizedEntry struct {
	At     time.Time
	Amount decimal.Decimal
}

// AccountState owns all mutable state of one account. Individual reads and
// writes are guarded by the account's own lock; multi-step check-and-reserve
// sequences are serialized by the risk governor's per-account critical
// section on top of it.
type AccountState struct {
	mu sync.RWMutex

	id       schema.AccountID
	strategy schema.StrategyKind
	limits   schema.RiskLimits

	status        schema.AccountStatus
	capital       decimal.Decimal
	reserved      decimal.Decimal
	reservedCount int

	open       map[string]schema.Position
	unrealized decimal.Decimal
	realized   []realizedEntry

	opportunities []schema.Opportunity
	execFailures  int
}

// NewAccountState creates an idle account from its configuration.
func NewAccountState(acct schema.Account) *AccountState {
	return &AccountState{
		id:       acct.ID,
		strategy: acct.Strategy,
		limits:   acct.Limits,
		status:   schema.AccountIdle,
		capital:  acct.Capital,
		open:     make(map[string]schema.Position),
	}
}

// ID returns the account identifier.
func (a *AccountState) ID() schema.AccountID { return a.id }

// Strategy returns the account's strategy kind.
func (a *AccountState) Strategy() schema.StrategyKind { return a.strategy }

// Limits returns the current risk limits.
func (a *AccountState) Limits() schema.RiskLimits {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limits
}

// SetLimits replaces the risk limits. Used only by explicit reconfiguration.
func (a *AccountState) SetLimits(limits schema.RiskLimits) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limits = limits
}

// Status returns the current lifecycle status.
func (a *AccountState) Status() schema.AccountStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Capital returns the current allocated capital.
func (a *AccountState) Capital() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.capital
}

// SetCapital replaces the allocated capital. Used only by the rebalancing
// engine under its exclusive pass.
func (a *AccountState) SetCapital(capital decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capital = capital
}

// Transition moves the account through its lifecycle state machine:
// idle->active, active->stopped, active->error, stopped->active,
// error->idle. Everything else is rejected.
func (a *AccountState) Transition(to schema.AccountStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !legalTransition(a.status, to) {
		return fmt.Errorf("%s -> %s: %w", a.status, to, exception.ErrInvalidTransition)
	}
	a.status = to
	return nil
}

// ForceStopped marks the account stopped regardless of its current state.
// Reserved for the kill switch.
func (a *AccountState) ForceStopped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = schema.AccountStopped
}

func legalTransition(from, to schema.AccountStatus) bool {
	switch from {
	case schema.AccountIdle:
		return to == schema.AccountActive
	case schema.AccountActive:
		return to == schema.AccountStopped || to == schema.AccountError
	case schema.AccountStopped:
		return to == schema.AccountActive
	case schema.AccountError:
		return to == schema.AccountIdle
	default:
		return false
	}
}

// Reserve adds a pending capacity reservation for an authorized trade.
func (a *AccountState) Reserve(size decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = a.reserved.Add(size)
	a.reservedCount++
}

// Release drops a reservation whose execution failed or was abandoned.
func (a *AccountState) Release(size decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = a.reserved.Sub(size)
	if a.reserved.IsNegative() {
		a.reserved = decimal.Zero
	}
	if a.reservedCount > 0 {
		a.reservedCount--
	}
}

// OpenPosition converts a reservation into an open position.
func (a *AccountState) OpenPosition(pos schema.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = a.reserved.Sub(pos.Size)
	if a.reserved.IsNegative() {
		a.reserved = decimal.Zero
	}
	if a.reservedCount > 0 {
		a.reservedCount--
	}
	pos.Status = schema.PositionOpen
	a.open[pos.ID] = pos
}

// ClosePosition removes an open position and records its realized profit.
func (a *AccountState) ClosePosition(positionID string, pnl decimal.Decimal, at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.open[positionID]; !ok {
		return false
	}
	delete(a.open, positionID)
	a.realized = append(a.realized, realizedEntry{At: at, Amount: pnl})
	a.pruneRealized(at)
	return true
}

func (a *AccountState) pruneRealized(now time.Time) {
	cutoff := now.Add(-realizedRetention)
	kept := a.realized[:0]
	for _, e := range a.realized {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	a.realized = kept
}

// SetUnrealized replaces the mark-to-market unrealized profit.
func (a *AccountState) SetUnrealized(v decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unrealized = v
}

// OpenExposure returns the sum of open position sizes plus pending
// reservations, and the count of both.
func (a *AccountState) OpenExposure() (total decimal.Decimal, count int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.openExposureLocked()
}

func (a *AccountState) openExposureLocked() (decimal.Decimal, int) {
	total := a.reserved
	for _, pos := range a.open {
		total = total.Add(pos.Size)
	}
	return total, len(a.open) + a.reservedCount
}

// PnL derives the realized plus unrealized profit record from positions.
func (a *AccountState) PnL(now time.Time) schema.PnLRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pnlLocked(now)
}

func (a *AccountState) pnlLocked(now time.Time) schema.PnLRecord {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	weekStart := dayStart.AddDate(0, 0, -7)
	monthStart := dayStart.AddDate(0, -1, 0)

	rec := schema.PnLRecord{
		Daily:      a.unrealized,
		Weekly:     a.unrealized,
		Monthly:    a.unrealized,
		Unrealized: a.unrealized,
		Realized:   decimal.Zero,
	}
	for _, e := range a.realized {
		rec.Realized = rec.Realized.Add(e.Amount)
		if !e.At.Before(dayStart) {
			rec.Daily = rec.Daily.Add(e.Amount)
		}
		if !e.At.Before(weekStart) {
			rec.Weekly = rec.Weekly.Add(e.Amount)
		}
		if !e.At.Before(monthStart) {
			rec.Monthly = rec.Monthly.Add(e.Amount)
		}
	}
	return rec
}

// RecordOpportunity appends to the bounded recent-opportunity window.
func (a *AccountState) RecordOpportunity(op schema.Opportunity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opportunities = append(a.opportunities, op)
	if len(a.opportunities) > recentOpportunityCap {
		a.opportunities = a.opportunities[len(a.opportunities)-recentOpportunityCap:]
	}
}

// OpenOpportunities returns unexpired recent opportunities, newest first.
func (a *AccountState) OpenOpportunities(now time.Time) []schema.Opportunity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]schema.Opportunity, 0, len(a.opportunities))
	for i := len(a.opportunities) - 1; i >= 0; i-- {
		if !a.opportunities[i].Expired(now) {
			out = append(out, a.opportunities[i])
		}
	}
	return out
}

// Opportunity looks up a recent opportunity by id.
func (a *AccountState) Opportunity(id string) (schema.Opportunity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, op := range a.opportunities {
		if op.ID == id {
			return op, true
		}
	}
	return schema.Opportunity{}, false
}

// NoteExecFailure counts a venue failure and reports the consecutive total.
func (a *AccountState) NoteExecFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execFailures++
	return a.execFailures
}

// ResetExecFailures clears the consecutive venue failure counter.
func (a *AccountState) ResetExecFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execFailures = 0
}

// View assembles a value copy of the account for observers.
func (a *AccountState) View(now time.Time) AccountSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	positions := make([]schema.Position, 0, len(a.open))
	for _, pos := range a.open {
		positions = append(positions, pos)
	}
	opportunities := make([]schema.Opportunity, 0, len(a.opportunities))
	for i := len(a.opportunities) - 1; i >= 0; i-- {
		if !a.opportunities[i].Expired(now) {
			opportunities = append(opportunities, a.opportunities[i])
		}
	}
	return AccountSnapshot{
		ID:            a.id,
		Strategy:      a.strategy,
		Status:        a.status,
		Capital:       a.capital,
		Positions:     positions,
		Opportunities: opportunities,
		PnL:           a.pnlLocked(now),
	}
}
