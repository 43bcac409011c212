package state

import (
	"sync"
	"time"

	"main/internal/schema"

	"github.com/shopspring/decimal"
)

// Fleet is the registry of all account states. Accounts are created at
// configuration load and never removed at runtime.
type Fleet struct {
	accounts map[schema.AccountID]*AccountState
	order    []schema.AccountID

	// rebalanceMu excludes snapshot assembly while a rebalancing pass is
	// mutating capital, so observers never see a half-applied pass.
	rebalanceMu sync.RWMutex
}

// NewFleet builds account states from configuration.
func NewFleet(accounts []schema.Account) *Fleet {
	f := &Fleet{
		accounts: make(map[schema.AccountID]*AccountState, len(accounts)),
		order:    make([]schema.AccountID, 0, len(accounts)),
	}
	for _, acct := range accounts {
		f.accounts[acct.ID] = NewAccountState(acct)
		f.order = append(f.order, acct.ID)
	}
	return f
}

// Account looks up one account state.
func (f *Fleet) Account(id schema.AccountID) (*AccountState, bool) {
	a, ok := f.accounts[id]
	return a, ok
}

// Accounts returns all account states in configuration order.
func (f *Fleet) Accounts() []*AccountState {
	out := make([]*AccountState, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.accounts[id])
	}
	return out
}

// Size returns the number of accounts.
func (f *Fleet) Size() int { return len(f.order) }

// TotalCapital sums allocated capital across the fleet.
func (f *Fleet) TotalCapital() decimal.Decimal {
	total := decimal.Zero
	for _, id := range f.order {
		total = total.Add(f.accounts[id].Capital())
	}
	return total
}

// TotalPnL aggregates realized plus unrealized profit across the fleet.
func (f *Fleet) TotalPnL(now time.Time) schema.PnLRecord {
	total := schema.PnLRecord{
		Daily:      decimal.Zero,
		Weekly:     decimal.Zero,
		Monthly:    decimal.Zero,
		Realized:   decimal.Zero,
		Unrealized: decimal.Zero,
	}
	for _, id := range f.order {
		rec := f.accounts[id].PnL(now)
		total.Daily = total.Daily.Add(rec.Daily)
		total.Weekly = total.Weekly.Add(rec.Weekly)
		total.Monthly = total.Monthly.Add(rec.Monthly)
		total.Realized = total.Realized.Add(rec.Realized)
		total.Unrealized = total.Unrealized.Add(rec.Unrealized)
	}
	return total
}

// BeginRebalance takes the exclusive rebalancing barrier.
func (f *Fleet) BeginRebalance() { f.rebalanceMu.Lock() }

// EndRebalance releases the exclusive rebalancing barrier.
func (f *Fleet) EndRebalance() { f.rebalanceMu.Unlock() }

func (f *Fleet) snapshotBarrier() func() {
	f.rebalanceMu.RLock()
	return f.rebalanceMu.RUnlock
}
