package state

import (
	"sort"
	"time"

	"main/internal/schema"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is a value copy of one account at the moment it was read.
type AccountSnapshot struct {
	ID            schema.AccountID     `json:"id"`
	Strategy      schema.StrategyKind  `json:"strategy"`
	Status        schema.AccountStatus `json:"status"`
	Capital       decimal.Decimal      `json:"capital"`
	Positions     []schema.Position    `json:"positions"`
	Opportunities []schema.Opportunity `json:"opportunities"`
	PnL           schema.PnLRecord     `json:"pnl"`
}

// FleetSnapshot is a point-in-time copy of all account state. Cross-account
// consistency is approximately simultaneous: each account reflects its state
// at the moment it was copied, not a global instant.
type FleetSnapshot struct {
	Timestamp     time.Time            `json:"timestamp"`
	Accounts      []AccountSnapshot    `json:"accounts"`
	Opportunities []schema.Opportunity `json:"opportunities"`
	Logs          []schema.LogEvent    `json:"logs"`
	Portfolio     schema.PnLRecord     `json:"portfolio"`
	TotalCapital  decimal.Decimal      `json:"totalCapital"`
}

// PositionCount sums open positions across the snapshot.
func (s FleetSnapshot) PositionCount() int {
	n := 0
	for _, acct := range s.Accounts {
		n += len(acct.Positions)
	}
	return n
}

// Aggregator assembles fleet snapshots without blocking agent ticks or the
// governor's critical sections.
type Aggregator struct {
	fleet   *Fleet
	logs    *LogBuffer
	logTail int
}

// NewAggregator builds an aggregator over the fleet and its log buffer.
func NewAggregator(fleet *Fleet, logbuf *LogBuffer, logTail int) *Aggregator {
	if logTail <= 0 {
		logTail = 64
	}
	return &Aggregator{fleet: fleet, logs: logbuf, logTail: logTail}
}

// Snapshot copies every account's state independently and merges recent
// opportunities, newest first.
func (g *Aggregator) Snapshot() FleetSnapshot {
	release := g.fleet.snapshotBarrier()
	defer release()

	now := time.Now().UTC()
	accounts := make([]AccountSnapshot, 0, g.fleet.Size())
	var opportunities []schema.Opportunity
	portfolio := schema.PnLRecord{
		Daily:      decimal.Zero,
		Weekly:     decimal.Zero,
		Monthly:    decimal.Zero,
		Realized:   decimal.Zero,
		Unrealized: decimal.Zero,
	}
	totalCapital := decimal.Zero
	for _, acct := range g.fleet.Accounts() {
		view := acct.View(now)
		accounts = append(accounts, view)
		opportunities = append(opportunities, view.Opportunities...)
		portfolio.Daily = portfolio.Daily.Add(view.PnL.Daily)
		portfolio.Weekly = portfolio.Weekly.Add(view.PnL.Weekly)
		portfolio.Monthly = portfolio.Monthly.Add(view.PnL.Monthly)
		portfolio.Realized = portfolio.Realized.Add(view.PnL.Realized)
		portfolio.Unrealized = portfolio.Unrealized.Add(view.PnL.Unrealized)
		totalCapital = totalCapital.Add(view.Capital)
	}
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].DiscoveredAt.After(opportunities[j].DiscoveredAt)
	})
	return FleetSnapshot{
		Timestamp:     now,
		Accounts:      accounts,
		Opportunities: opportunities,
		Logs:          g.logs.Tail(g.logTail),
		Portfolio:     portfolio,
		TotalCapital:  totalCapital,
	}
}
