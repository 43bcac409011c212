package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"main/internal/obs"
	"main/internal/schema"
	"main/internal/state"
	"main/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Governor is the sole gate between a proposed trade and its execution. It
// serializes check-and-reserve per account so two concurrent proposals can
// never both pass a check on stale counters.
type Governor struct {
	fleet   *state.Fleet
	logbuf  *state.LogBuffer
	metrics *obs.Metrics

	portfolioMu sync.RWMutex
	portfolio   schema.PortfolioLimits

	locks map[schema.AccountID]*sync.Mutex

	kill   atomic.Bool
	killFn atomic.Value // func()
}

// NewGovernor builds a governor over the fleet.
func NewGovernor(fleet *state.Fleet, portfolio schema.PortfolioLimits, logbuf *state.LogBuffer, metrics *obs.Metrics) *Governor {
	locks := make(map[schema.AccountID]*sync.Mutex, fleet.Size())
	for _, acct := range fleet.Accounts() {
		locks[acct.ID()] = &sync.Mutex{}
	}
	return &Governor{
		fleet:     fleet,
		logbuf:    logbuf,
		metrics:   metrics,
		portfolio: portfolio,
		locks:     locks,
	}
}

// SetKillFunc installs the fleet teardown hook invoked when the portfolio
// loss limit trips. The hook runs on its own goroutine; it must not be
// called synchronously from Authorize because the caller is an agent the
// teardown waits on.
func (g *Governor) SetKillFunc(fn func()) {
	g.killFn.Store(fn)
}

// UpdatePortfolioLimits replaces the fleet-wide limits. Used by hot reload.
func (g *Governor) UpdatePortfolioLimits(limits schema.PortfolioLimits) {
	g.portfolioMu.Lock()
	defer g.portfolioMu.Unlock()
	g.portfolio = limits
}

func (g *Governor) portfolioLimits() schema.PortfolioLimits {
	g.portfolioMu.RLock()
	defer g.portfolioMu.RUnlock()
	return g.portfolio
}

// Authorize validates a proposal against per-account and portfolio limits,
// reserving capacity on approval. Rules run in order; the first breach
// decides the outcome.
func (g *Governor) Authorize(id schema.AccountID, proposal schema.TradeProposal) schema.Decision {
	started := time.Now()
	defer func() {
		g.metrics.ObserveAuthorize(time.Since(started))
	}()

	decision := g.authorize(id, proposal)
	g.metrics.IncDecision(decision)
	return decision
}

func (g *Governor) authorize(id schema.AccountID, proposal schema.TradeProposal) schema.Decision {
	if g.kill.Load() {
		return deny(schema.RiskReasonKillSwitch)
	}
	acct, ok := g.fleet.Account(id)
	if !ok {
		return deny(schema.RiskReasonUnknownAccount)
	}

	lock := g.locks[id]
	lock.Lock()
	defer lock.Unlock()

	if acct.Status() != schema.AccountActive {
		return deny(schema.RiskReasonAccountInactive)
	}

	capital := acct.Capital()
	limits := acct.Limits()
	size := proposal.Size

	if size.GreaterThan(limits.MaxPosition.Mul(capital)) {
		return deny(schema.RiskReasonPositionLimit)
	}

	exposure, count := acct.OpenExposure()
	if exposure.Add(size).GreaterThan(capital) {
		return deny(schema.RiskReasonInsufficientCapital)
	}
	if limits.MaxConcurrentPositions > 0 && count+1 > limits.MaxConcurrentPositions {
		return deny(schema.RiskReasonConcurrentLimit)
	}

	now := time.Now().UTC()
	// Worst case: the whole stake is lost on top of today's running loss.
	projected := acct.PnL(now).Daily.Sub(size)
	if projected.IsNegative() && projected.Neg().GreaterThan(limits.MaxDailyLoss.Mul(capital)) {
		if err := acct.Transition(schema.AccountStopped); err == nil {
			g.logbuf.Account(id, schema.SeverityWarn, "daily loss limit reached, account stopped")
		}
		return deny(schema.RiskReasonDailyLoss)
	}

	portfolio := g.portfolioLimits()
	if portfolio.MaxTotalLoss.IsPositive() {
		total := g.fleet.TotalPnL(now).Total()
		if total.IsNegative() && total.Neg().GreaterThanOrEqual(portfolio.MaxTotalLoss) {
			g.EngageKillSwitch("portfolio loss limit reached")
			return deny(schema.RiskReasonPortfolioLoss)
		}
	}

	acct.Reserve(size)
	return schema.Decision{Action: schema.RiskActionAllow}
}

// Commit converts an authorized proposal's reservation into an open
// position after the venue confirms the fill.
func (g *Governor) Commit(id schema.AccountID, proposal schema.TradeProposal, fill schema.Fill) (schema.Position, error) {
	acct, ok := g.fleet.Account(id)
	if !ok {
		return schema.Position{}, errors.Wrapf(exception.ErrAccountUnknown, "%s", id)
	}

	lock := g.locks[id]
	lock.Lock()
	defer lock.Unlock()

	pos := schema.Position{
		ID:         uuid.NewString(),
		AccountID:  id,
		Market:     fill.Market,
		Side:       fill.Side,
		Size:       fill.Size,
		EntryPrice: fill.Price,
		OpenedAt:   fill.Time,
		Status:     schema.PositionOpen,
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	acct.OpenPosition(pos)
	return pos, nil
}

// Release drops the reservation of an authorized proposal whose execution
// failed or was abandoned.
func (g *Governor) Release(id schema.AccountID, proposal schema.TradeProposal) {
	acct, ok := g.fleet.Account(id)
	if !ok {
		return
	}
	lock := g.locks[id]
	lock.Lock()
	defer lock.Unlock()
	acct.Release(proposal.Size)
}

// ClosePosition settles an open position with its realized profit.
func (g *Governor) ClosePosition(id schema.AccountID, positionID string, pnl decimal.Decimal) error {
	acct, ok := g.fleet.Account(id)
	if !ok {
		return errors.Wrapf(exception.ErrAccountUnknown, "%s", id)
	}
	lock := g.locks[id]
	lock.Lock()
	defer lock.Unlock()
	if !acct.ClosePosition(positionID, pnl, time.Now().UTC()) {
		return errors.Wrapf(exception.ErrInvalidArgument, "position %s not open", positionID)
	}
	return nil
}

// AccountLock exposes the per-account critical section to the rebalancing
// engine, whose capital writes must exclude capital-dependent checks.
func (g *Governor) AccountLock(id schema.AccountID) *sync.Mutex {
	return g.locks[id]
}

// EngageKillSwitch latches the fleet-wide stop. Every account is marked
// stopped immediately and no authorization approves until ReleaseKillSwitch.
// Idempotent; the fleet-wide event is logged exactly once per latch.
func (g *Governor) EngageKillSwitch(reason string) bool {
	if !g.kill.CompareAndSwap(false, true) {
		return false
	}
	for _, acct := range g.fleet.Accounts() {
		acct.ForceStopped()
	}
	g.logbuf.Fleet(schema.SeverityError, reason)
	g.metrics.SetKillSwitch(true)
	if fn, ok := g.killFn.Load().(func()); ok && fn != nil {
		go fn()
	}
	return true
}

// ReleaseKillSwitch clears the latch after an explicit resume.
func (g *Governor) ReleaseKillSwitch() {
	if g.kill.CompareAndSwap(true, false) {
		g.logbuf.Fleet(schema.SeverityInfo, "kill switch released")
		g.metrics.SetKillSwitch(false)
	}
}

// KillSwitchEngaged reports whether the latch is set.
func (g *Governor) KillSwitchEngaged() bool {
	return g.kill.Load()
}

func deny(reason schema.RiskReason) schema.Decision {
	return schema.Decision{Action: schema.RiskActionDeny, Reason: reason}
}
