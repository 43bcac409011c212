package rebalance

import (
	"context"
	"fmt"
	"time"

	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"

	"github.com/shopspring/decimal"
)

// Config tunes the rebalancing engine.
type Config struct {
	Interval time.Duration

	// ProfitMultiple: once an account's monthly profit exceeds this multiple
	// of the profit target, the excess above the target is withdrawn.
	ProfitMultiple decimal.Decimal
	ProfitTarget   decimal.Decimal

	// LossThreshold pauses an account once its monthly loss exceeds this
	// fraction of its capital.
	LossThreshold decimal.Decimal

	// FloorCapital tops a paused account back up when TopUp is set.
	FloorCapital decimal.Decimal
	TopUp        bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 7 * 24 * time.Hour
	}
	if c.ProfitMultiple.IsZero() {
		c.ProfitMultiple = decimal.NewFromInt(2)
	}
	if c.LossThreshold.IsZero() {
		c.LossThreshold = decimal.NewFromFloat(0.5)
	}
	return c
}

// Report summarizes one rebalancing pass.
type Report struct {
	At        time.Time          `json:"at"`
	Withdrawn decimal.Decimal    `json:"withdrawn"`
	ToppedUp  decimal.Decimal    `json:"toppedUp"`
	Paused    []schema.AccountID `json:"paused"`
}

// Engine periodically reallocates capital across accounts based on
// aggregated PnL. A pass is atomic with respect to snapshot assembly.
type Engine struct {
	fleet   *state.Fleet
	gov     *risk.Governor
	logbuf  *state.LogBuffer
	metrics *obs.Metrics
	cfg     Config
}

// NewEngine builds a rebalancing engine.
func NewEngine(fleet *state.Fleet, gov *risk.Governor, logbuf *state.LogBuffer, metrics *obs.Metrics, cfg Config) *Engine {
	return &Engine{
		fleet:   fleet,
		gov:     gov,
		logbuf:  logbuf,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// Run rebalances on the configured period until the context is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Rebalance()
		}
	}
}

// Rebalance executes one pass. Snapshot readers are excluded for the whole
// pass; each account's capital mutation additionally holds the governor's
// per-account critical section so capital-dependent checks never interleave.
func (e *Engine) Rebalance() Report {
	e.fleet.BeginRebalance()
	defer e.fleet.EndRebalance()

	now := time.Now().UTC()
	report := Report{At: now, Withdrawn: decimal.Zero, ToppedUp: decimal.Zero}

	for _, acct := range e.fleet.Accounts() {
		lock := e.gov.AccountLock(acct.ID())
		lock.Lock()

		pnl := acct.PnL(now)
		profit := pnl.Monthly
		capital := acct.Capital()

		if e.cfg.ProfitTarget.IsPositive() && profit.GreaterThan(e.cfg.ProfitMultiple.Mul(e.cfg.ProfitTarget)) {
			excess := profit.Sub(e.cfg.ProfitTarget)
			if excess.GreaterThan(capital) {
				excess = capital
			}
			acct.SetCapital(capital.Sub(excess))
			report.Withdrawn = report.Withdrawn.Add(excess)
			e.logbuf.Account(acct.ID(), schema.SeverityAudit,
				fmt.Sprintf("rebalance: withdrew %s above profit target", excess))
			lock.Unlock()
			continue
		}

		loss := profit.Neg()
		if loss.IsPositive() && capital.IsPositive() && loss.GreaterThan(e.cfg.LossThreshold.Mul(capital)) {
			if acct.Status() == schema.AccountActive {
				if err := acct.Transition(schema.AccountStopped); err == nil {
					report.Paused = append(report.Paused, acct.ID())
					e.logbuf.Account(acct.ID(), schema.SeverityAudit,
						"rebalance: paused pending strategy review")
				}
			}
			if e.cfg.TopUp && e.cfg.FloorCapital.IsPositive() && capital.LessThan(e.cfg.FloorCapital) {
				topUp := e.cfg.FloorCapital.Sub(capital)
				acct.SetCapital(e.cfg.FloorCapital)
				report.ToppedUp = report.ToppedUp.Add(topUp)
				e.logbuf.Account(acct.ID(), schema.SeverityAudit,
					fmt.Sprintf("rebalance: topped up %s to floor capital", topUp))
			}
		}
		lock.Unlock()
	}

	e.metrics.IncRebalance()
	return report
}
