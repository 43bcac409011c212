package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/pkg/exception"

	"golang.org/x/time/rate"
)

// RunnerConfig tunes one account's tick loop.
type RunnerConfig struct {
	TickInterval         time.Duration
	RetryAttempts        int
	RetryBase            time.Duration
	RetryMax             time.Duration
	ScanRate             rate.Limit
	ExecFailureThreshold int
}

// DefaultRunnerConfig returns the production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		TickInterval:         time.Second,
		RetryAttempts:        3,
		RetryBase:            100 * time.Millisecond,
		RetryMax:             2 * time.Second,
		ScanRate:             rate.Inf,
		ExecFailureThreshold: 5,
	}
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	def := DefaultRunnerConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.ScanRate == 0 {
		c.ScanRate = def.ScanRate
	}
	if c.ExecFailureThreshold <= 0 {
		c.ExecFailureThreshold = def.ExecFailureThreshold
	}
	return c
}

// ManualResult is the outcome of an externally requested execution.
type ManualResult struct {
	Decision schema.Decision
	Err      error
}

type manualRequest struct {
	op    schema.Opportunity
	reply chan ManualResult
}

// Runner drives one account's tick loop: scan, evaluate, authorize,
// execute. It is the only goroutine that proposes trades for its account,
// so proposals from successive ticks stay in submission order.
type Runner struct {
	acct     *state.AccountState
	strategy Strategy
	gov      *risk.Governor
	logbuf   *state.LogBuffer
	metrics  *obs.Metrics
	cfg      RunnerConfig
	limiter  *rate.Limiter
	manual   chan manualRequest
}

// NewRunner wires a runner for one account.
func NewRunner(acct *state.AccountState, strategy Strategy, gov *risk.Governor, logbuf *state.LogBuffer, metrics *obs.Metrics, cfg RunnerConfig) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		acct:     acct,
		strategy: strategy,
		gov:      gov,
		logbuf:   logbuf,
		metrics:  metrics,
		cfg:      cfg,
		limiter:  rate.NewLimiter(cfg.ScanRate, 1),
		manual:   make(chan manualRequest, 4),
	}
}

// Run loops until the context is cancelled. A nil return means a clean
// stop; any error is a fatal agent fault for the scheduler to isolate.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.manual:
			req.reply <- r.executeManual(ctx, req.op)
		case <-ticker.C:
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := r.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Tick performs one scan/evaluate/propose cycle. Transient data-source
// errors are retried with bounded backoff, then the tick is skipped and
// logged. Any other error escalates to the scheduler.
func (r *Runner) Tick(ctx context.Context) error {
	started := time.Now()
	defer func() {
		r.metrics.ObserveTick(time.Since(started))
		r.metrics.IncTick(r.acct.ID())
	}()

	candidates, err := r.scanWithRetry(ctx)
	if err != nil {
		if errors.Is(err, exception.ErrTransientData) {
			r.logbuf.Account(r.acct.ID(), schema.SeverityWarn, "tick skipped: data source unavailable")
			return nil
		}
		return err
	}
	for _, op := range candidates {
		r.acct.RecordOpportunity(op)
	}

	proposals, err := r.strategy.Evaluate(ctx, candidates)
	if err != nil {
		if errors.Is(err, exception.ErrTransientData) {
			r.logbuf.Account(r.acct.ID(), schema.SeverityWarn, "tick skipped: evaluation unavailable")
			return nil
		}
		return err
	}

	for _, proposal := range proposals {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := r.submit(ctx, proposal); err != nil {
			return err
		}
	}
	return nil
}

// Submit routes an externally requested opportunity execution through the
// runner's loop, preserving per-account submission order.
func (r *Runner) Submit(ctx context.Context, op schema.Opportunity) (ManualResult, error) {
	req := manualRequest{op: op, reply: make(chan ManualResult, 1)}
	select {
	case r.manual <- req:
	case <-ctx.Done():
		return ManualResult{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return ManualResult{}, ctx.Err()
	}
}

func (r *Runner) executeManual(ctx context.Context, op schema.Opportunity) ManualResult {
	if op.Expired(time.Now().UTC()) {
		return ManualResult{Err: fmt.Errorf("%s: %w", op.ID, exception.ErrOpportunityExpired)}
	}
	proposals, err := r.strategy.Evaluate(ctx, []schema.Opportunity{op})
	if err != nil {
		return ManualResult{Err: fmt.Errorf("evaluate requested opportunity: %w", err)}
	}
	if len(proposals) == 0 {
		return ManualResult{Err: fmt.Errorf("opportunity %s discarded by strategy: %w", op.ID, exception.ErrInvalidArgument)}
	}
	decision, err := r.submit(ctx, proposals[0])
	return ManualResult{Decision: decision, Err: err}
}

func (r *Runner) submit(ctx context.Context, proposal schema.TradeProposal) (schema.Decision, error) {
	decision := r.gov.Authorize(r.acct.ID(), proposal)
	if !decision.Approved() {
		r.logbuf.Account(r.acct.ID(), schema.SeverityInfo,
			fmt.Sprintf("trade rejected: %s (market %s)", decision.Reason, proposal.Market))
		return decision, nil
	}

	fill, err := r.strategy.Execute(ctx, proposal)
	if err != nil {
		r.gov.Release(r.acct.ID(), proposal)
		failures := r.acct.NoteExecFailure()
		r.logbuf.Account(r.acct.ID(), schema.SeverityWarn,
			fmt.Sprintf("execution failed on %s: %v", proposal.Market, err))
		if failures >= r.cfg.ExecFailureThreshold {
			return decision, fmt.Errorf("%d consecutive: %w", failures, exception.ErrRepeatedExecFailure)
		}
		return decision, nil
	}
	r.acct.ResetExecFailures()

	if _, err := r.gov.Commit(r.acct.ID(), proposal, fill); err != nil {
		return decision, fmt.Errorf("commit fill: %w", err)
	}
	return decision, nil
}

func (r *Runner) scanWithRetry(ctx context.Context) ([]schema.Opportunity, error) {
	backoff := r.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		candidates, err := r.strategy.Scan(ctx)
		if err == nil {
			return candidates, nil
		}
		if !errors.Is(err, exception.ErrTransientData) || attempt >= r.cfg.RetryAttempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.cfg.RetryMax {
			backoff = r.cfg.RetryMax
		}
	}
}
