package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"main/internal/agent"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/pkg/exception"
)

// Config tunes the scheduler.
type Config struct {
	Runner agent.RunnerConfig

	// KillTimeout bounds how long KillSwitch waits for agents to
	// acknowledge the stop signal before force-marking them.
	KillTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.KillTimeout <= 0 {
		c.KillTimeout = 5 * time.Second
	}
	return c
}

type running struct {
	runner *agent.Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the set of concurrently running trading agents: one
// goroutine per account, started and stopped individually, with faults in
// one agent isolated from all others.
type Scheduler struct {
	fleet   *state.Fleet
	gov     *risk.Governor
	logbuf  *state.LogBuffer
	metrics *obs.Metrics
	cfg     Config

	mu      sync.Mutex
	running map[schema.AccountID]*running
}

// NewScheduler wires a scheduler over the fleet. It also installs itself as
// the governor's kill hook.
func NewScheduler(fleet *state.Fleet, gov *risk.Governor, logbuf *state.LogBuffer, metrics *obs.Metrics, cfg Config) *Scheduler {
	s := &Scheduler{
		fleet:   fleet,
		gov:     gov,
		logbuf:  logbuf,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		running: make(map[schema.AccountID]*running),
	}
	gov.SetKillFunc(s.KillSwitch)
	return s
}

// Start transitions an idle account to active and launches its agent loop.
// No-op if the account is already running.
func (s *Scheduler) Start(id schema.AccountID) error {
	acct, ok := s.fleet.Account(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, exception.ErrAccountUnknown)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return nil
	}

	strategy, err := agent.New(schema.Account{
		ID:       acct.ID(),
		Strategy: acct.Strategy(),
		Capital:  acct.Capital(),
		Limits:   acct.Limits(),
	})
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}
	if err := acct.Transition(schema.AccountActive); err != nil {
		return err
	}
	s.launchLocked(acct, strategy)
	s.logbuf.Account(id, schema.SeverityInfo, "agent started")
	return nil
}

// StartAll starts every idle account, reporting the first failure.
func (s *Scheduler) StartAll() error {
	var firstErr error
	for _, acct := range s.fleet.Accounts() {
		if acct.Status() != schema.AccountIdle {
			continue
		}
		if err := s.Start(acct.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) launchLocked(acct *state.AccountState, strategy agent.Strategy) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := agent.NewRunner(acct, strategy, s.gov, s.logbuf, s.metrics, s.cfg.Runner)
	entry := &running{runner: runner, cancel: cancel, done: make(chan struct{})}
	s.running[acct.ID()] = entry

	go func() {
		defer close(entry.done)
		err := runGuarded(ctx, runner)
		if closer, ok := strategy.(interface{ Close() }); ok {
			closer.Close()
		}
		if err != nil {
			// Fault isolation: only this account is affected.
			s.metrics.IncTickFault(acct.ID())
			if terr := acct.Transition(schema.AccountError); terr == nil {
				s.logbuf.Account(acct.ID(), schema.SeverityError, fmt.Sprintf("agent fault: %v", err))
			}
		}
		s.mu.Lock()
		if s.running[acct.ID()] == entry {
			delete(s.running, acct.ID())
		}
		s.mu.Unlock()
	}()
}

// runGuarded keeps agent panics from escaping to the scheduler.
func runGuarded(ctx context.Context, runner *agent.Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return runner.Run(ctx)
}

// Stop transitions an active account to stopped and signals its loop to
// exit after the current tick. The wait is bounded by KillTimeout.
func (s *Scheduler) Stop(id schema.AccountID) error {
	acct, ok := s.fleet.Account(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, exception.ErrAccountUnknown)
	}
	if err := acct.Transition(schema.AccountStopped); err != nil {
		return err
	}

	s.mu.Lock()
	entry, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		entry.cancel()
		select {
		case <-entry.done:
		case <-time.After(s.cfg.KillTimeout):
			s.logbuf.Account(id, schema.SeverityWarn, "agent did not acknowledge stop in time")
		}
	}
	s.logbuf.Account(id, schema.SeverityInfo, "agent stopped")
	return nil
}

// Resume restarts a stopped account. Refused while the kill switch latch is
// engaged; use ResumeAll to clear it.
func (s *Scheduler) Resume(id schema.AccountID) error {
	if s.gov.KillSwitchEngaged() {
		return fmt.Errorf("kill switch engaged: %w", exception.ErrInvalidArgument)
	}
	acct, ok := s.fleet.Account(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, exception.ErrAccountUnknown)
	}
	if acct.Status() != schema.AccountStopped {
		return fmt.Errorf("%s -> active: %w", acct.Status(), exception.ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return nil
	}
	strategy, err := agent.New(schema.Account{
		ID:       acct.ID(),
		Strategy: acct.Strategy(),
		Capital:  acct.Capital(),
		Limits:   acct.Limits(),
	})
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}
	if err := acct.Transition(schema.AccountActive); err != nil {
		return err
	}
	s.launchLocked(acct, strategy)
	s.logbuf.Account(id, schema.SeverityInfo, "agent resumed")
	return nil
}

// ResumeAll clears the kill-switch latch and resumes every stopped account.
func (s *Scheduler) ResumeAll() error {
	s.gov.ReleaseKillSwitch()
	var firstErr error
	for _, acct := range s.fleet.Accounts() {
		if acct.Status() != schema.AccountStopped {
			continue
		}
		if err := s.Resume(acct.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reset manually recovers a faulted account back to idle.
func (s *Scheduler) Reset(id schema.AccountID) error {
	acct, ok := s.fleet.Account(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, exception.ErrAccountUnknown)
	}
	if err := acct.Transition(schema.AccountIdle); err != nil {
		return err
	}
	s.logbuf.Account(id, schema.SeverityInfo, "agent reset")
	return nil
}

// KillSwitch stops the whole fleet unconditionally and immediately. Every
// account is marked stopped before this returns; agents get a bounded
// window to acknowledge, after which they are force-marked and logged.
// Idempotent.
func (s *Scheduler) KillSwitch() {
	s.gov.EngageKillSwitch("kill switch engaged")

	s.mu.Lock()
	entries := make(map[schema.AccountID]*running, len(s.running))
	for id, entry := range s.running {
		entries[id] = entry
		entry.cancel()
	}
	s.mu.Unlock()

	// Absolute deadline shared by every wait: a timer channel fires once,
	// so each entry gets its own timer against the remaining window.
	deadline := time.Now().Add(s.cfg.KillTimeout)
	for id, entry := range entries {
		select {
		case <-entry.done:
		case <-time.After(time.Until(deadline)):
			s.logbuf.Account(id, schema.SeverityWarn, "agent force-stopped: no acknowledgment before timeout")
		}
	}

	s.mu.Lock()
	for id, entry := range entries {
		if s.running[id] == entry {
			delete(s.running, id)
		}
	}
	s.mu.Unlock()
}

// Shutdown stops every running agent for process exit without latching the
// kill switch. Accounts end up stopped; waits are bounded by KillTimeout.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	entries := make(map[schema.AccountID]*running, len(s.running))
	for id, entry := range s.running {
		entries[id] = entry
		entry.cancel()
	}
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.KillTimeout)
	for id, entry := range entries {
		select {
		case <-entry.done:
		case <-time.After(time.Until(deadline)):
		}
		if acct, ok := s.fleet.Account(id); ok {
			if acct.Status() == schema.AccountActive {
				_ = acct.Transition(schema.AccountStopped)
			}
		}
	}

	s.mu.Lock()
	for id, entry := range entries {
		if s.running[id] == entry {
			delete(s.running, id)
		}
	}
	s.mu.Unlock()
}

// ExecuteOpportunity routes an external execute request to the owning
// account's agent for authorization and execution.
func (s *Scheduler) ExecuteOpportunity(ctx context.Context, opportunityID string) (agent.ManualResult, error) {
	for _, acct := range s.fleet.Accounts() {
		op, ok := acct.Opportunity(opportunityID)
		if !ok {
			continue
		}
		if op.Expired(time.Now().UTC()) {
			return agent.ManualResult{}, fmt.Errorf("%s: %w", opportunityID, exception.ErrOpportunityExpired)
		}
		s.mu.Lock()
		entry, running := s.running[acct.ID()]
		s.mu.Unlock()
		if !running {
			return agent.ManualResult{}, fmt.Errorf("%s: %w", acct.ID(), exception.ErrAccountNotRunning)
		}
		return entry.runner.Submit(ctx, op)
	}
	return agent.ManualResult{}, fmt.Errorf("%s: %w", opportunityID, exception.ErrOpportunityUnknown)
}

// Running reports whether an account's loop is currently live.
func (s *Scheduler) Running(id schema.AccountID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}
