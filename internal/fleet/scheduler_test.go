package fleet

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"main/internal/agent"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kindQuiet    schema.StrategyKind = "test_quiet"
	kindFaulty   schema.StrategyKind = "test_faulty"
	kindPanicky  schema.StrategyKind = "test_panicky"
	kindStubborn schema.StrategyKind = "test_stubborn"
	kindClosable schema.StrategyKind = "test_closable"
)

// quietStrategy scans nothing and proposes nothing.
type quietStrategy struct {
	ticks atomic.Int64
}

func (q *quietStrategy) Kind() schema.StrategyKind { return kindQuiet }

func (q *quietStrategy) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	q.ticks.Add(1)
	return nil, nil
}

func (q *quietStrategy) Evaluate(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error) {
	proposals := make([]schema.TradeProposal, 0, len(candidates))
	for _, op := range candidates {
		proposals = append(proposals, schema.TradeProposal{
			OpportunityID: op.ID,
			AccountID:     op.AccountID,
			Market:        op.Market,
			Side:          schema.SideYes,
			Size:          decimal.NewFromInt(10),
			Price:         decimal.NewFromFloat(0.5),
		})
	}
	return proposals, nil
}

func (q *quietStrategy) Execute(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error) {
	return schema.Fill{Market: proposal.Market, Side: proposal.Side, Size: proposal.Size, Price: proposal.Price}, nil
}

type faultyStrategy struct{ quietStrategy }

func (f *faultyStrategy) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	return nil, fmt.Errorf("venue rejected credentials")
}

type panickyStrategy struct{ quietStrategy }

func (p *panickyStrategy) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	panic("index out of range")
}

var stubbornScans atomic.Int64

// stubbornStrategy wedges its loop and ignores cancellation.
type stubbornStrategy struct{ quietStrategy }

func (s *stubbornStrategy) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	stubbornScans.Add(1)
	select {}
}

var closedStrategies atomic.Int64

// closableStrategy owns a feed-like resource released via Close.
type closableStrategy struct{ quietStrategy }

func (c *closableStrategy) Close() { closedStrategies.Add(1) }

func init() {
	agent.Register(kindQuiet, func(acct schema.Account) (agent.Strategy, error) {
		return &quietStrategy{}, nil
	})
	agent.Register(kindFaulty, func(acct schema.Account) (agent.Strategy, error) {
		return &faultyStrategy{}, nil
	})
	agent.Register(kindPanicky, func(acct schema.Account) (agent.Strategy, error) {
		return &panickyStrategy{}, nil
	})
	agent.Register(kindStubborn, func(acct schema.Account) (agent.Strategy, error) {
		return &stubbornStrategy{}, nil
	})
	agent.Register(kindClosable, func(acct schema.Account) (agent.Strategy, error) {
		return &closableStrategy{}, nil
	})
}

func testAccount(id schema.AccountID, kind schema.StrategyKind) schema.Account {
	return schema.Account{
		ID:       id,
		Strategy: kind,
		Capital:  decimal.NewFromInt(1000),
		Limits: schema.RiskLimits{
			MaxPosition:            decimal.NewFromFloat(0.2),
			MaxDailyLoss:           decimal.NewFromFloat(0.1),
			MaxConcurrentPositions: 5,
		},
	}
}

func newTestScheduler(t *testing.T, accounts ...schema.Account) (*Scheduler, *state.Fleet, *state.LogBuffer) {
	t.Helper()
	fleet := state.NewFleet(accounts)
	logbuf := state.NewLogBuffer(128)
	gov := risk.NewGovernor(fleet, schema.PortfolioLimits{}, logbuf, obs.NewMetrics())
	sched := NewScheduler(fleet, gov, logbuf, obs.NewMetrics(), Config{
		Runner:      agent.RunnerConfig{TickInterval: 5 * time.Millisecond},
		KillTimeout: time.Second,
	})
	t.Cleanup(sched.Shutdown)
	return sched, fleet, logbuf
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartStopLifecycle(t *testing.T) {
	sched, fleet, _ := newTestScheduler(t, testAccount("alpha", kindQuiet))
	acct, _ := fleet.Account("alpha")

	require.NoError(t, sched.Start("alpha"))
	assert.Equal(t, schema.AccountActive, acct.Status())
	assert.True(t, sched.Running("alpha"))

	// Starting a running account is a no-op.
	require.NoError(t, sched.Start("alpha"))

	require.NoError(t, sched.Stop("alpha"))
	assert.Equal(t, schema.AccountStopped, acct.Status())
	waitFor(t, func() bool { return !sched.Running("alpha") }, "loop still live after stop")

	require.NoError(t, sched.Resume("alpha"))
	assert.Equal(t, schema.AccountActive, acct.Status())
}

func TestStartUnknownAccount(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testAccount("alpha", kindQuiet))
	err := sched.Start("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrAccountUnknown)
}

func TestFaultIsolation(t *testing.T) {
	accounts := make([]schema.Account, 0, 10)
	for i := 0; i < 9; i++ {
		accounts = append(accounts, testAccount(schema.AccountID(fmt.Sprintf("ok-%d", i)), kindQuiet))
	}
	accounts = append(accounts, testAccount("bad", kindFaulty))

	sched, fleet, _ := newTestScheduler(t, accounts...)
	require.NoError(t, sched.StartAll())

	bad, _ := fleet.Account("bad")
	waitFor(t, func() bool { return bad.Status() == schema.AccountError }, "faulty agent never errored")
	waitFor(t, func() bool { return !sched.Running("bad") }, "faulty loop still live")

	for i := 0; i < 9; i++ {
		id := schema.AccountID(fmt.Sprintf("ok-%d", i))
		acct, _ := fleet.Account(id)
		assert.Equal(t, schema.AccountActive, acct.Status(), "account %s", id)
		assert.True(t, sched.Running(id))
	}

	// Manual recovery: error -> idle -> active.
	require.NoError(t, sched.Reset("bad"))
	assert.Equal(t, schema.AccountIdle, bad.Status())
	require.NoError(t, sched.Start("bad"))
	assert.Equal(t, schema.AccountActive, bad.Status())
}

func TestPanicIsolatedToOwnAccount(t *testing.T) {
	sched, fleet, _ := newTestScheduler(t,
		testAccount("steady", kindQuiet),
		testAccount("crash", kindPanicky),
	)
	require.NoError(t, sched.StartAll())

	crash, _ := fleet.Account("crash")
	waitFor(t, func() bool { return crash.Status() == schema.AccountError }, "panicking agent never errored")

	steady, _ := fleet.Account("steady")
	assert.Equal(t, schema.AccountActive, steady.Status())
}

func TestKillSwitchStopsEverything(t *testing.T) {
	sched, fleet, logbuf := newTestScheduler(t,
		testAccount("alpha", kindQuiet),
		testAccount("beta", kindQuiet),
	)
	require.NoError(t, sched.StartAll())

	sched.KillSwitch()

	for _, acct := range fleet.Accounts() {
		assert.Equal(t, schema.AccountStopped, acct.Status(), "account %s", acct.ID())
		assert.False(t, sched.Running(acct.ID()))
	}

	// Single account resume is refused while the latch holds.
	err := sched.Resume("alpha")
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	// Idempotent: the fleet event is logged once per latch.
	sched.KillSwitch()
	engaged := 0
	for _, ev := range logbuf.Tail(128) {
		if ev.AccountID == "" && ev.Message == "kill switch engaged" {
			engaged++
		}
	}
	assert.Equal(t, 1, engaged)

	require.NoError(t, sched.ResumeAll())
	for _, acct := range fleet.Accounts() {
		assert.Equal(t, schema.AccountActive, acct.Status(), "account %s", acct.ID())
	}
}

func TestStrategyClosedWhenLoopExits(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testAccount("alpha", kindClosable))
	base := closedStrategies.Load()

	require.NoError(t, sched.Start("alpha"))
	require.NoError(t, sched.Stop("alpha"))
	waitFor(t, func() bool { return closedStrategies.Load() == base+1 }, "strategy never closed on stop")
}

func TestKillSwitchBoundedWithUnresponsiveAgents(t *testing.T) {
	fleet := state.NewFleet([]schema.Account{
		testAccount("stuck-1", kindStubborn),
		testAccount("stuck-2", kindStubborn),
	})
	logbuf := state.NewLogBuffer(128)
	gov := risk.NewGovernor(fleet, schema.PortfolioLimits{}, logbuf, obs.NewMetrics())
	sched := NewScheduler(fleet, gov, logbuf, obs.NewMetrics(), Config{
		Runner:      agent.RunnerConfig{TickInterval: time.Millisecond},
		KillTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(sched.Shutdown)

	base := stubbornScans.Load()
	require.NoError(t, sched.StartAll())
	waitFor(t, func() bool { return stubbornScans.Load() >= base+2 }, "agents never entered their scan")

	returned := make(chan struct{})
	go func() {
		sched.KillSwitch()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("kill switch did not return with multiple unacknowledging agents")
	}

	for _, acct := range fleet.Accounts() {
		assert.Equal(t, schema.AccountStopped, acct.Status(), "account %s", acct.ID())
	}
	forced := 0
	for _, ev := range logbuf.Tail(128) {
		if ev.Message == "agent force-stopped: no acknowledgment before timeout" {
			forced++
		}
	}
	assert.Equal(t, 2, forced)
}

func TestExecuteOpportunityRouting(t *testing.T) {
	sched, fleet, _ := newTestScheduler(t, testAccount("alpha", kindQuiet))
	require.NoError(t, sched.Start("alpha"))

	acct, _ := fleet.Account("alpha")
	now := time.Now().UTC()
	acct.RecordOpportunity(schema.Opportunity{
		ID:           "op-live",
		AccountID:    "alpha",
		Market:       "fed-cuts-september",
		ROI:          decimal.NewFromFloat(0.05),
		DiscoveredAt: now,
		ExpiresAt:    now.Add(time.Minute),
	})
	acct.RecordOpportunity(schema.Opportunity{
		ID:           "op-dead",
		AccountID:    "alpha",
		DiscoveredAt: now.Add(-time.Hour),
		ExpiresAt:    now.Add(-time.Minute),
	})

	_, err := sched.ExecuteOpportunity(t.Context(), "nope")
	assert.ErrorIs(t, err, exception.ErrOpportunityUnknown)

	_, err = sched.ExecuteOpportunity(t.Context(), "op-dead")
	assert.ErrorIs(t, err, exception.ErrOpportunityExpired)

	res, err := sched.ExecuteOpportunity(t.Context(), "op-live")
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.NoError(t, sched.Stop("alpha"))
	waitFor(t, func() bool { return !sched.Running("alpha") }, "loop still live after stop")
	_, err = sched.ExecuteOpportunity(t.Context(), "op-live")
	assert.ErrorIs(t, err, exception.ErrAccountNotRunning)
}
