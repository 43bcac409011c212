package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/state"
	"main/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStrategy struct {
	scan     func(ctx context.Context) ([]schema.Opportunity, error)
	execute  func(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error)
	evaluate func(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error)
}

func (s *scriptedStrategy) Kind() schema.StrategyKind { return "test_scripted" }

func (s *scriptedStrategy) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	if s.scan == nil {
		return nil, nil
	}
	return s.scan(ctx)
}

func (s *scriptedStrategy) Evaluate(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error) {
	if s.evaluate != nil {
		return s.evaluate(ctx, candidates)
	}
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

func (s *scriptedStrategy) Execute(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error) {
	if s.execute == nil {
		return schema.Fill{Market: proposal.Market, Side: proposal.Side, Size: proposal.Size, Price: proposal.Price}, nil
	}
	return s.execute(ctx, proposal)
}

func runnerFixture(t *testing.T, strategy Strategy, cfg RunnerConfig) (*Runner, *state.AccountState, *state.LogBuffer) {
	t.Helper()
	fleet := state.NewFleet([]schema.Account{{
		ID:       "alpha",
		Strategy: "test_scripted",
		Capital:  decimal.NewFromInt(1000),
		Limits: schema.RiskLimits{
			MaxPosition:            decimal.NewFromFloat(0.2),
			MaxDailyLoss:           decimal.NewFromFloat(0.1),
			MaxConcurrentPositions: 50,
		},
	}})
	acct, _ := fleet.Account("alpha")
	require.NoError(t, acct.Transition(schema.AccountActive))
	logbuf := state.NewLogBuffer(64)
	gov := risk.NewGovernor(fleet, schema.PortfolioLimits{}, logbuf, obs.NewMetrics())
	return NewRunner(acct, strategy, gov, logbuf, obs.NewMetrics(), cfg), acct, logbuf
}

func liveOpportunity(id string) schema.Opportunity {
	now := time.Now().UTC()
	return schema.Opportunity{
		ID:           id,
		AccountID:    "alpha",
		Market:       "eth-above-5k",
		ROI:          decimal.NewFromFloat(0.06),
		DiscoveredAt: now,
		ExpiresAt:    now.Add(time.Minute),
	}
}

func TestTickRecordsAndSubmits(t *testing.T) {
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			return []schema.Opportunity{liveOpportunity("op-1")}, nil
		},
	}
	runner, acct, _ := runnerFixture(t, strategy, RunnerConfig{})

	require.NoError(t, runner.Tick(t.Context()))

	_, ok := acct.Opportunity("op-1")
	assert.True(t, ok)
	exposure, count := acct.OpenExposure()
	assert.True(t, exposure.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 1, count)
}

func TestTickRetriesTransientThenSkips(t *testing.T) {
	attempts := 0
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			attempts++
			return nil, fmt.Errorf("feed disconnected: %w", exception.ErrTransientData)
		},
	}
	runner, _, logbuf := runnerFixture(t, strategy, RunnerConfig{
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
		RetryMax:      2 * time.Millisecond,
	})

	// A transient data source never fails the agent; the tick is skipped.
	require.NoError(t, runner.Tick(t.Context()))
	assert.Equal(t, 3, attempts)

	skipped := false
	for _, ev := range logbuf.Tail(16) {
		if ev.Message == "tick skipped: data source unavailable" {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestTickTransientRecovery(t *testing.T) {
	attempts := 0
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			attempts++
			if attempts < 3 {
				return nil, fmt.Errorf("feed hiccup: %w", exception.ErrTransientData)
			}
			return []schema.Opportunity{liveOpportunity("op-ok")}, nil
		},
	}
	runner, acct, _ := runnerFixture(t, strategy, RunnerConfig{
		RetryAttempts: 5,
		RetryBase:     time.Millisecond,
		RetryMax:      2 * time.Millisecond,
	})

	require.NoError(t, runner.Tick(t.Context()))
	assert.Equal(t, 3, attempts)
	_, ok := acct.Opportunity("op-ok")
	assert.True(t, ok)
}

func TestTickFatalOnUnknownError(t *testing.T) {
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			return nil, fmt.Errorf("venue returned 403")
		},
	}
	runner, _, _ := runnerFixture(t, strategy, RunnerConfig{})

	assert.Error(t, runner.Tick(t.Context()))
}

func TestRejectedProposalIsLoggedNotFatal(t *testing.T) {
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			return []schema.Opportunity{liveOpportunity("op-big")}, nil
		},
		evaluate: func(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error) {
			return []schema.TradeProposal{{
				OpportunityID: "op-big",
				AccountID:     "alpha",
				Market:        "eth-above-5k",
				Side:          schema.SideYes,
				Size:          decimal.NewFromInt(500),
				Price:         decimal.NewFromFloat(0.5),
			}}, nil
		},
	}
	runner, acct, logbuf := runnerFixture(t, strategy, RunnerConfig{})

	require.NoError(t, runner.Tick(t.Context()))

	exposure, _ := acct.OpenExposure()
	assert.True(t, exposure.IsZero())

	rejected := false
	for _, ev := range logbuf.Tail(16) {
		if ev.Severity == schema.SeverityInfo && ev.AccountID == "alpha" {
			rejected = true
		}
	}
	assert.True(t, rejected, "rejection should be logged")
}

func TestRepeatedExecutionFailureEscalates(t *testing.T) {
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			return []schema.Opportunity{liveOpportunity("op-x")}, nil
		},
		execute: func(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error) {
			return schema.Fill{}, fmt.Errorf("order rejected by venue")
		},
	}
	runner, acct, _ := runnerFixture(t, strategy, RunnerConfig{ExecFailureThreshold: 3})

	require.NoError(t, runner.Tick(t.Context()))
	require.NoError(t, runner.Tick(t.Context()))

	err := runner.Tick(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrRepeatedExecFailure)

	// Failed executions never leave a reservation behind.
	exposure, count := acct.OpenExposure()
	assert.True(t, exposure.IsZero())
	assert.Equal(t, 0, count)
}

func TestExecutionSuccessResetsFailureCount(t *testing.T) {
	fail := true
	strategy := &scriptedStrategy{
		scan: func(ctx context.Context) ([]schema.Opportunity, error) {
			return []schema.Opportunity{liveOpportunity("op-y")}, nil
		},
		execute: func(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error) {
			if fail {
				return schema.Fill{}, fmt.Errorf("order rejected by venue")
			}
			return schema.Fill{Market: proposal.Market, Side: proposal.Side, Size: proposal.Size, Price: proposal.Price}, nil
		},
	}
	runner, _, _ := runnerFixture(t, strategy, RunnerConfig{ExecFailureThreshold: 2})

	require.NoError(t, runner.Tick(t.Context()))
	fail = false
	require.NoError(t, runner.Tick(t.Context()))
	fail = true
	// The counter restarted after the success, so one more failure is
	// still below the threshold.
	require.NoError(t, runner.Tick(t.Context()))
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	runner, _, _ := runnerFixture(t, &scriptedStrategy{}, RunnerConfig{TickInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
