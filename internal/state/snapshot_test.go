package state

import (
	"sync"
	"testing"
	"time"

	"main/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotAggregatesAccounts(t *testing.T) {
	fleet := NewFleet([]schema.Account{
		simAccount("alpha", 100),
		simAccount("beta", 250),
	})
	logbuf := NewLogBuffer(16)
	logbuf.Fleet(schema.SeverityInfo, "boot")
	agg := NewAggregator(fleet, logbuf, 16)

	alpha, _ := fleet.Account("alpha")
	alpha.SetUnrealized(decimal.NewFromInt(5))
	alpha.Reserve(decimal.NewFromInt(10))
	alpha.OpenPosition(schema.Position{ID: "p1", Size: decimal.NewFromInt(10)})

	now := time.Now().UTC()
	alpha.RecordOpportunity(schema.Opportunity{
		ID: "old", AccountID: "alpha",
		DiscoveredAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour),
	})
	beta, _ := fleet.Account("beta")
	beta.RecordOpportunity(schema.Opportunity{
		ID: "new", AccountID: "beta",
		DiscoveredAt: now, ExpiresAt: now.Add(time.Hour),
	})

	snap := agg.Snapshot()
	require.Len(t, snap.Accounts, 2)
	assert.Equal(t, schema.AccountID("alpha"), snap.Accounts[0].ID)
	assert.Equal(t, 1, snap.PositionCount())
	assert.True(t, snap.TotalCapital.Equal(decimal.NewFromInt(350)))
	assert.True(t, snap.Portfolio.Unrealized.Equal(decimal.NewFromInt(5)))

	// Merged opportunities are newest first across accounts.
	require.Len(t, snap.Opportunities, 2)
	assert.Equal(t, "new", snap.Opportunities[0].ID)
	assert.Equal(t, "old", snap.Opportunities[1].ID)

	require.NotEmpty(t, snap.Logs)
	assert.Equal(t, "boot", snap.Logs[len(snap.Logs)-1].Message)
}

func TestSnapshotExcludedDuringRebalance(t *testing.T) {
	fleet := NewFleet([]schema.Account{simAccount("alpha", 100)})
	agg := NewAggregator(fleet, NewLogBuffer(4), 4)

	fleet.BeginRebalance()
	done := make(chan FleetSnapshot, 1)
	go func() {
		done <- agg.Snapshot()
	}()

	select {
	case <-done:
		t.Fatal("snapshot completed during rebalancing pass")
	case <-time.After(20 * time.Millisecond):
	}

	alpha, _ := fleet.Account("alpha")
	alpha.SetCapital(decimal.NewFromInt(80))
	fleet.EndRebalance()

	select {
	case snap := <-done:
		assert.True(t, snap.TotalCapital.Equal(decimal.NewFromInt(80)))
	case <-time.After(time.Second):
		t.Fatal("snapshot never completed")
	}
}

func TestSnapshotConcurrentWithMutation(t *testing.T) {
	fleet := NewFleet([]schema.Account{simAccount("alpha", 100)})
	agg := NewAggregator(fleet, NewLogBuffer(4), 4)
	alpha, _ := fleet.Account("alpha")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				alpha.Reserve(decimal.NewFromInt(1))
				alpha.Release(decimal.NewFromInt(1))
			}
		}
	}()

	for i := 0; i < 100; i++ {
		snap := agg.Snapshot()
		require.Len(t, snap.Accounts, 1)
	}
	close(stop)
	wg.Wait()
}
