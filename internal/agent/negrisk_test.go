package agent

import (
	"encoding/json"
	"testing"
	"time"

	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededNegRisk(outcomes map[string][]string) *NegRisk {
	n := NewNegRisk(schema.Account{
		ID:      "alpha",
		Capital: decimal.NewFromInt(1000),
	}, NegRiskConfig{Outcomes: outcomes})
	n.started = true
	return n
}

func book(assetID string, askPrice float64) venue.MarketBook {
	return venue.MarketBook{
		EventType: "book",
		AssetID:   assetID,
		Asks:      []venue.BookLevel{{Price: decimal.NewFromFloat(askPrice), Size: decimal.NewFromInt(100)}},
	}
}

func TestNegRiskScanFindsMispricedSet(t *testing.T) {
	n := seededNegRisk(map[string][]string{
		"election-winner": {"tok-a", "tok-b"},
	})
	n.books["tok-a"] = book("tok-a", 0.55)
	n.books["tok-b"] = book("tok-b", 0.40)

	out, err := n.Scan(t.Context())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "election-winner", out[0].Market)
	assert.Equal(t, schema.UrgencyHigh, out[0].Urgency)
	// Basket costs 0.95, so the edge is 5 cents on the dollar.
	assert.True(t, out[0].ROI.GreaterThan(decimal.NewFromFloat(0.05)), "roi %s", out[0].ROI)
}

func TestNegRiskScanSkipsFairlyPricedSet(t *testing.T) {
	n := seededNegRisk(map[string][]string{
		"election-winner": {"tok-a", "tok-b"},
	})
	n.books["tok-a"] = book("tok-a", 0.55)
	n.books["tok-b"] = book("tok-b", 0.45)

	out, err := n.Scan(t.Context())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNegRiskScanWaitsForCompleteBooks(t *testing.T) {
	n := seededNegRisk(map[string][]string{
		"election-winner": {"tok-a", "tok-b"},
	})
	n.books["tok-a"] = book("tok-a", 0.30)

	out, err := n.Scan(t.Context())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNegRiskScanSkipsCrossedBooks(t *testing.T) {
	n := seededNegRisk(map[string][]string{
		"election-winner": {"tok-a", "tok-b"},
	})
	crossed := book("tok-a", 0.55)
	crossed.Bids = []venue.BookLevel{{Price: decimal.NewFromFloat(0.60), Size: decimal.NewFromInt(50)}}
	n.books["tok-a"] = crossed
	n.books["tok-b"] = book("tok-b", 0.40)

	out, err := n.Scan(t.Context())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNegRiskBuiltFromAccountParams(t *testing.T) {
	acct := schema.Account{
		ID:       "alpha",
		Strategy: schema.StrategyNegRisk,
		Capital:  decimal.NewFromInt(1000),
		Params: json.RawMessage(`{
			"outcomes": {"election-winner": ["tok-a", "tok-b"]},
			"stakeFraction": "0.1",
			"minEdge": "0.03",
			"ttl": "45s"
		}`),
	}
	strategy, err := New(acct)
	require.NoError(t, err)

	n, ok := strategy.(*NegRisk)
	require.True(t, ok)
	assert.Equal(t, []string{"tok-a", "tok-b"}, n.cfg.Outcomes["election-winner"])
	assert.True(t, n.cfg.StakeFraction.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, n.cfg.MinEdge.Equal(decimal.NewFromFloat(0.03)))
	assert.Equal(t, 45*time.Second, n.cfg.TTL)
}

func TestNegRiskRefusedWithoutOutcomes(t *testing.T) {
	_, err := New(schema.Account{
		ID:       "alpha",
		Strategy: schema.StrategyNegRisk,
		Capital:  decimal.NewFromInt(1000),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)

	_, err = New(schema.Account{
		ID:       "alpha",
		Strategy: schema.StrategyNegRisk,
		Capital:  decimal.NewFromInt(1000),
		Params:   json.RawMessage(`{"outcomes": {"m": ["tok-a"]}, "ttl": "nope"}`),
	})
	require.Error(t, err)
}
