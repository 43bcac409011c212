package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NegRiskConfig tunes the negrisk strategy.
type NegRiskConfig struct {
	// Outcomes maps a market slug to the outcome token ids whose YES asks
	// should sum to 1. A sum below 1 minus MinEdge is a candidate.
	Outcomes map[string][]string

	StakeFraction decimal.Decimal
	MinEdge       decimal.Decimal
	TTL           time.Duration
}

// NegRisk scans Polymarket books for outcome sets whose combined YES asks
// price below certainty. Fills are papered at the observed basket cost.
type NegRisk struct {
	acct schema.Account
	cfg  NegRiskConfig
	feed *venue.PolymarketPub

	mu      sync.RWMutex
	books   map[string]venue.MarketBook
	started bool
	unsub   func()
}

// negRiskParams is the account config "params" payload for this kind.
type negRiskParams struct {
	Outcomes      map[string][]string `json:"outcomes"`
	StakeFraction decimal.Decimal     `json:"stakeFraction"`
	MinEdge       decimal.Decimal     `json:"minEdge"`
	TTL           string              `json:"ttl"`
}

func init() {
	Register(schema.StrategyNegRisk, func(acct schema.Account) (Strategy, error) {
		cfg, err := negRiskConfigFrom(acct)
		if err != nil {
			return nil, err
		}
		return NewNegRisk(acct, cfg), nil
	})
}

func negRiskConfigFrom(acct schema.Account) (NegRiskConfig, error) {
	var p negRiskParams
	if len(acct.Params) > 0 {
		if err := json.Unmarshal(acct.Params, &p); err != nil {
			return NegRiskConfig{}, fmt.Errorf("parse negrisk params: %w", err)
		}
	}
	if len(p.Outcomes) == 0 {
		return NegRiskConfig{}, fmt.Errorf("negrisk needs at least one outcome set in params: %w", exception.ErrInvalidArgument)
	}
	cfg := NegRiskConfig{
		Outcomes:      p.Outcomes,
		StakeFraction: p.StakeFraction,
		MinEdge:       p.MinEdge,
	}
	if p.TTL != "" {
		ttl, err := time.ParseDuration(p.TTL)
		if err != nil {
			return NegRiskConfig{}, fmt.Errorf("parse negrisk ttl: %w", err)
		}
		cfg.TTL = ttl
	}
	return cfg, nil
}

// NewNegRisk builds a negrisk strategy for one account.
func NewNegRisk(acct schema.Account, cfg NegRiskConfig) *NegRisk {
	if cfg.StakeFraction.IsZero() {
		cfg.StakeFraction = decimal.NewFromFloat(0.05)
	}
	if cfg.MinEdge.IsZero() {
		cfg.MinEdge = decimal.NewFromFloat(0.02)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &NegRisk{
		acct:  acct,
		cfg:   cfg,
		books: make(map[string]venue.MarketBook),
	}
}

// Kind reports the negrisk strategy tag.
func (n *NegRisk) Kind() schema.StrategyKind { return schema.StrategyNegRisk }

func (n *NegRisk) ensureFeed(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	if len(n.cfg.Outcomes) == 0 {
		return nil
	}

	feed := venue.NewPolymarketPub(ctx)
	if err := feed.StartWebsocket(ctx); err != nil {
		return fmt.Errorf("start feed: %w", exception.ErrTransientData)
	}
	assetIDs := make([]string, 0)
	for _, tokens := range n.cfg.Outcomes {
		assetIDs = append(assetIDs, tokens...)
	}
	if err := feed.SubscribeBooks(ctx, assetIDs); err != nil {
		feed.Close()
		return fmt.Errorf("subscribe books: %w", exception.ErrTransientData)
	}
	n.unsub = feed.ObserveBooks(ctx, func(book venue.MarketBook) {
		n.mu.Lock()
		n.books[book.AssetID] = book
		n.mu.Unlock()
	})
	n.feed = feed
	n.started = true
	return nil
}

// Scan reprices every configured outcome set against the latest books.
func (n *NegRisk) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	if err := n.ensureFeed(ctx); err != nil {
		return nil, err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	now := time.Now().UTC()
	one := decimal.NewFromInt(1)
	var out []schema.Opportunity
	for market, tokens := range n.cfg.Outcomes {
		cost := decimal.Zero
		complete := true
		for _, token := range tokens {
			book, ok := n.books[token]
			if !ok {
				complete = false
				break
			}
			ask, ok := book.BestAsk()
			if !ok {
				complete = false
				break
			}
			// A crossed book means the snapshot is stale; skip the set
			// rather than price an edge off bad data.
			if bid, ok := book.BestBid(); ok && bid.Price.GreaterThanOrEqual(ask.Price) {
				complete = false
				break
			}
			cost = cost.Add(ask.Price)
		}
		if !complete || !cost.IsPositive() {
			continue
		}
		edge := one.Sub(cost)
		if edge.LessThan(n.cfg.MinEdge) {
			continue
		}
		stake := n.acct.Capital.Mul(n.cfg.StakeFraction)
		out = append(out, schema.Opportunity{
			ID:             uuid.NewString(),
			AccountID:      n.acct.ID,
			Strategy:       schema.StrategyNegRisk,
			Market:         market,
			ExpectedProfit: stake.Mul(edge).Div(cost),
			ROI:            edge.Div(cost),
			Urgency:        schema.UrgencyHigh,
			DiscoveredAt:   now,
			ExpiresAt:      now.Add(n.cfg.TTL),
		})
	}
	return out, nil
}

// Evaluate sizes candidates by the configured stake fraction.
func (n *NegRisk) Evaluate(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error) {
	proposals := make([]schema.TradeProposal, 0, len(candidates))
	for _, op := range candidates {
		proposals = append(proposals, schema.TradeProposal{
			OpportunityID: op.ID,
			AccountID:     n.acct.ID,
			Market:        op.Market,
			Side:          schema.SideYes,
			Size:          n.acct.Capital.Mul(n.cfg.StakeFraction),
			Price:         decimal.NewFromInt(1).Sub(op.ROI),
		})
	}
	return proposals, nil
}

// Execute papers the fill at the proposed basket cost.
func (n *NegRisk) Execute(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error) {
	return schema.Fill{
		Market: proposal.Market,
		Side:   proposal.Side,
		Size:   proposal.Size,
		Price:  proposal.Price,
		Time:   time.Now().UTC(),
	}, nil
}

// Close tears the feed down.
func (n *NegRisk) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unsub != nil {
		n.unsub()
	}
	if n.feed != nil {
		n.feed.Close()
	}
	n.started = false
}
