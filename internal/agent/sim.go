package agent

import (
	"context"
	"time"

	"main/internal/schema"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimConfig tunes the synthetic paper-trading strategy.
type SimConfig struct {
	Markets       []string
	StakeFraction decimal.Decimal
	ROI           decimal.Decimal
	MinROI        decimal.Decimal
	TTL           time.Duration
}

// Sim is a synthetic strategy for paper runs. It cycles the configured
// markets, emitting one opportunity per scan and filling instantly.
type Sim struct {
	acct  schema.Account
	cfg   SimConfig
	index int
}

func init() {
	Register(schema.StrategySim, func(acct schema.Account) (Strategy, error) {
		return NewSim(acct, SimConfig{}), nil
	})
}

// NewSim builds a sim strategy for one account.
func NewSim(acct schema.Account, cfg SimConfig) *Sim {
	if len(cfg.Markets) == 0 {
		cfg.Markets = []string{"sim-market-yes", "sim-market-no"}
	}
	if cfg.StakeFraction.IsZero() {
		cfg.StakeFraction = decimal.NewFromFloat(0.05)
	}
	if cfg.ROI.IsZero() {
		cfg.ROI = decimal.NewFromFloat(0.04)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &Sim{acct: acct, cfg: cfg}
}

// Kind reports the sim strategy tag.
func (s *Sim) Kind() schema.StrategyKind { return schema.StrategySim }

// Scan emits the next synthetic opportunity.
func (s *Sim) Scan(ctx context.Context) ([]schema.Opportunity, error) {
	market := s.cfg.Markets[s.index%len(s.cfg.Markets)]
	s.index++
	now := time.Now().UTC()
	stake := s.acct.Capital.Mul(s.cfg.StakeFraction)
	return []schema.Opportunity{{
		ID:             uuid.NewString(),
		AccountID:      s.acct.ID,
		Strategy:       schema.StrategySim,
		Market:         market,
		ExpectedProfit: stake.Mul(s.cfg.ROI),
		ROI:            s.cfg.ROI,
		Urgency:        schema.UrgencyLow,
		DiscoveredAt:   now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}}, nil
}

// Evaluate sizes candidates above the ROI threshold.
func (s *Sim) Evaluate(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error) {
	proposals := make([]schema.TradeProposal, 0, len(candidates))
	for _, op := range candidates {
		if op.ROI.LessThan(s.cfg.MinROI) {
			continue
		}
		proposals = append(proposals, schema.TradeProposal{
			OpportunityID: op.ID,
			AccountID:     s.acct.ID,
			Market:        op.Market,
			Side:          schema.SideYes,
			Size:          s.acct.Capital.Mul(s.cfg.StakeFraction),
			Price:         decimal.NewFromFloat(0.5),
		})
	}
	return proposals, nil
}

// Execute fills instantly at the proposed price.
func (s *Sim) Execute(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error) {
	return schema.Fill{
		Market: proposal.Market,
		Side:   proposal.Side,
		Size:   proposal.Size,
		Price:  proposal.Price,
		Time:   time.Now().UTC(),
	}, nil
}
