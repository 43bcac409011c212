package agent

import (
	"context"
	"sync"

	"main/internal/schema"
	"main/pkg/exception"

	"github.com/yanun0323/errors"
)

// Strategy is the capability set every trading agent is polymorphic over.
// Concrete variants (negrisk, single_condition, cross_platform, weather,
// temporal, ...) implement it without touching orchestration code.
type Strategy interface {
	Kind() schema.StrategyKind

	// Scan yields zero or more opportunity candidates from the market-data
	// collaborator. Transient source errors wrap exception.ErrTransientData.
	Scan(ctx context.Context) ([]schema.Opportunity, error)

	// Evaluate filters candidates against strategy thresholds and sizes the
	// survivors. Discarded candidates are not retried.
	Evaluate(ctx context.Context, candidates []schema.Opportunity) ([]schema.TradeProposal, error)

	// Execute submits an authorized proposal to the venue.
	Execute(ctx context.Context, proposal schema.TradeProposal) (schema.Fill, error)
}

// Constructor builds a strategy instance for one account.
type Constructor func(acct schema.Account) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[schema.StrategyKind]Constructor)
)

// Register installs a strategy constructor for a kind. Later registrations
// replace earlier ones.
func Register(kind schema.StrategyKind, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = ctor
}

// New builds the strategy configured for the account.
func New(acct schema.Account) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := registry[acct.Strategy]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "unregistered strategy kind %q", acct.Strategy)
	}
	return ctor(acct)
}
