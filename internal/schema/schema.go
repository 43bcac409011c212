package schema

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies one isolated capital allocation.
type AccountID string

// StrategyKind selects the strategy variant an account runs.
type StrategyKind string

const (
	StrategyNegRisk         StrategyKind = "negrisk"
	StrategySingleCondition StrategyKind = "single_condition"
	StrategyCrossPlatform   StrategyKind = "cross_platform"
	StrategyWeather         StrategyKind = "weather"
	StrategyTemporal        StrategyKind = "temporal"
	StrategySim             StrategyKind = "sim"
)

// AccountStatus tracks the lifecycle of an account.
type AccountStatus uint8

const (
	AccountIdle AccountStatus = iota
	AccountActive
	AccountStopped
	AccountError
)

func (s AccountStatus) String() string {
	switch s {
	case AccountIdle:
		return "idle"
	case AccountActive:
		return "active"
	case AccountStopped:
		return "stopped"
	case AccountError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its lowercase name.
func (s AccountStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Urgency classifies how quickly an opportunity decays.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// RiskLimits are the per-account static limits.
// MaxPosition and MaxDailyLoss are fractions of account capital.
type RiskLimits struct {
	MaxPosition            decimal.Decimal `json:"maxPosition"`
	MaxDailyLoss           decimal.Decimal `json:"maxDailyLoss"`
	MaxConcurrentPositions int             `json:"maxConcurrentPositions"`
}

// PortfolioLimits are the fleet-wide limits.
type PortfolioLimits struct {
	MaxTotalLoss      decimal.Decimal `json:"maxTotalLoss"`
	DailyProfitTarget decimal.Decimal `json:"dailyProfitTarget"`
}

// Account is the static configuration of one capital allocation.
// Params carries strategy-specific settings the constructor decodes.
type Account struct {
	ID       AccountID       `json:"id"`
	Strategy StrategyKind    `json:"strategy"`
	Capital  decimal.Decimal `json:"capital"`
	Limits   RiskLimits      `json:"limits"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Opportunity is a candidate profitable trade identified by an agent's scan.
// Opportunities are account-scoped; no cross-account deduplication happens.
type Opportunity struct {
	ID             string          `json:"id"`
	AccountID      AccountID       `json:"accountId"`
	Strategy       StrategyKind    `json:"strategy"`
	Market         string          `json:"market"`
	ExpectedProfit decimal.Decimal `json:"expectedProfit"`
	ROI            decimal.Decimal `json:"roi"`
	Urgency        Urgency         `json:"urgency"`
	DiscoveredAt   time.Time       `json:"discoveredAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// Expired reports whether the opportunity is past its expiry.
func (o Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// PositionSide is the direction of a stake.
type PositionSide string

const (
	SideYes PositionSide = "yes"
	SideNo  PositionSide = "no"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is an open or closed stake taken against an opportunity.
type Position struct {
	ID         string          `json:"id"`
	AccountID  AccountID       `json:"accountId"`
	Market     string          `json:"market"`
	Side       PositionSide    `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	OpenedAt   time.Time       `json:"openedAt"`
	Status     PositionStatus  `json:"status"`
}

// TradeProposal is a sized trade submitted for risk authorization.
type TradeProposal struct {
	OpportunityID string          `json:"opportunityId"`
	AccountID     AccountID       `json:"accountId"`
	Market        string          `json:"market"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
}

// Fill is the venue confirmation of an executed trade.
type Fill struct {
	Market string          `json:"market"`
	Side   PositionSide    `json:"side"`
	Size   decimal.Decimal `json:"size"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// PnLRecord is the per-account realized plus unrealized profit view,
// re-derived from positions rather than independently mutated.
type PnLRecord struct {
	Daily      decimal.Decimal `json:"daily"`
	Weekly     decimal.Decimal `json:"weekly"`
	Monthly    decimal.Decimal `json:"monthly"`
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// Total returns realized plus unrealized profit.
func (p PnLRecord) Total() decimal.Decimal {
	return p.Realized.Add(p.Unrealized)
}

// Severity classifies a log event.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityAudit Severity = "audit"
)

// LogEvent is an append-only fleet log entry. AccountID is empty for
// fleet-wide events.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	AccountID AccountID `json:"accountId,omitempty"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}
