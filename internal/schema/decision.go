package schema

// RiskAction is the outcome of a risk authorization.
type RiskAction uint8

const (
	RiskActionAllow RiskAction = iota
	RiskActionDeny
)

// RiskReason explains a denial.
type RiskReason uint8

const (
	RiskReasonNone RiskReason = iota
	RiskReasonKillSwitch
	RiskReasonUnknownAccount
	RiskReasonAccountInactive
	RiskReasonPositionLimit
	RiskReasonInsufficientCapital
	RiskReasonConcurrentLimit
	RiskReasonDailyLoss
	RiskReasonPortfolioLoss
)

func (r RiskReason) String() string {
	switch r {
	case RiskReasonNone:
		return ""
	case RiskReasonKillSwitch:
		return "kill switch engaged"
	case RiskReasonUnknownAccount:
		return "unknown account"
	case RiskReasonAccountInactive:
		return "account inactive"
	case RiskReasonPositionLimit:
		return "position exceeds limit"
	case RiskReasonInsufficientCapital:
		return "insufficient capital"
	case RiskReasonConcurrentLimit:
		return "too many concurrent positions"
	case RiskReasonDailyLoss:
		return "daily loss limit reached"
	case RiskReasonPortfolioLoss:
		return "portfolio loss limit reached"
	default:
		return "unknown"
	}
}

// Decision is the explicit outcome of a trade authorization.
type Decision struct {
	Action RiskAction `json:"action"`
	Reason RiskReason `json:"reason"`
}

// Approved reports whether the proposal may be executed.
func (d Decision) Approved() bool {
	return d.Action == RiskActionAllow
}
