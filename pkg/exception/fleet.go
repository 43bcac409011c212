package exception

import "github.com/yanun0323/errors"

// Account lifecycle errors
var (
	ErrAccountUnknown    = errors.New("fleet: unknown account")
	ErrAccountRunning    = errors.New("fleet: account already running")
	ErrAccountNotRunning = errors.New("fleet: account not running")
	ErrInvalidTransition = errors.New("fleet: invalid account state transition")
)

// Agent errors
var (
	ErrTransientData = errors.New("agent: transient data source error")
	ErrTickSkipped   = errors.New("agent: tick skipped after retries")
	ErrFatalAgent    = errors.New("agent: fatal fault")
)

// Execution errors
var (
	ErrExecutionFailed     = errors.New("execute: venue submission failed")
	ErrOpportunityUnknown  = errors.New("execute: unknown opportunity")
	ErrOpportunityExpired  = errors.New("execute: opportunity expired")
	ErrRepeatedExecFailure = errors.New("execute: repeated venue failures")
)

// Stream errors
var (
	ErrSubscriberClosed = errors.New("stream: subscriber closed")
	ErrPublisherClosed  = errors.New("stream: publisher closed")
)
