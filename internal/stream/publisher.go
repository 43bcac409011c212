package stream

import (
	"context"
	"sync"
	"time"

	"main/internal/obs"
	"main/internal/schema"
	"main/internal/state"

	"github.com/shopspring/decimal"
)

const (
	// DefaultInterval is the publish cadence.
	DefaultInterval = time.Second
	// DefaultQueueSize bounds each subscriber's undelivered snapshots.
	DefaultQueueSize = 8
	// MaxOpportunities bounds the opportunity list in a payload.
	MaxOpportunities = 5
	// MaxLogs bounds the log tail in a payload.
	MaxLogs = 10
)

// AccountBrief is the per-account slice of a payload.
type AccountBrief struct {
	Status           schema.AccountStatus `json:"status"`
	OpportunityCount int                  `json:"opportunityCount"`
}

// Payload is the bounded snapshot view pushed to subscribers.
type Payload struct {
	Timestamp     time.Time                        `json:"timestamp"`
	Seq           uint64                           `json:"seq"`
	Opportunities []schema.Opportunity             `json:"opportunities"`
	Logs          []schema.LogEvent                `json:"logs"`
	Accounts      map[schema.AccountID]AccountBrief `json:"accounts"`
	Portfolio     schema.PnLRecord                 `json:"portfolio"`
	TotalCapital  decimal.Decimal                  `json:"totalCapital"`
}

// Trim reduces a fleet snapshot to the bounded payload shape: the most
// recently discovered opportunities first, the last log events, the full
// status map, and portfolio PnL.
func Trim(snap state.FleetSnapshot, seq uint64) Payload {
	opportunities := snap.Opportunities
	if len(opportunities) > MaxOpportunities {
		opportunities = opportunities[:MaxOpportunities]
	}
	logs := snap.Logs
	if len(logs) > MaxLogs {
		logs = logs[len(logs)-MaxLogs:]
	}
	accounts := make(map[schema.AccountID]AccountBrief, len(snap.Accounts))
	for _, acct := range snap.Accounts {
		accounts[acct.ID] = AccountBrief{
			Status:           acct.Status,
			OpportunityCount: len(acct.Opportunities),
		}
	}
	return Payload{
		Timestamp:     snap.Timestamp,
		Seq:           seq,
		Opportunities: opportunities,
		Logs:          logs,
		Accounts:      accounts,
		Portfolio:     snap.Portfolio,
		TotalCapital:  snap.TotalCapital,
	}
}

// Subscriber is one bounded delivery queue. A slow subscriber loses its
// oldest undelivered payload, never blocking the publish loop or others.
type Subscriber struct {
	ch   chan Payload
	pub  *Publisher
	once sync.Once
}

// C is the delivery channel. It closes when the subscriber is removed.
func (s *Subscriber) C() <-chan Payload { return s.ch }

// Close detaches the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.pub.remove(s)
	})
}

// Publisher fans periodic snapshots out to subscribers.
type Publisher struct {
	agg       *state.Aggregator
	metrics   *obs.Metrics
	interval  time.Duration
	queueSize int
	seq       *obs.TraceGenerator

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewPublisher builds a publisher over the aggregator.
func NewPublisher(agg *state.Aggregator, metrics *obs.Metrics, interval time.Duration, queueSize int) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		agg:       agg,
		metrics:   metrics,
		interval:  interval,
		queueSize: queueSize,
		seq:       obs.NewTraceGenerator(0),
		subs:      make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber and immediately delivers the current
// snapshot.
func (p *Publisher) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Payload, p.queueSize), pub: p}
	payload := p.buildPayload()

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.deliverLocked(sub, payload)
	n := len(p.subs)
	p.mu.Unlock()

	p.metrics.SetSubscribers(n)
	return sub
}

func (p *Publisher) remove(sub *Subscriber) {
	p.mu.Lock()
	_, ok := p.subs[sub]
	if ok {
		delete(p.subs, sub)
		close(sub.ch)
	}
	n := len(p.subs)
	p.mu.Unlock()
	p.metrics.SetSubscribers(n)
}

// Run publishes on the configured interval until the context is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeAll()
			return
		case <-ticker.C:
			p.Publish()
		}
	}
}

// Publish pushes the latest snapshot to every subscriber once.
func (p *Publisher) Publish() {
	payload := p.buildPayload()
	p.mu.Lock()
	for sub := range p.subs {
		p.deliverLocked(sub, payload)
	}
	p.mu.Unlock()
}

func (p *Publisher) buildPayload() Payload {
	started := time.Now()
	snap := p.agg.Snapshot()
	p.metrics.ObserveSnapshot(time.Since(started))
	return Trim(snap, p.seq.Next())
}

// deliverLocked enqueues without blocking, dropping the subscriber's oldest
// payload on overflow.
func (p *Publisher) deliverLocked(sub *Subscriber, payload Payload) {
	select {
	case sub.ch <- payload:
		return
	default:
	}
	select {
	case <-sub.ch:
		p.metrics.IncStreamDrop()
	default:
	}
	select {
	case sub.ch <- payload:
	default:
	}
}

func (p *Publisher) closeAll() {
	p.mu.Lock()
	for sub := range p.subs {
		delete(p.subs, sub)
		close(sub.ch)
	}
	p.mu.Unlock()
	p.metrics.SetSubscribers(0)
}
