package obs

import (
	"sync/atomic"
	"time"

	"main/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus series plus lightweight in-process latency
// stats for the hot authorization and tick paths.
type Metrics struct {
	registry *prometheus.Registry

	authorizations *prometheus.CounterVec
	ticks          *prometheus.CounterVec
	tickFaults     *prometheus.CounterVec
	streamDrops    prometheus.Counter
	subscribers    prometheus.Gauge
	killSwitch     prometheus.Gauge
	rebalances     prometheus.Counter

	authorizeLatency LatencyStats
	tickLatency      LatencyStats
	snapshotLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats. Durations
// marshal as nanoseconds.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the in-process latency values.
type Snapshot struct {
	AuthorizeLatency LatencySnapshot `json:"authorize"`
	TickLatency      LatencySnapshot `json:"tick"`
	SnapshotLatency  LatencySnapshot `json:"snapshot"`
}

// NewMetrics allocates a metrics container with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_authorizations_total",
			Help: "Trade authorization decisions by outcome",
		}, []string{"action", "reason"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_agent_ticks_total",
			Help: "Completed agent ticks per account",
		}, []string{"account"}),
		tickFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_agent_faults_total",
			Help: "Unhandled agent faults per account",
		}, []string{"account"}),
		streamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_stream_dropped_snapshots_total",
			Help: "Snapshots dropped for slow subscribers",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_stream_subscribers",
			Help: "Active snapshot subscribers",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_kill_switch",
			Help: "1 while the fleet kill switch is engaged",
		}),
		rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_rebalance_passes_total",
			Help: "Completed rebalancing passes",
		}),
	}
	m.registry.MustRegister(
		m.authorizations,
		m.ticks,
		m.tickFaults,
		m.streamDrops,
		m.subscribers,
		m.killSwitch,
		m.rebalances,
	)
	return m
}

// Registry exposes the backing registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncDecision records an authorization outcome.
func (m *Metrics) IncDecision(d schema.Decision) {
	if m == nil {
		return
	}
	action := "allow"
	if !d.Approved() {
		action = "deny"
	}
	m.authorizations.WithLabelValues(action, d.Reason.String()).Inc()
}

// IncTick records a completed tick for an account.
func (m *Metrics) IncTick(id schema.AccountID) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(string(id)).Inc()
}

// IncTickFault records an unhandled fault for an account.
func (m *Metrics) IncTickFault(id schema.AccountID) {
	if m == nil {
		return
	}
	m.tickFaults.WithLabelValues(string(id)).Inc()
}

// IncStreamDrop records a snapshot dropped for a slow subscriber.
func (m *Metrics) IncStreamDrop() {
	if m == nil {
		return
	}
	m.streamDrops.Inc()
}

// SetSubscribers tracks the active subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SetKillSwitch flags whether the kill switch is engaged.
func (m *Metrics) SetKillSwitch(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.killSwitch.Set(1)
	} else {
		m.killSwitch.Set(0)
	}
}

// IncRebalance records a completed rebalancing pass.
func (m *Metrics) IncRebalance() {
	if m == nil {
		return
	}
	m.rebalances.Inc()
}

// ObserveAuthorize measures authorization latency.
func (m *Metrics) ObserveAuthorize(d time.Duration) {
	if m == nil {
		return
	}
	m.authorizeLatency.Observe(d)
}

// ObserveTick measures full tick latency.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickLatency.Observe(d)
}

// ObserveSnapshot measures snapshot assembly latency.
func (m *Metrics) ObserveSnapshot(d time.Duration) {
	if m == nil {
		return
	}
	m.snapshotLatency.Observe(d)
}

// Snapshot returns a copy of the in-process latency stats.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		AuthorizeLatency: m.authorizeLatency.Snapshot(),
		TickLatency:      m.tickLatency.Snapshot(),
		SnapshotLatency:  m.snapshotLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
