package state

import (
	"sync"
	"time"

	"main/internal/schema"

	"github.com/yanun0323/logs"
)

// LogBuffer keeps a bounded tail of fleet log events. Appends also emit to
// the process log; an optional sink receives every event for persistence.
type LogBuffer struct {
	mu   sync.Mutex
	buf  []schema.LogEvent
	cap  int
	sink func(schema.LogEvent)
}

// NewLogBuffer allocates a buffer holding the last capacity events.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{cap: capacity}
}

// SetSink installs a per-event hook. The hook must not block.
func (b *LogBuffer) SetSink(sink func(schema.LogEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Append records an event, trimming the oldest beyond capacity.
func (b *LogBuffer) Append(ev schema.LogEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.buf = append(b.buf, ev)
	if len(b.buf) > b.cap {
		b.buf = b.buf[len(b.buf)-b.cap:]
	}
	sink := b.sink
	b.mu.Unlock()

	switch ev.Severity {
	case schema.SeverityError:
		logs.Errorf("[%s] %s", ev.AccountID, ev.Message)
	case schema.SeverityWarn:
		logs.Warnf("[%s] %s", ev.AccountID, ev.Message)
	default:
		logs.Infof("[%s] %s", ev.AccountID, ev.Message)
	}
	if sink != nil {
		sink(ev)
	}
}

// Account appends an account-scoped event.
func (b *LogBuffer) Account(id schema.AccountID, severity schema.Severity, message string) {
	b.Append(schema.LogEvent{AccountID: id, Severity: severity, Message: message})
}

// Fleet appends a fleet-wide event.
func (b *LogBuffer) Fleet(severity schema.Severity, message string) {
	b.Append(schema.LogEvent{Severity: severity, Message: message})
}

// Tail returns up to n most recent events in chronological order.
func (b *LogBuffer) Tail(n int) []schema.LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.buf) == 0 {
		return nil
	}
	if n > len(b.buf) {
		n = len(b.buf)
	}
	out := make([]schema.LogEvent, n)
	copy(out, b.buf[len(b.buf)-n:])
	return out
}
