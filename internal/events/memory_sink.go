package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// trace is the bookkeeping kept for an in-flight StartTrace/EndTrace pair.
type trace struct {
	operation string
	startedAt time.Time
}

// session is the bookkeeping kept for an in-flight StartSession/EndSession
// pair.
type session struct {
	kind      string
	startedAt time.Time
}

// MemorySink is a reference Sink implementation: it keeps events in a
// bounded FIFO buffer and logs each one through zap. It is meant for
// tests, local development, and as the wiring target until a caller
// injects a durable sink. Grounded on the teacher's event bus
// (publish/subscribe skeleton, EventType taxonomy) collapsed to the
// narrower emit/trace/session shape spec §6.3 specifies.
type MemorySink struct {
	logger *zap.Logger

	mu       sync.Mutex
	events   []Event
	maxEvents int

	traces   map[string]trace
	sessions map[string]session
}

// NewMemorySink creates a MemorySink retaining at most maxEvents entries
// (oldest dropped first), matching the teacher's fixed-size FIFO eviction
// convention for bounded caches (spec §5 resource discipline).
func NewMemorySink(logger *zap.Logger, maxEvents int) *MemorySink {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &MemorySink{
		logger:    logger,
		maxEvents: maxEvents,
		traces:    make(map[string]trace),
		sessions:  make(map[string]session),
	}
}

// Emit appends the event to the buffer and logs it. Never blocks on I/O.
func (m *MemorySink) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	if len(m.events) > m.maxEvents {
		m.events = m.events[len(m.events)-m.maxEvents:]
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("event emitted",
			zap.String("type", string(event.EventType)),
			zap.String("category", string(event.EventCategory)),
			zap.String("asset", event.Asset),
			zap.String("reason", event.Reason),
		)
	}
}

// StartTrace begins a new trace and returns its ID.
func (m *MemorySink) StartTrace(operation string) string {
	id := uuid.New().String()
	m.mu.Lock()
	m.traces[id] = trace{operation: operation, startedAt: time.Now()}
	m.mu.Unlock()
	return id
}

// EndTrace closes a trace. Unknown trace IDs are a no-op, matching the
// fail-open posture spec §7 assigns to secondary audit machinery.
func (m *MemorySink) EndTrace(traceID string, success bool) {
	m.mu.Lock()
	t, ok := m.traces[traceID]
	if ok {
		delete(m.traces, traceID)
	}
	m.mu.Unlock()
	if !ok || m.logger == nil {
		return
	}
	m.logger.Debug("trace ended",
		zap.String("trace_id", traceID),
		zap.String("operation", t.operation),
		zap.Bool("success", success),
		zap.Duration("elapsed", time.Since(t.startedAt)),
	)
}

// StartSession begins a new session (one per rebalance invocation) and
// returns its ID.
func (m *MemorySink) StartSession(kind string) string {
	id := uuid.New().String()
	m.mu.Lock()
	m.sessions[id] = session{kind: kind, startedAt: time.Now()}
	m.mu.Unlock()
	return id
}

// EndSession closes a session, logging the final stats.
func (m *MemorySink) EndSession(sessionID string, stats SessionStats) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok || m.logger == nil {
		return
	}
	m.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("kind", s.kind),
		zap.Duration("elapsed", time.Since(s.startedAt)),
		zap.Int("targets_emitted", stats.TargetsEmitted),
		zap.Int("approved", stats.Approved),
		zap.Int("denied", stats.Denied),
		zap.Int("overrides", stats.Overrides),
	)
}

// Events returns a snapshot of retained events, oldest first.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsByAsset returns a snapshot filtered to a single asset, preserving
// chronological order.
func (m *MemorySink) EventsByAsset(asset string) []Event {
	all := m.Events()
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if e.Asset == asset {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
