package api

import (
	"time"

	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/google/uuid"
)

// BroadcastSink decorates an events.Sink so every emitted event is also
// pushed to WebSocket clients subscribed to the "events" channel, in
// addition to whatever the wrapped sink does (logging, retention). The
// engine itself stays unaware that anything is listening live.
type BroadcastSink struct {
	inner  events.Sink
	server *Server
}

// NewBroadcastSink wraps inner with live WebSocket fan-out through
// server.
func NewBroadcastSink(inner events.Sink, server *Server) *BroadcastSink {
	return &BroadcastSink{inner: inner, server: server}
}

func (b *BroadcastSink) Emit(event events.Event) {
	b.inner.Emit(event)
	b.server.broadcastToSubscribers("events", &Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    string(event.EventType),
		Payload:   event,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (b *BroadcastSink) StartTrace(operation string) string {
	return b.inner.StartTrace(operation)
}

func (b *BroadcastSink) EndTrace(traceID string, success bool) {
	b.inner.EndTrace(traceID, success)
}

func (b *BroadcastSink) StartSession(kind string) string {
	return b.inner.StartSession(kind)
}

func (b *BroadcastSink) EndSession(sessionID string, stats events.SessionStats) {
	b.inner.EndSession(sessionID, stats)
}

// Events and EventsByAsset delegate to inner when it retains history
// (e.g. events.MemorySink), so handleGetEvents works through the
// decorator transparently.
func (b *BroadcastSink) Events() []events.Event {
	type lister interface{ Events() []events.Event }
	if l, ok := b.inner.(lister); ok {
		return l.Events()
	}
	return nil
}

func (b *BroadcastSink) EventsByAsset(asset string) []events.Event {
	type lister interface {
		EventsByAsset(string) []events.Event
	}
	if l, ok := b.inner.(lister); ok {
		return l.EventsByAsset(asset)
	}
	return nil
}
