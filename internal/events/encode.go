package events

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeJSON renders an event as JSON, the format the HTTP/WebSocket
// facade streams to dashboards.
func EncodeJSON(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// EncodeMsgpack renders an event as msgpack, a more compact binary
// encoding for callers persisting the audit log at volume (the pack's
// aristath-sentinel repo uses msgpack for exactly this kind of
// high-frequency structured record).
func EncodeMsgpack(event Event) ([]byte, error) {
	return msgpack.Marshal(event)
}

// DecodeMsgpack reverses EncodeMsgpack, used by sinks that round-trip
// events through a durable store.
func DecodeMsgpack(data []byte) (Event, error) {
	var event Event
	err := msgpack.Unmarshal(data, &event)
	return event, err
}
