// Package monitor streams broker events to WebSocket clients. A Listener
// implements server.Observer and o11y.SnapshotPublisher and fans both out to
// every connected client whose subscriptions match the event topic; a Client
// subscribes to topic filters and receives the stream.
package monitor

// Message kind constants for the monitor protocol. They are carried in the
// "k" field of a WireMessage.
const (
	// Client to server
	MessageKindSubscribe   = "s"
	MessageKindUnsubscribe = "u"

	// Server to client
	MessageKindAck  = "a"
	MessageKindNack = "n"

	// Events have no kind; they carry a topic and data.
	MessageKindEvent = ""
)

// SnapshotTopic is the topic metric snapshots are published on.
const SnapshotTopic = "stats/metrics"

// WireMessage is the JSON structure exchanged over the socket. Field names
// are kept short since every event is sent to every matching client.
type WireMessage struct {
	Kind  string `json:"k,omitempty"`
	Topic string `json:"t,omitempty"`
	Data  any    `json:"d,omitempty"`
	Id    any    `json:"i,omitempty"`
	Error string `json:"e,omitempty"`
}
