package relay

import "encoding/json"

// PeerEventPayload announces a peer connecting to or leaving the broker.
// Sent to every watcher.
type PeerEventPayload struct {
	Event string `json:"event"` // integration_connected, integration_disconnected, neuroos_connected, neuroos_disconnected
	Name  string `json:"name"`  // peer's registered name
}

// IntegrationMessagePayload echoes one integration text frame to watchers.
// Sent before the frame is handed to the upstream forwarder, so watchers see
// traffic even when forwarding fails.
type IntegrationMessagePayload struct {
	Event   string          `json:"event"` // always integration_message
	From    string          `json:"from"`  // originating integration
	Payload json.RawMessage `json:"payload"`
}

// BinaryReceivedPayload summarizes an integration binary frame for watchers.
// The frame itself goes to disk, not over the watcher sockets.
type BinaryReceivedPayload struct {
	Event string `json:"event"` // always binary_received
	From  string `json:"from"`  // originating integration
	Size  int    `json:"size"`  // frame length in bytes
	File  string `json:"file"`  // path the frame was written to
}

// RawTextPayload wraps a non-JSON text frame so downstream consumers always
// see an object.
type RawTextPayload struct {
	Action string `json:"action"` // always raw_text
	Raw    string `json:"raw"`    // the original frame verbatim
}

// WatcherRelayPayload is what a target integration receives when a watcher
// sends it a command through the broker.
type WatcherRelayPayload struct {
	FromWatcher string          `json:"from_watcher"` // originating watcher
	Cmd         json.RawMessage `json:"cmd"`
}

// ResultReply wraps a forwarder's return value back to the integration that
// triggered it.
type ResultReply struct {
	Result any `json:"result"`
}

// ErrorReply is the uniform {"error": ...} protocol reply.
type ErrorReply struct {
	Error string `json:"error"`
}

// StatusReply acknowledges a watcher command delivery.
type StatusReply struct {
	Status string `json:"status"`
}
