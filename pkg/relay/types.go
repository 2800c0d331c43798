// Package relay implements the Intermediary: the WebSocket broker that
// integrations and Neuro-OS watchers connect to. It tracks peers, fans
// integration traffic out to watchers, routes watcher commands back to
// integrations, and queues targeted sends for absent integrations.
package relay

import "encoding/json"

// PeerKind discriminates the two registration types a client may claim.
type PeerKind string

const (
	// KindIntegration is a tool or game bridge relaying through the broker.
	KindIntegration PeerKind = "integration"
	// KindWatcher is a Neuro-OS monitoring client observing broker traffic.
	KindWatcher PeerKind = "neuro-os"
)

// Hello is the first frame every client must send after the WebSocket
// upgrade.
type Hello struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	AuthToken string `json:"auth_token"`
}

// WatcherCommand is the only frame shape watchers send: a command addressed
// to one integration.
type WatcherCommand struct {
	Target string          `json:"target"`
	Cmd    json.RawMessage `json:"cmd"`
}

// Watcher-facing event names.
const (
	EventIntegrationConnected    = "integration_connected"
	EventIntegrationDisconnected = "integration_disconnected"
	EventWatcherConnected        = "neuroos_connected"
	EventWatcherDisconnected     = "neuroos_disconnected"
	EventIntegrationMessage      = "integration_message"
	EventBinaryReceived          = "binary_received"
)

// Registration error strings, sent as {"error": ...} before closing.
const (
	errRegistrationNotJSON = "registration must be JSON"
	errInvalidAuthToken    = "invalid auth token"
	errUnknownType         = "unknown registration type"
)

// Watcher command reply strings.
const (
	errWatcherNotJSON   = "watcher messages must be JSON"
	errInvalidTargetCmd = "invalid target/cmd"
	errDeliveryFailed   = "failed to deliver to integration"
	errForwardFailed    = "relay->neuro forward failed"
	statusSent          = "sent"
)
