package backend

import (
	"github.com/nakurity/neuro-relay/pkg/neuro"
)

// Events emitted to watchers by the backend adapter.
const (
	EventConnectedViaBackend    = "integration_connected_via_backend"
	EventDisconnectedViaBackend = "integration_disconnected_via_backend"
	EventChooseAction           = "choose_action"
	EventChooseActionRequest    = "choose_action_request"
	EventAddContext             = "add_context"
)

// ForcedActionRequest describes one forced-action round: the question, the
// candidate actions, and the game context it belongs to. State carries
// JSON-encoded text, matching the actions/force wire field.
type ForcedActionRequest struct {
	GameTitle        string
	State            string
	Query            string
	EphemeralContext bool
	Actions          []neuro.ActionSummary
}

// ChooseActionRequest is the question fanned out to watchers and
// integrations during a forced-action round.
type ChooseActionRequest struct {
	Type             string                `json:"type"`              // always "choose_action_request"
	GameTitle        string                `json:"game_title"`        // game the round belongs to
	State            string                `json:"state"`             // JSON-encoded game state
	Query            string                `json:"query"`             // the question being asked
	EphemeralContext bool                  `json:"ephemeral_context"` // context does not persist past the round
	Actions          []neuro.ActionSummary `json:"actions"`           // candidate actions
}

// EventPayload wraps an arbitrary payload under a named event for watcher
// and integration fan-out.
type EventPayload struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// AddContextPayload notifies watchers about a context message observed on
// the relay path.
type AddContextPayload struct {
	Event          string `json:"event"`             // always "add_context"
	GameTitle      string `json:"game_title"`        // originating game
	Message        string `json:"message"`           // context text
	ReplyIfNotBusy bool   `json:"reply_if_not_busy"` // inverse of the wire's silent flag
}

// AcceptedReply acknowledges a relay payload. Echo carries the payload back
// on the generic path, mirroring what the sender transmitted.
type AcceptedReply struct {
	Accepted bool           `json:"accepted"`
	Echo     map[string]any `json:"echo,omitempty"`
}

// RegisteredActionsReply answers a get_registered_actions query with the
// flat action map.
type RegisteredActionsReply struct {
	Actions map[string]neuro.Action `json:"actions"`
}

// DispatchedReply reports a successfully routed action and the id its
// result will carry.
type DispatchedReply struct {
	Dispatched bool   `json:"dispatched"`
	ID         string `json:"id"`
}
