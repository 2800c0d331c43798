// Package neuro implements the wire protocol spoken with the upstream Neuro
// backend: the JSON envelope and command payloads, plus an outbound client
// that keeps that connection alive.
package neuro

import (
	"encoding/json"
	"fmt"
)

// Commands sent from an integration (or the relay acting as one) to the
// upstream backend.
const (
	CommandStartup           = "startup"
	CommandContext           = "context"
	CommandRegisterActions   = "actions/register"
	CommandUnregisterActions = "actions/unregister"
	CommandForceActions      = "actions/force"
	CommandActionResult      = "action/result"
)

// CommandAction is the one command the upstream backend sends back: a request
// to execute a previously registered action.
const CommandAction = "action"

// Message is the JSON envelope for every frame exchanged with the upstream
// backend. Data holds the command-specific payload and is kept raw so callers
// decode it against Command.
type Message struct {
	Command string          `json:"command"`
	Game    string          `json:"game,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Action describes one action an integration exposes to the backend.
type Action struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ActionSummary is the trimmed form of an Action used when asking peers to
// pick between actions.
type ActionSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Summarize trims a slice of actions down to name/description pairs.
func Summarize(actions []Action) []ActionSummary {
	out := make([]ActionSummary, 0, len(actions))
	for _, a := range actions {
		out = append(out, ActionSummary{Name: a.Name, Description: a.Description})
	}
	return out
}

// IncomingAction is the payload of an "action" frame from the backend. Data
// is a JSON-encoded string per the wire contract, not a nested object.
type IncomingAction struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data string `json:"data,omitempty"`
}

// ContextData is the payload of a "context" command.
type ContextData struct {
	Message string `json:"message"`
	Silent  bool   `json:"silent"`
}

// RegisterActionsData is the payload of an "actions/register" command.
type RegisterActionsData struct {
	Actions []Action `json:"actions"`
}

// UnregisterActionsData is the payload of an "actions/unregister" command.
type UnregisterActionsData struct {
	ActionNames []string `json:"action_names"`
}

// ForceActionsData is the payload of an "actions/force" command. State is a
// JSON-encoded string, mirroring IncomingAction.Data.
type ForceActionsData struct {
	State            string   `json:"state,omitempty"`
	Query            string   `json:"query"`
	ActionNames      []string `json:"action_names"`
	EphemeralContext bool     `json:"ephemeral_context,omitempty"`
}

// ActionResultData is the payload of an "action/result" command.
type ActionResultData struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NewStartup builds a "startup" message announcing the given game.
func NewStartup(game string) Message {
	return Message{Command: CommandStartup, Game: game}
}

// NewContext builds a "context" message.
func NewContext(game, message string, silent bool) (Message, error) {
	return build(CommandContext, game, ContextData{Message: message, Silent: silent})
}

// NewRegisterActions builds an "actions/register" message.
func NewRegisterActions(game string, actions []Action) (Message, error) {
	return build(CommandRegisterActions, game, RegisterActionsData{Actions: actions})
}

// NewUnregisterActions builds an "actions/unregister" message.
func NewUnregisterActions(game string, names []string) (Message, error) {
	return build(CommandUnregisterActions, game, UnregisterActionsData{ActionNames: names})
}

// NewForceActions builds an "actions/force" message.
func NewForceActions(game string, data ForceActionsData) (Message, error) {
	return build(CommandForceActions, game, data)
}

// NewActionResult builds an "action/result" message.
func NewActionResult(game, id string, success bool, resultMsg string) (Message, error) {
	return build(CommandActionResult, game, ActionResultData{ID: id, Success: success, Message: resultMsg})
}

// NewAction builds an "action" frame as the backend would send it. Used by
// the relay when it dispatches an upstream action to an integration.
func NewAction(id, name, data string) (Message, error) {
	return build(CommandAction, "", IncomingAction{ID: id, Name: name, Data: data})
}

func build(command, game string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", command, err)
	}
	return Message{Command: command, Game: game, Data: raw}, nil
}
