package linker

import (
	"encoding/json"
	"fmt"

	"github.com/nakurity/neuro-relay/pkg/neuro"
)

// opChooseForceAction marks an event payload that must be promoted to an
// actions/force envelope instead of a context message.
const opChooseForceAction = "choose_force_action"

// translate converts one traffic item into its upstream envelope.
func translate(item TrafficItem, game string) (neuro.Message, error) {
	switch item.Kind {
	case KindRegisterActions:
		return neuro.NewRegisterActions(game, item.Actions)
	case KindEvent:
		if op, _ := item.Payload["op"].(string); op == opChooseForceAction {
			return translateForceAction(item, game)
		}
		return neuro.NewContext(game, contextMessage(item), true)
	}
	return neuro.Message{}, fmt.Errorf("unknown traffic kind %q", item.Kind)
}

// translateForceAction builds the actions/force envelope from a
// choose_force_action payload. State is carried as stringified JSON; absent
// fields fall back to the protocol defaults.
func translateForceAction(item TrafficItem, game string) (neuro.Message, error) {
	state := "{}"
	if s, ok := item.Payload["state"]; ok && s != nil {
		if encoded, err := json.Marshal(s); err == nil {
			state = string(encoded)
		}
	}

	query := "Choose an action"
	if q, ok := item.Payload["query"].(string); ok && q != "" {
		query = q
	}

	var names []string
	if actions, ok := item.Payload["actions"].([]any); ok {
		for _, a := range actions {
			entry, ok := a.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := entry["name"].(string); ok {
				names = append(names, name)
			}
		}
	}

	ephemeral, _ := item.Payload["ephemeral_context"].(bool)

	return neuro.NewForceActions(game, neuro.ForceActionsData{
		State:            state,
		Query:            query,
		ActionNames:      names,
		EphemeralContext: ephemeral,
	})
}

// contextMessage renders the human-readable line for a context envelope.
// Every event translates to a silent context message; these strings are what
// the upstream operator sees.
func contextMessage(item TrafficItem) string {
	switch item.Event {
	case "integration_message":
		if cmd, _ := item.Payload["command"].(string); cmd == "startup" {
			game := "unknown-game"
			if g, ok := item.Payload["game"].(string); ok {
				game = g
			}
			return fmt.Sprintf("🎮 Integration '%s' connected with game '%s'", item.Origin, game)
		}
		if status, _ := item.Payload["status"].(string); status == "ready" {
			title := item.Origin
			if g, ok := item.Payload["game"].(string); ok && g != "" {
				title = g
			}
			return fmt.Sprintf("✅ Integration '%s' is ready via relay", title)
		}
		return fmt.Sprintf("📨 Message from integration '%s': %s", item.Origin, encodePayload(item.Payload))
	case "integration_connected":
		return fmt.Sprintf("🔌 Integration '%s' connected to relay", item.Origin)
	case "integration_disconnected":
		return fmt.Sprintf("🔌 Integration '%s' disconnected from relay", item.Origin)
	case "action_test":
		action := "unknown"
		if a, ok := item.Payload["action"].(string); ok {
			action = a
		}
		return fmt.Sprintf("🧪 Testing action '%s' from integration '%s'", action, item.Origin)
	default:
		return fmt.Sprintf("📡 Event '%s' from integration '%s': %s", item.Event, item.Origin, encodePayload(item.Payload))
	}
}

func encodePayload(p map[string]any) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}
