package relay

import (
	"strings"
	"sync"

	"github.com/nakurity/neuro-relay/pkg/neuro"
)

// ActionRegistry tracks which integration owns which actions. Registrations
// survive disconnects so action routing can distinguish an unknown action
// from a known action whose owner is currently offline.
type ActionRegistry struct {
	mu            sync.RWMutex
	order         []string // integrations in first-registration order
	byIntegration map[string][]neuro.Action
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{byIntegration: make(map[string][]neuro.Action)}
}

// Replace stores the full action set for an integration, discarding any
// previous registration. Each actions/register frame carries the
// integration's complete current set.
func (r *ActionRegistry) Replace(integration string, actions []neuro.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.byIntegration[integration]; !seen {
		r.order = append(r.order, integration)
	}
	copied := make([]neuro.Action, len(actions))
	copy(copied, actions)
	r.byIntegration[integration] = copied
}

// Unregister removes the named actions from an integration's set. Names the
// integration never registered are ignored.
func (r *ActionRegistry) Unregister(integration string, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byIntegration[integration]
	if !ok {
		return
	}
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		drop[name] = true
	}
	kept := current[:0]
	for _, action := range current {
		if !drop[action.Name] {
			kept = append(kept, action)
		}
	}
	r.byIntegration[integration] = kept
}

// Actions returns a copy of one integration's registered actions.
func (r *ActionRegistry) Actions(integration string) []neuro.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current := r.byIntegration[integration]
	copied := make([]neuro.Action, len(current))
	copy(copied, current)
	return copied
}

// Collect flattens every integration's actions into one name-keyed map.
// When two integrations registered the same action name, the integration
// registered later wins.
func (r *ActionRegistry) Collect() map[string]neuro.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flat := make(map[string]neuro.Action)
	for _, integration := range r.order {
		for _, action := range r.byIntegration[integration] {
			flat[action.Name] = action
		}
	}
	return flat
}

// List returns the flattened actions in registration order with the same
// later-wins de-duplication as Collect.
func (r *ActionRegistry) List() []neuro.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := make(map[string]int)
	var out []neuro.Action
	for _, integration := range r.order {
		for _, action := range r.byIntegration[integration] {
			if at, seen := index[action.Name]; seen {
				out[at] = action
				continue
			}
			index[action.Name] = len(out)
			out = append(out, action)
		}
	}
	return out
}

// Resolve maps an action name to the integration that should execute it.
// Names of the form "integration.action" route by prefix without consulting
// the registry. Bare names search registrations in first-registration order.
func (r *ActionRegistry) Resolve(name string) (string, bool) {
	if before, _, found := strings.Cut(name, "."); found {
		return before, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, integration := range r.order {
		for _, action := range r.byIntegration[integration] {
			if action.Name == name {
				return integration, true
			}
		}
	}
	return "", false
}
