package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nakurity/neuro-relay/pkg/neuro"
)

func TestActionRegistryReplaceAndCollect(t *testing.T) {
	r := NewActionRegistry()
	r.Replace("alpha", []neuro.Action{
		{Name: "jump", Description: "jump once"},
		{Name: "wave", Description: "wave hello"},
	})
	r.Replace("beta", []neuro.Action{
		{Name: "jump", Description: "jump higher"},
	})

	flat := r.Collect()
	require.Len(t, flat, 2)
	assert.Equal(t, "jump higher", flat["jump"].Description, "later registration wins")
	assert.Equal(t, "wave hello", flat["wave"].Description)
}

func TestActionRegistryReplaceIsIdempotent(t *testing.T) {
	actions := []neuro.Action{{Name: "jump", Description: "jump once"}}

	once := NewActionRegistry()
	once.Replace("alpha", actions)

	twice := NewActionRegistry()
	twice.Replace("alpha", actions)
	twice.Replace("alpha", actions)

	assert.Equal(t, once.Collect(), twice.Collect())
	assert.Equal(t, once.List(), twice.List())
}

func TestActionRegistryReplaceDiscardsPrevious(t *testing.T) {
	r := NewActionRegistry()
	r.Replace("alpha", []neuro.Action{{Name: "old"}})
	r.Replace("alpha", []neuro.Action{{Name: "new"}})

	flat := r.Collect()
	require.Len(t, flat, 1)
	assert.Contains(t, flat, "new")

	_, ok := r.Resolve("old")
	assert.False(t, ok)
}

func TestActionRegistryUnregister(t *testing.T) {
	r := NewActionRegistry()
	r.Replace("alpha", []neuro.Action{{Name: "jump"}, {Name: "wave"}})

	r.Unregister("alpha", []string{"jump", "never-existed"})
	assert.Equal(t, []neuro.Action{{Name: "wave"}}, r.Actions("alpha"))

	// Unknown integration is a no-op.
	r.Unregister("ghost", []string{"jump"})
	assert.Empty(t, r.Actions("ghost"))
}

func TestActionRegistryResolvePrefix(t *testing.T) {
	r := NewActionRegistry()

	owner, ok := r.Resolve("alpha.jump")
	require.True(t, ok, "prefixed names resolve without a registration")
	assert.Equal(t, "alpha", owner)

	owner, ok = r.Resolve("alpha.sub.jump")
	require.True(t, ok)
	assert.Equal(t, "alpha", owner, "only the first dot splits")
}

func TestActionRegistryResolveSearch(t *testing.T) {
	r := NewActionRegistry()
	r.Replace("alpha", []neuro.Action{{Name: "jump"}})
	r.Replace("beta", []neuro.Action{{Name: "jump"}, {Name: "dig"}})

	owner, ok := r.Resolve("jump")
	require.True(t, ok)
	assert.Equal(t, "alpha", owner, "first registration order wins for bare names")

	owner, ok = r.Resolve("dig")
	require.True(t, ok)
	assert.Equal(t, "beta", owner)

	_, ok = r.Resolve("fly")
	assert.False(t, ok)
}

func TestActionRegistryListKeepsOrder(t *testing.T) {
	r := NewActionRegistry()
	r.Replace("alpha", []neuro.Action{{Name: "a1"}, {Name: "shared", Description: "from alpha"}})
	r.Replace("beta", []neuro.Action{{Name: "b1"}, {Name: "shared", Description: "from beta"}})

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a1", list[0].Name)
	assert.Equal(t, "shared", list[1].Name)
	assert.Equal(t, "from beta", list[1].Description, "duplicate keeps its first position, last value")
	assert.Equal(t, "b1", list[2].Name)
}

func TestActionRegistryActionsReturnsCopy(t *testing.T) {
	r := NewActionRegistry()
	r.Replace("alpha", []neuro.Action{{Name: "jump", Schema: json.RawMessage(`{"type":"object"}`)}})

	got := r.Actions("alpha")
	got[0].Name = "mutated"

	assert.Equal(t, "jump", r.Actions("alpha")[0].Name)
}
