package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func statusMap(m map[string]string) StatusFunc {
	return func(id string) string { return m[id] }
}

func priorityMap(m map[string]int) PriorityFunc {
	return func(id string) int { return m[id] }
}

func TestRebuildAddsEdgeOnceRegardlessOfSide(t *testing.T) {
	g := New(nil)
	g.Rebuild([]TaskRelations{
		{
			TaskID:    "a",
			Relations: []TypedLink{{Type: "blocks", TaskID: "b"}},
		},
		{
			TaskID:           "b",
			InverseRelations: []TypedLink{{Type: "blocks", TaskID: "a"}},
		},
	})

	assert.Equal(t, 1, g.BlockedByCount("b"))
	assert.False(t, g.Dispatchable("b", statusMap(map[string]string{"a": "ready"})))
	assert.True(t, g.Dispatchable("b", statusMap(map[string]string{"a": "done"})))
}

func TestDispatchableWithNoBlockers(t *testing.T) {
	g := New(nil)
	assert.True(t, g.Dispatchable("lonely", statusMap(nil)))
}

func TestAddAndRemoveRelation(t *testing.T) {
	g := New(nil)
	g.AddRelation("a", "b")
	assert.False(t, g.Dispatchable("b", statusMap(map[string]string{"a": "ready"})))

	g.RemoveRelation("a", "b")
	assert.True(t, g.Dispatchable("b", statusMap(map[string]string{"a": "ready"})))
}

func TestEffectivePriorityPropagatesFromUrgentDownstream(t *testing.T) {
	g := New(nil)
	// low-priority task "a" blocks urgent task "b"
	g.AddRelation("a", "b")

	priorities := priorityMap(map[string]int{"a": 0, "b": 1})
	assert.Equal(t, 1, g.EffectivePriority("a", priorities))
}

func TestEffectivePriorityOwnPriorityWinsWhenLower(t *testing.T) {
	g := New(nil)
	g.AddRelation("a", "b")
	priorities := priorityMap(map[string]int{"a": 1, "b": 5})
	assert.Equal(t, 1, g.EffectivePriority("a", priorities))
}

func TestEffectivePriorityZeroWhenNothingHasPriority(t *testing.T) {
	g := New(nil)
	g.AddRelation("a", "b")
	priorities := priorityMap(map[string]int{"a": 0, "b": 0})
	assert.Equal(t, 0, g.EffectivePriority("a", priorities))
}

func TestEffectivePriorityHandlesCycleWithoutInfiniteLoop(t *testing.T) {
	g := New(nil)
	g.AddRelation("a", "b")
	g.AddRelation("b", "a")
	priorities := priorityMap(map[string]int{"a": 0, "b": 0})

	result := g.EffectivePriority("a", priorities)
	assert.Equal(t, 0, result)
}
