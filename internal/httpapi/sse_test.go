package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/model"
)

func TestRenderEventDistinguishesInvocationStartedFromCompleted(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskRunning)))
	runningID, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationRunning})
	require.NoError(t, err)
	doneID, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationCompleted})
	require.NoError(t, err)

	h := newAPIHandler(deps.routerDeps())

	name, _ := h.renderEvent(eventbus.Event{Kind: eventbus.KindInvocationUpdated, Payload: runningID})
	assert.Equal(t, "invocation:started", name)

	name, _ = h.renderEvent(eventbus.Event{Kind: eventbus.KindInvocationUpdated, Payload: doneID})
	assert.Equal(t, "invocation:completed", name)

	name, _ = h.renderEvent(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: "task-1"})
	assert.Equal(t, "task:updated", name)
}
