package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca-sub001/internal/model"
)

func TestHandleListTasksIncludesInvocationCount(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskReady)))
	_, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationCompleted})
	require.NoError(t, err)

	h := newAPIHandler(deps.routerDeps())
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rr := httptest.NewRecorder()
	h.handleListTasks(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var rows []taskRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].InvocationCount)
}

func TestHandleGetTaskNotFound(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil)
	req.SetPathValue("task_id", "missing")
	rr := httptest.NewRecorder()
	h.handleGetTask(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleSetTaskStatusRejectsUnknownStatus(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskBacklog)))
	h := newAPIHandler(deps.routerDeps())

	body, _ := json.Marshal(statusRequest{Status: "nonsense"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/task-1/status", bytes.NewReader(body))
	req.SetPathValue("task_id", "task-1")
	rr := httptest.NewRecorder()
	h.handleSetTaskStatus(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSetTaskStatusConflictWhenUnchanged(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskReady)))
	h := newAPIHandler(deps.routerDeps())

	body, _ := json.Marshal(statusRequest{Status: "ready"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/task-1/status", bytes.NewReader(body))
	req.SetPathValue("task_id", "task-1")
	rr := httptest.NewRecorder()
	h.handleSetTaskStatus(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleSetTaskStatusKillsRunningInvocation(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskRunning)))
	invID, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationRunning})
	require.NoError(t, err)
	handle := newFakeHandle(true)
	deps.scheduler.Handles().Put(invID, handle)

	h := newAPIHandler(deps.routerDeps())
	body, _ := json.Marshal(statusRequest{Status: "done"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/task-1/status", bytes.NewReader(body))
	req.SetPathValue("task_id", "task-1")
	rr := httptest.NewRecorder()
	h.handleSetTaskStatus(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	task, err := deps.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, task.Status)
	inv, err := deps.store.GetInvocation(invID)
	require.NoError(t, err)
	assert.Equal(t, model.InvocationFailed, inv.Status)
}

func TestHandleRetryTaskRequiresFailedStatus(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskReady)))
	h := newAPIHandler(deps.routerDeps())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/task-1/retry", nil)
	req.SetPathValue("task_id", "task-1")
	rr := httptest.NewRecorder()
	h.handleRetryTask(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleRetryTaskResetsTask(t *testing.T) {
	deps := newTestDeps(t)
	task := sampleTask("task-1", model.TaskFailed)
	task.RetryCount = 2
	task.ReviewCycle = 1
	require.NoError(t, deps.store.InsertTask(task))
	h := newAPIHandler(deps.routerDeps())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/task-1/retry", nil)
	req.SetPathValue("task_id", "task-1")
	rr := httptest.NewRecorder()
	h.handleRetryTask(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	got, err := deps.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Zero(t, got.ReviewCycle)
}

func TestHandleAbortInvocationRequiresRunning(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskDone)))
	invID, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationCompleted})
	require.NoError(t, err)

	h := newAPIHandler(deps.routerDeps())
	req := httptest.NewRequest(http.MethodPost, "/api/invocations/1/abort", nil)
	req.SetPathValue("invocation_id", "1")
	rr := httptest.NewRecorder()
	h.handleAbortInvocation(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
	_ = invID
}

func TestHandleAbortInvocationKillsAndResetsTask(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskRunning)))
	invID, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationRunning})
	require.NoError(t, err)
	handle := newFakeHandle(true)
	deps.scheduler.Handles().Put(invID, handle)

	h := newAPIHandler(deps.routerDeps())
	req := httptest.NewRequest(http.MethodPost, "/api/invocations/1/abort", nil)
	req.SetPathValue("invocation_id", "1")
	rr := httptest.NewRecorder()
	h.handleAbortInvocation(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	task, err := deps.store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, task.Status)
}

func TestHandlePromptInvocationRejectsEmptyMessage(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	body, _ := json.Marshal(promptRequest{Message: "   "})
	req := httptest.NewRequest(http.MethodPost, "/api/invocations/1/prompt", bytes.NewReader(body))
	req.SetPathValue("invocation_id", "1")
	rr := httptest.NewRecorder()
	h.handlePromptInvocation(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlePromptInvocationSendsToLiveHandle(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskRunning)))
	invID, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationRunning})
	require.NoError(t, err)
	handle := newFakeHandle(true)
	deps.scheduler.Handles().Put(invID, handle)

	h := newAPIHandler(deps.routerDeps())
	body, _ := json.Marshal(promptRequest{Message: "keep going"})
	req := httptest.NewRequest(http.MethodPost, "/api/invocations/1/prompt", bytes.NewReader(body))
	req.SetPathValue("invocation_id", "1")
	rr := httptest.NewRecorder()
	h.handlePromptInvocation(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"keep going"}, handle.promptCalls)
}

func TestHandlePromptInvocationNoLiveHandle(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskRunning)))
	_, err := deps.store.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationRunning})
	require.NoError(t, err)

	h := newAPIHandler(deps.routerDeps())
	body, _ := json.Marshal(promptRequest{Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/invocations/1/prompt", bytes.NewReader(body))
	req.SetPathValue("invocation_id", "1")
	rr := httptest.NewRecorder()
	h.handlePromptInvocation(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleStatusReportsBudgetAndCounts(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskReady)))
	require.NoError(t, deps.store.InsertTask(sampleTask("task-2", model.TaskRunning)))

	h := newAPIHandler(deps.routerDeps())
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	h.handleStatus(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TasksByStatus[model.TaskReady])
	assert.Equal(t, deps.scheduler.concurrencyCap, resp.ConcurrencyCap)
	assert.Equal(t, deps.scheduler.budgetMaxCostUSD, resp.BudgetMaxUSD)
}

func TestHandleConfigAppliesOverridesAndValidates(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	badBody, _ := json.Marshal(configOverride{ConcurrencyCap: intPtr(0)})
	req := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(badBody))
	rr := httptest.NewRecorder()
	h.handleConfig(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	goodBody, _ := json.Marshal(configOverride{ConcurrencyCap: intPtr(7), BudgetMaxCostUSD: floatPtr(99.5)})
	req2 := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(goodBody))
	rr2 := httptest.NewRecorder()
	h.handleConfig(rr2, req2)
	require.Equal(t, http.StatusOK, rr2.Code)
	assert.Equal(t, 7, deps.scheduler.concurrencyCap)
	assert.Equal(t, 99.5, deps.scheduler.budgetMaxCostUSD)
}

func intPtr(n int) *int          { return &n }
func floatPtr(f float64) *float64 { return &f }
