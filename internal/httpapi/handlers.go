package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/metrics"
	"github.com/emily-flambe/orca-sub001/internal/model"
	"github.com/emily-flambe/orca-sub001/internal/store"
	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

// apiHandler groups every route's implementation behind the collaborators
// it needs, mirroring the teacher's one-handler-struct-per-concern layout
// (its APIHandler bundles task/session/snapshot services the same way).
type apiHandler struct {
	store          *store.Store
	scheduler      SchedulerController
	sync           *synchronizer.Synchronizer
	bus            *eventbus.Bus
	workflowStates func() map[string]tracker.WorkflowState
	logger         logging.Logger
	metrics        *metrics.Registry

	systemLogPath     string
	webhookSecret      string
	webhookProjectIDs map[string]bool
}

func newAPIHandler(deps RouterDeps) *apiHandler {
	return &apiHandler{
		store:             deps.Store,
		scheduler:         deps.Scheduler,
		sync:              deps.Sync,
		bus:               deps.Bus,
		workflowStates:    deps.WorkflowStates,
		logger:            logging.OrNop(deps.Logger),
		metrics:           deps.Metrics,
		systemLogPath:     deps.SystemLogPath,
		webhookSecret:     deps.WebhookSecret,
		webhookProjectIDs: deps.WebhookProjectIDs,
	}
}

func pathInt64(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(r.PathValue(param), 10, 64)
}

// taskRow augments a task with its invocation count for GET /api/tasks.
type taskRow struct {
	model.Task
	InvocationCount int `json:"invocationCount"`
}

func (h *apiHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.store.ListTasks()
	rows := make([]taskRow, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, taskRow{Task: t, InvocationCount: len(h.store.ListInvocationsByTask(t.ID))})
	}
	writeJSON(w, http.StatusOK, rows)
}

type taskDetail struct {
	model.Task
	Invocations []model.Invocation `json:"invocations"`
}

func (h *apiHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	task, err := h.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: task, Invocations: h.store.ListInvocationsByTask(id)})
}

type statusRequest struct {
	Status string `json:"status"`
}

var settableStatuses = map[string]model.TaskStatus{
	"backlog": model.TaskBacklog,
	"ready":   model.TaskReady,
	"done":    model.TaskDone,
}

func (h *apiHandler) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	task, err := h.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	var body statusRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	target, ok := settableStatuses[body.Status]
	if !ok {
		writeError(w, http.StatusBadRequest, "status must be one of backlog, ready, done")
		return
	}
	if task.Status == target {
		writeError(w, http.StatusConflict, "task already has the requested status")
		return
	}

	h.killRunningInvocation(id, "task status set via API")
	if err := h.store.UpdateTaskStatus(id, target); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update task")
		return
	}
	h.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: id})
	h.sync.WriteBack(r.Context(), id, transitionForStatus(target), h.workflowStates())
	writeJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}

func transitionForStatus(status model.TaskStatus) synchronizer.Transition {
	switch status {
	case model.TaskReady:
		return synchronizer.TransitionRetry
	case model.TaskDone:
		return synchronizer.TransitionDone
	default:
		return synchronizer.TransitionFailedPermanent
	}
}

func (h *apiHandler) killRunningInvocation(taskID, reason string) {
	for _, inv := range h.store.ListRunningInvocations() {
		if inv.TaskID != taskID {
			continue
		}
		if handle, ok := h.scheduler.Handles().Get(inv.ID); ok {
			<-handle.Kill()
		}
		h.store.UpdateInvocation(inv.ID, func(i *model.Invocation) {
			i.Status = model.InvocationFailed
			i.OutputSummary = "interrupted: " + reason
			now := time.Now().UTC()
			i.EndedAt = &now
		})
	}
}

func (h *apiHandler) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	task, err := h.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status != model.TaskFailed {
		writeError(w, http.StatusConflict, "task is not failed")
		return
	}
	h.store.UpdateTask(id, func(t *model.Task) {
		t.Status = model.TaskReady
		t.RetryCount = 0
		t.ReviewCycle = 0
	})
	h.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: id})
	h.sync.WriteBack(r.Context(), id, synchronizer.TransitionRetry, h.workflowStates())
	h.commentOnRetry(r, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// commentOnRetry posts a best-effort note to the tracker issue; failures
// are logged and otherwise ignored, matching the write-back propagation
// rule that tracker-side side effects never block the local transition.
func (h *apiHandler) commentOnRetry(r *http.Request, taskID string) {
	tc := h.sync.Tracker()
	if tc == nil {
		return
	}
	if err := tc.CreateComment(r.Context(), taskID, "Orca: task manually retried."); err != nil {
		h.logger.Warn("httpapi: best-effort retry comment on %s failed: %v", taskID, err)
	}
}

func (h *apiHandler) handleAbortInvocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "invocation_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}
	inv, err := h.store.GetInvocation(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if inv.Status != model.InvocationRunning {
		writeError(w, http.StatusConflict, "invocation is not running")
		return
	}

	if handle, ok := h.scheduler.Handles().Get(id); ok {
		<-handle.Kill()
	}
	h.store.UpdateInvocation(id, func(i *model.Invocation) {
		i.Status = model.InvocationFailed
		i.OutputSummary = "aborted via API"
		now := time.Now().UTC()
		i.EndedAt = &now
	})
	h.store.UpdateTask(inv.TaskID, func(t *model.Task) {
		t.Status = model.TaskReady
		t.RetryCount = 0
		t.ReviewCycle = 0
	})
	h.sync.WriteBack(r.Context(), inv.TaskID, synchronizer.TransitionRetry, h.workflowStates())
	h.bus.Publish(eventbus.Event{Kind: eventbus.KindInvocationUpdated, Payload: id})
	h.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: inv.TaskID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

type promptRequest struct {
	Message string `json:"message"`
}

func (h *apiHandler) handlePromptInvocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "invocation_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invocation id")
		return
	}

	var body promptRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	trimmed := strings.TrimSpace(body.Message)
	if trimmed == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	inv, err := h.store.GetInvocation(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if inv.Status != model.InvocationRunning {
		writeError(w, http.StatusConflict, "invocation is not running")
		return
	}

	handle, ok := h.scheduler.Handles().Get(id)
	if !ok || !handle.Prompt(trimmed) {
		writeError(w, http.StatusConflict, "no live session to prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *apiHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.sync.FullSync(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": result.Processed})
}

type statusResponse struct {
	TasksByStatus   map[model.TaskStatus]int `json:"tasksByStatus"`
	RunningCount    int                      `json:"runningCount"`
	ConcurrencyCap  int                      `json:"concurrencyCap"`
	WindowSpendUSD  float64                  `json:"windowSpendUsd"`
	BudgetMaxUSD    float64                  `json:"budgetMaxUsd"`
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := h.scheduler.Snapshot()
	byStatus := make(map[model.TaskStatus]int)
	for _, t := range h.store.ListTasks() {
		byStatus[t.Status]++
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TasksByStatus:  byStatus,
		RunningCount:   h.store.CountTasksWithRunningInvocation(),
		ConcurrencyCap: h.scheduler.ConcurrencyCap(),
		WindowSpendUSD: h.store.SumBudgetSince(time.Now().Add(-cfg.BudgetWindow)),
		BudgetMaxUSD:   h.scheduler.BudgetMaxCostUSD(),
	})
}

type configOverride struct {
	ConcurrencyCap   *int     `json:"concurrencyCap"`
	BudgetMaxCostUSD *float64 `json:"budgetMaxCostUsd"`
}

func (h *apiHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	var body configOverride
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ConcurrencyCap != nil {
		if *body.ConcurrencyCap <= 0 {
			writeError(w, http.StatusBadRequest, "concurrencyCap must be positive")
			return
		}
		h.scheduler.SetConcurrencyCap(*body.ConcurrencyCap)
	}
	if body.BudgetMaxCostUSD != nil {
		if *body.BudgetMaxCostUSD <= 0 {
			writeError(w, http.StatusBadRequest, "budgetMaxCostUsd must be positive")
			return
		}
		h.scheduler.SetBudgetMaxCostUSD(*body.BudgetMaxCostUSD)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concurrencyCap":   h.scheduler.ConcurrencyCap(),
		"budgetMaxCostUsd": h.scheduler.BudgetMaxCostUSD(),
	})
}
