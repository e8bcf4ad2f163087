package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca-sub001/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "orca.json"))
	require.NoError(t, err)
	return s
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s := openTemp(t)
	assert.Empty(t, s.ListTasks())
	assert.Empty(t, s.ListInvocations())
}

func TestInsertAndGetTask(t *testing.T) {
	s := openTemp(t)
	task := model.Task{ID: "task-1", Prompt: "fix the thing", Status: model.TaskBacklog}
	require.NoError(t, s.InsertTask(task))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "fix the thing", got.Prompt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestInsertTaskDuplicateRejected(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.InsertTask(model.Task{ID: "task-1"}))
	err := s.InsertTask(model.Task{ID: "task-1"})
	assert.Error(t, err)
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTemp(t)
	_, err := s.GetTask("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksOrdersByPriorityThenCreatedAt(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.InsertTask(model.Task{ID: "no-priority", Priority: 0}))
	require.NoError(t, s.InsertTask(model.Task{ID: "p2", Priority: 2}))
	require.NoError(t, s.InsertTask(model.Task{ID: "p1", Priority: 1}))

	tasks := s.ListTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "p1", tasks[0].ID)
	assert.Equal(t, "p2", tasks[1].ID)
	assert.Equal(t, "no-priority", tasks[2].ID)
}

func TestUpdateTaskStatusSetsCompletedAt(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.InsertTask(model.Task{ID: "task-1"}))
	require.NoError(t, s.UpdateTaskStatus("task-1", model.TaskDone))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestHasRunningInvocation(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.InsertTask(model.Task{ID: "task-1"}))
	assert.False(t, s.HasRunningInvocation("task-1"))

	_, err := s.InsertInvocation(model.Invocation{TaskID: "task-1", Status: model.InvocationRunning})
	require.NoError(t, err)
	assert.True(t, s.HasRunningInvocation("task-1"))
}

func TestInsertInvocationAssignsMonotonicIDs(t *testing.T) {
	s := openTemp(t)
	id1, err := s.InsertInvocation(model.Invocation{TaskID: "task-1"})
	require.NoError(t, err)
	id2, err := s.InsertInvocation(model.Invocation{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, id1+1, id2)
}

func TestListInvocationsByTaskMostRecentFirst(t *testing.T) {
	s := openTemp(t)
	id1, err := s.InsertInvocation(model.Invocation{TaskID: "task-1"})
	require.NoError(t, err)
	id2, err := s.InsertInvocation(model.Invocation{TaskID: "task-1"})
	require.NoError(t, err)

	list := s.ListInvocationsByTask("task-1")
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID)
	assert.Equal(t, id1, list[1].ID)
}

func TestInsertBudgetEventRejectsNonPositiveCost(t *testing.T) {
	s := openTemp(t)
	err := s.InsertBudgetEvent(model.BudgetEvent{InvocationID: 1, CostUSD: 0})
	assert.Error(t, err)
}

func TestSumBudgetSinceFiltersByCutoff(t *testing.T) {
	s := openTemp(t)
	now := time.Now().UTC()
	require.NoError(t, s.InsertBudgetEvent(model.BudgetEvent{InvocationID: 1, CostUSD: 1.5, Timestamp: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.InsertBudgetEvent(model.BudgetEvent{InvocationID: 2, CostUSD: 2.5, Timestamp: now}))

	total := s.SumBudgetSince(now.Add(-time.Hour))
	assert.InDelta(t, 2.5, total, 0.0001)
}

func TestReopenPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orca.json")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.InsertTask(model.Task{ID: "task-1", Prompt: "persisted"}))

	s2, err := Open(path)
	require.NoError(t, err)
	got, err := s2.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Prompt)
}

func TestDeleteTask(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.InsertTask(model.Task{ID: "task-1"}))
	require.NoError(t, s.DeleteTask("task-1"))
	_, err := s.GetTask("task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
