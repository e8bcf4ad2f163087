// Package model defines Orca's persistent data model: tasks, invocations,
// and budget events.
package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskBacklog           TaskStatus = "backlog"
	TaskReady             TaskStatus = "ready"
	TaskDispatched        TaskStatus = "dispatched"
	TaskRunning           TaskStatus = "running"
	TaskInReview          TaskStatus = "in_review"
	TaskChangesRequested  TaskStatus = "changes_requested"
	TaskDeploying         TaskStatus = "deploying"
	TaskAwaitingCI        TaskStatus = "awaiting_ci"
	TaskDone              TaskStatus = "done"
	TaskFailed            TaskStatus = "failed"
)

// Terminal reports whether a task status is a terminal state for the
// purposes of cleanup's branch-protection rule (§4.11).
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Task is a unit of work originating from the tracker.
type Task struct {
	ID              string     `json:"id"`
	Prompt          string     `json:"prompt"`
	RepoRoot        string     `json:"repoRoot"`
	Status          TaskStatus `json:"status"`
	Priority        int        `json:"priority"`
	RetryCount      int        `json:"retryCount"`
	ReviewCycle     int        `json:"reviewCycle"`
	PRBranch        string     `json:"prBranch,omitempty"`
	ParentTaskID    string     `json:"parentTaskId,omitempty"`
	IsParent        bool       `json:"isParent"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`

	// transientFailureCount tracks consecutive DLL-init/signal-killed
	// worktree failures for this task (spec §4.9 dispatch step). Persisted
	// so a process restart mid-streak does not lose the count.
	TransientFailureCount int `json:"transientFailureCount"`
}

// InvocationStatus is the lifecycle state of an Invocation.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Invocation is one agent-session attempt against a task.
type Invocation struct {
	ID            int64            `json:"id"`
	TaskID        string           `json:"taskId"`
	Status        InvocationStatus `json:"status"`
	StartedAt     time.Time        `json:"startedAt"`
	EndedAt       *time.Time       `json:"endedAt,omitempty"`
	CostUSD       *float64         `json:"costUsd,omitempty"`
	NumTurns      *int             `json:"numTurns,omitempty"`
	Branch        string           `json:"branch,omitempty"`
	WorktreePath  string           `json:"worktreePath,omitempty"`
	LogPath       string           `json:"logPath,omitempty"`
	SessionID     string           `json:"sessionId,omitempty"`
	OutputSummary string           `json:"outputSummary,omitempty"`
}

// BudgetEvent is one immutable record of realized spend.
type BudgetEvent struct {
	InvocationID int64     `json:"invocationId"`
	CostUSD      float64   `json:"costUsd"`
	Timestamp    time.Time `json:"timestamp"`
}
