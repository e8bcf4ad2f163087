// Package synchronizer keeps the task store coherent with the tracker:
// full sync, webhook application, conflict resolution, and write-back with
// echo suppression via the expected-change table. Concurrent full syncs
// (poller + API-triggered) are collapsed into one in-flight call with
// golang.org/x/sync/singleflight, the same collapsing idiom the corpus
// reaches for whenever a stampede of identical expensive calls is possible.
package synchronizer

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/emily-flambe/orca-sub001/internal/coordination"
	"github.com/emily-flambe/orca-sub001/internal/depgraph"
	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/model"
	"github.com/emily-flambe/orca-sub001/internal/store"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

// Transition is one of the write-back tags the scheduler emits.
type Transition string

const (
	TransitionDispatched      Transition = "dispatched"
	TransitionInReview        Transition = "in_review"
	TransitionDeploying       Transition = "deploying"
	TransitionDone            Transition = "done"
	TransitionChangesRequested Transition = "changes_requested"
	TransitionFailedPermanent Transition = "failed_permanent"
	TransitionRetry           Transition = "retry"
)

// transitionStateNames maps a write-back transition to the tracker state
// name it should move the issue to. "deploying" is deliberately absent: it
// is a no-op, the tracker stays at "In Review".
var transitionStateNames = map[Transition]string{
	TransitionDispatched:       "In Progress",
	TransitionInReview:         "In Review",
	TransitionDone:             "Done",
	TransitionChangesRequested: "In Progress",
	TransitionFailedPermanent:  "Canceled",
	TransitionRetry:            "Todo",
}

// trackerToOrcaStatus is the fixed state-name mapping. Anything absent
// (Backlog, Canceled, unknown) has no mapping and upsert skips it, except
// "Canceled" which is handled as a deletion signal separately.
var trackerToOrcaStatus = map[string]model.TaskStatus{
	"Todo":        model.TaskReady,
	"In Progress": model.TaskRunning,
	"In Review":   model.TaskInReview,
	"Done":        model.TaskDone,
}

const trackerStateCanceled = "Canceled"

// intermediateStates are presumed stale echoes of our own writes; they
// never overwrite local status during sync, and on first sight they are
// normalized to "ready" instead of being taken at face value.
var intermediateStates = map[string]bool{
	"In Progress": true,
	"In Review":   true,
}

// userInitiatedStates always win over local status, since only a human
// acting in the tracker UI produces them.
var userInitiatedStates = map[string]bool{
	"Todo":     true,
	"Done":     true,
	"Canceled": true,
}

// ProjectConfig maps a tracker project to the repo it dispatches against.
type ProjectConfig struct {
	ProjectID      string
	RepoRoot       string
	DefaultRepoRoot string
}

// Killer kills a running session for a task, used by conflict resolution's
// "kill running session" action.
type Killer interface {
	KillForTask(taskID, reason string) bool
}

// Synchronizer reconciles the store with the tracker.
type Synchronizer struct {
	store            *store.Store
	tracker          *tracker.Client
	graph            *depgraph.Graph
	expectedChanges  *coordination.ExpectedChangeTable
	bus              *eventbus.Bus
	killer           Killer
	logger           logging.Logger

	projects   []ProjectConfig
	defaultRepoRoot string

	fullSyncGroup singleflight.Group
}

// Config configures a Synchronizer.
type Config struct {
	Store           *store.Store
	Tracker         *tracker.Client
	Graph           *depgraph.Graph
	ExpectedChanges *coordination.ExpectedChangeTable
	Bus             *eventbus.Bus
	Killer          Killer
	Logger          logging.Logger
	Projects        []ProjectConfig
	DefaultRepoRoot string
}

// New constructs a Synchronizer.
func New(cfg Config) *Synchronizer {
	return &Synchronizer{
		store:           cfg.Store,
		tracker:         cfg.Tracker,
		graph:           cfg.Graph,
		expectedChanges: cfg.ExpectedChanges,
		bus:             cfg.Bus,
		killer:          cfg.Killer,
		logger:          logging.OrNop(cfg.Logger),
		projects:        cfg.Projects,
		defaultRepoRoot: cfg.DefaultRepoRoot,
	}
}

// Tracker exposes the underlying tracker client for best-effort operations
// the API layer issues directly, such as commenting on a manual retry.
func (s *Synchronizer) Tracker() *tracker.Client {
	return s.tracker
}

// FullSyncResult summarizes one full-sync pass.
type FullSyncResult struct {
	Processed int
	Failed    int
}

// FullSync fetches every issue across the configured projects, upserts
// each, and rebuilds the dependency graph. Concurrent calls collapse into
// one in-flight fetch+upsert pass via singleflight.
func (s *Synchronizer) FullSync(ctx context.Context) (FullSyncResult, error) {
	v, err, _ := s.fullSyncGroup.Do("full-sync", func() (interface{}, error) {
		return s.runFullSync(ctx)
	})
	if err != nil {
		return FullSyncResult{}, err
	}
	return v.(FullSyncResult), nil
}

func (s *Synchronizer) runFullSync(ctx context.Context) (FullSyncResult, error) {
	s.tracker.InvalidateWorkflowStateCache()

	var result FullSyncResult
	var allIssues []tracker.Issue
	for _, project := range s.projects {
		issues, err := s.tracker.FetchAllIssues(ctx, project.ProjectID)
		if err != nil {
			s.logger.Warn("synchronizer: full sync: fetch project %s: %v", project.ProjectID, err)
			result.Failed++
			continue
		}
		allIssues = append(allIssues, issues...)
		for _, issue := range issues {
			if err := s.Upsert(ctx, issue); err != nil {
				s.logger.Warn("synchronizer: full sync: upsert issue %s: %v", issue.ID, err)
				result.Failed++
				continue
			}
			result.Processed++
		}
	}

	snapshot := make([]depgraph.TaskRelations, 0, len(allIssues))
	for _, issue := range allIssues {
		snapshot = append(snapshot, depgraph.TaskRelations{
			TaskID:           issue.ID,
			Relations:        toTypedLinks(issue.Relations),
			InverseRelations: toTypedLinks(issue.InverseRelations),
		})
	}
	s.graph.Rebuild(snapshot)

	return result, nil
}

func toTypedLinks(links []tracker.RelationLink) []depgraph.TypedLink {
	out := make([]depgraph.TypedLink, len(links))
	for i, l := range links {
		out[i] = depgraph.TypedLink{Type: l.Type, TaskID: l.TaskID}
	}
	return out
}

// Upsert reconciles one tracker issue into the store.
func (s *Synchronizer) Upsert(ctx context.Context, issue tracker.Issue) error {
	if issue.StateName == trackerStateCanceled {
		if err := s.store.DeleteTask(issue.ID); err != nil && err != store.ErrNotFound {
			return err
		}
		return nil
	}

	resolvedStatus, mapped := trackerToOrcaStatus[issue.StateName]
	if !mapped {
		return nil
	}

	repoRoot, ok := s.resolveRepoRoot(issue.ProjectID)
	if !ok {
		s.logger.Warn("synchronizer: no repo configured for project %s, skipping issue %s", issue.ProjectID, issue.ID)
		return nil
	}

	prompt := strings.TrimSpace(issue.Title + "\n\n" + issue.Description)

	existing, err := s.store.GetTask(issue.ID)
	if err == store.ErrNotFound {
		status := resolvedStatus
		if intermediateStates[issue.StateName] {
			// Presumed stale echo: no local runner is holding this task yet.
			status = model.TaskReady
		}
		return s.store.InsertTask(model.Task{
			ID:       issue.ID,
			Prompt:   prompt,
			RepoRoot: repoRoot,
			Status:   status,
		})
	}
	if err != nil {
		return err
	}

	if intermediateStates[issue.StateName] {
		// Never overwrite local status with our own echo.
		return s.store.UpdateTask(issue.ID, func(t *model.Task) {
			t.Prompt = prompt
		})
	}

	if !userInitiatedStates[issue.StateName] {
		return nil
	}

	return s.store.UpdateTask(issue.ID, func(t *model.Task) {
		t.Prompt = prompt
		t.Status = resolvedStatus
		if issue.StateName == "Todo" && existing.Status != model.TaskReady {
			t.RetryCount = 0
			t.ReviewCycle = 0
		}
	})
}

func (s *Synchronizer) resolveRepoRoot(projectID string) (string, bool) {
	for _, p := range s.projects {
		if p.ProjectID == projectID && p.RepoRoot != "" {
			return p.RepoRoot, true
		}
	}
	if s.defaultRepoRoot != "" {
		return s.defaultRepoRoot, true
	}
	return "", false
}

// WebhookEvent is the subset of a tracker webhook payload the synchronizer
// needs.
type WebhookEvent struct {
	Action    string // "create", "update", "remove"
	ProjectID string
	Issue     tracker.Issue
}

// ProcessWebhook applies one webhook event, consuming it silently if it
// matches a pending expected change, and otherwise running conflict
// resolution before the upsert so the upsert never clobbers the
// resolution's decision.
func (s *Synchronizer) ProcessWebhook(ctx context.Context, ev WebhookEvent) error {
	if s.expectedChanges.ConsumeIfMatch(ev.Issue.ID, ev.Issue.StateName) {
		return nil
	}
	if ev.Action == "remove" {
		return nil
	}

	if err := s.resolveConflict(ev.Issue); err != nil {
		return err
	}
	return s.Upsert(ctx, ev.Issue)
}

// resolveConflict applies the local-status x tracker-state conflict table.
func (s *Synchronizer) resolveConflict(issue tracker.Issue) error {
	task, err := s.store.GetTask(issue.ID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case issue.StateName == "Todo":
		s.killRunningSession(task.ID, "tracker reset to Todo")
		return s.store.UpdateTask(task.ID, func(t *model.Task) {
			t.Status = model.TaskReady
			t.RetryCount = 0
			t.ReviewCycle = 0
		})
	case task.Status == model.TaskReady && issue.StateName == "Done":
		return s.store.UpdateTaskStatus(task.ID, model.TaskDone)
	case task.Status == model.TaskInReview && issue.StateName == "Done":
		return s.store.UpdateTaskStatus(task.ID, model.TaskDone)
	case task.Status == model.TaskDeploying && issue.StateName == "In Review":
		return nil
	case task.Status == model.TaskDeploying && issue.StateName == "Done":
		return s.store.UpdateTaskStatus(task.ID, model.TaskDone)
	case task.Status == model.TaskAwaitingCI && issue.StateName == "Done":
		return s.store.UpdateTaskStatus(task.ID, model.TaskDone)
	case task.Status == model.TaskAwaitingCI && issue.StateName == "Todo":
		return s.store.UpdateTaskStatus(task.ID, model.TaskReady)
	case issue.StateName == trackerStateCanceled:
		s.killRunningSession(task.ID, "tracker canceled the issue")
		return s.store.DeleteTask(task.ID)
	}
	return nil
}

func (s *Synchronizer) killRunningSession(taskID, reason string) {
	if s.killer == nil {
		return
	}
	if s.killer.KillForTask(taskID, reason) {
		s.logger.Info("synchronizer: killed running session for task %s: %s", taskID, reason)
	}
}

// WriteBack mutates the tracker's issue state for a local transition,
// registering an expected-change entry first so the inevitable webhook
// echo is suppressed. Failures are logged and swallowed: they never block
// the local state transition that triggered them.
func (s *Synchronizer) WriteBack(ctx context.Context, taskID string, transition Transition, states map[string]tracker.WorkflowState) {
	stateName, ok := transitionStateNames[transition]
	if !ok {
		// "deploying" and any other no-op transition.
		return
	}
	state, ok := states[stateName]
	if !ok {
		s.logger.Warn("synchronizer: write-back: unknown workflow state %q for task %s", stateName, taskID)
		return
	}

	s.expectedChanges.Register(taskID, stateName)

	if err := s.tracker.UpdateIssueState(ctx, taskID, state.ID); err != nil {
		s.logger.Warn("synchronizer: write-back %s -> %s for task %s failed: %v", transition, stateName, taskID, err)
	}
}

