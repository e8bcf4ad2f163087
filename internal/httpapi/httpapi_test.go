package httpapi

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca-sub001/internal/coordination"
	"github.com/emily-flambe/orca-sub001/internal/depgraph"
	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/model"
	"github.com/emily-flambe/orca-sub001/internal/scheduler"
	"github.com/emily-flambe/orca-sub001/internal/store"
	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

// fakeHandle is a minimal coordination.RunnerHandle for tests.
type fakeHandle struct {
	killed      chan struct{}
	promptOK    bool
	promptCalls []string
}

func newFakeHandle(promptOK bool) *fakeHandle {
	ch := make(chan struct{})
	close(ch)
	return &fakeHandle{killed: ch, promptOK: promptOK}
}

func (h *fakeHandle) Kill() <-chan struct{} { return h.killed }

func (h *fakeHandle) Prompt(text string) bool {
	h.promptCalls = append(h.promptCalls, text)
	return h.promptOK
}

// fakeScheduler is a minimal SchedulerController for tests.
type fakeScheduler struct {
	handles          *coordination.HandleTable
	concurrencyCap   int
	budgetMaxCostUSD float64
	snapshot         scheduler.Config
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		handles:          coordination.NewHandleTable(),
		concurrencyCap:   3,
		budgetMaxCostUSD: 50,
		snapshot:         scheduler.DefaultConfig(),
	}
}

func (f *fakeScheduler) Handles() *coordination.HandleTable { return f.handles }
func (f *fakeScheduler) ConcurrencyCap() int                { return f.concurrencyCap }
func (f *fakeScheduler) SetConcurrencyCap(n int)            { f.concurrencyCap = n }
func (f *fakeScheduler) BudgetMaxCostUSD() float64          { return f.budgetMaxCostUSD }
func (f *fakeScheduler) SetBudgetMaxCostUSD(v float64)      { f.budgetMaxCostUSD = v }
func (f *fakeScheduler) Snapshot() scheduler.Config         { return f.snapshot }

// testDeps bundles everything a handler test needs, built fresh per test so
// state never leaks between cases.
type testDeps struct {
	store     *store.Store
	scheduler *fakeScheduler
	sync      *synchronizer.Synchronizer
	bus       *eventbus.Bus
}

func newTestDeps(t *testing.T) testDeps {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "orca.json"))
	require.NoError(t, err)

	bus := eventbus.New()
	graph := depgraph.New(nil)
	trackerClient, err := tracker.New(tracker.Config{Endpoint: "http://127.0.0.1:0/graphql"})
	require.NoError(t, err)

	sync := synchronizer.New(synchronizer.Config{
		Store:           st,
		Tracker:         trackerClient,
		Graph:           graph,
		ExpectedChanges: coordination.NewExpectedChangeTable(),
		Bus:             bus,
	})

	return testDeps{store: st, scheduler: newFakeScheduler(), sync: sync, bus: bus}
}

func (d testDeps) routerDeps() RouterDeps {
	return RouterDeps{
		Store:             d.store,
		Scheduler:         d.scheduler,
		Sync:              d.sync,
		Bus:               d.bus,
		WorkflowStates:    func() map[string]tracker.WorkflowState { return nil },
		WebhookSecret:     "test-secret",
		WebhookProjectIDs: nil,
	}
}

func sampleTask(id string, status model.TaskStatus) model.Task {
	return model.Task{
		ID:        id,
		Prompt:    "do the thing",
		RepoRoot:  "/repo",
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}
