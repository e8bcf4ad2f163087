// Package scheduler drives Orca's tick loop: timeout sweep, concurrency and
// budget gates, dependency-aware candidate selection, dispatch, and
// completion handling. The overlapping-tick guard and start/stop lifecycle
// follow internal/app/scheduler.Scheduler in the teacher; tick-to-dispatch
// tracing follows the same otel span nesting the tracker client uses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emily-flambe/orca-sub001/internal/coordination"
	"github.com/emily-flambe/orca-sub001/internal/depgraph"
	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/gitexec"
	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/model"
	"github.com/emily-flambe/orca-sub001/internal/runner"
	"github.com/emily-flambe/orca-sub001/internal/store"
	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
	"github.com/emily-flambe/orca-sub001/internal/worktree"
)

// Config tunes the scheduler's gates and cadences.
type Config struct {
	TickInterval           time.Duration
	SessionTimeout         time.Duration
	ConcurrencyCap         int
	BudgetWindow           time.Duration
	BudgetMaxCostUSD       float64
	MaxRetries             int
	MaxTurns               int
	ExecutablePath         string
	TransientFailureLimit  int // promote to a real retry after this many consecutive transient worktree failures
	CooldownDuration       time.Duration
}

// DefaultConfig returns the defaults named in the dispatch engine's
// contract.
func DefaultConfig() Config {
	return Config{
		TickInterval:          10 * time.Second,
		SessionTimeout:        30 * time.Minute,
		ConcurrencyCap:        5,
		BudgetWindow:          4 * time.Hour,
		BudgetMaxCostUSD:      50,
		MaxRetries:            3,
		MaxTurns:              40,
		TransientFailureLimit: 5,
		CooldownDuration:      30 * time.Second,
	}
}

// Scheduler owns the tick loop and the transient coordination tables.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	graph   *depgraph.Graph
	sync    *synchronizer.Synchronizer
	bus     *eventbus.Bus
	workflowStates func() map[string]tracker.WorkflowState
	logger  logging.Logger
	tracer  trace.Tracer

	handles   *coordination.HandleTable
	cooldowns *coordination.CooldownTable

	provisioners map[string]*worktree.Provisioner

	metrics MetricsSink

	mu      sync.Mutex
	ticking bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// MetricsSink is the subset of *metrics.Registry the scheduler reports to.
// Kept narrow so this package does not import internal/metrics.
type MetricsSink interface {
	ObserveDispatchOutcome(outcome string)
	ObserveTickDuration(d time.Duration)
	ObserveInvocationDuration(d time.Duration)
	SetBudgetSpendUSD(v float64)
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithMetrics wires a MetricsSink that observes dispatch outcomes.
func WithMetrics(m MetricsSink) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New constructs a Scheduler.
func New(cfg Config, s *store.Store, graph *depgraph.Graph, sync *synchronizer.Synchronizer, bus *eventbus.Bus, workflowStates func() map[string]tracker.WorkflowState, logger logging.Logger, opts ...Option) *Scheduler {
	sched := &Scheduler{
		cfg:            cfg,
		store:          s,
		graph:          graph,
		sync:           sync,
		bus:            bus,
		workflowStates: workflowStates,
		logger:         logging.OrNop(logger),
		tracer:         otel.Tracer("orca/scheduler"),
		handles:        coordination.NewHandleTable(),
		cooldowns:      coordination.NewCooldownTable(),
		provisioners:   make(map[string]*worktree.Provisioner),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

func (s *Scheduler) observeDispatchOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveDispatchOutcome(outcome)
	}
}

// ConcurrencyCap returns the current runtime-tunable dispatch concurrency
// cap, safe for concurrent use with SetConcurrencyCap.
func (s *Scheduler) ConcurrencyCap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ConcurrencyCap
}

// SetConcurrencyCap overrides the dispatch concurrency cap at runtime, per
// the partial-config-override API route.
func (s *Scheduler) SetConcurrencyCap(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ConcurrencyCap = n
}

// BudgetMaxCostUSD returns the current runtime-tunable budget cap, safe for
// concurrent use with SetBudgetMaxCostUSD.
func (s *Scheduler) BudgetMaxCostUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BudgetMaxCostUSD
}

// SetBudgetMaxCostUSD overrides the rolling-window budget cap at runtime.
func (s *Scheduler) SetBudgetMaxCostUSD(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.BudgetMaxCostUSD = v
}

// Handles exposes the active-handle table so the API layer can reach a
// running session's handle for abort/prompt without the scheduler brokering
// every call.
func (s *Scheduler) Handles() *coordination.HandleTable {
	return s.handles
}

// SetSync wires the synchronizer after construction, breaking the
// constructor cycle between Scheduler (which writes back through the
// synchronizer) and Synchronizer (which kills sessions through the
// scheduler's Killer interface). Callers must set this before Start.
func (s *Scheduler) SetSync(sync *synchronizer.Synchronizer) {
	s.sync = sync
}

// Snapshot returns a point-in-time copy of the scheduler's tunable config,
// for the status endpoint.
func (s *Scheduler) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// KillForTask implements synchronizer.Killer: finds the running invocation
// for taskID among active handles and kills it.
func (s *Scheduler) KillForTask(taskID, reason string) bool {
	invocations := s.store.ListRunningInvocations()
	for _, inv := range invocations {
		if inv.TaskID != taskID {
			continue
		}
		handle, ok := s.handles.Get(inv.ID)
		if !ok {
			continue
		}
		<-handle.Kill()
		s.handles.Remove(inv.ID)
		s.store.UpdateInvocation(inv.ID, func(i *model.Invocation) {
			i.Status = model.InvocationFailed
			i.OutputSummary = fmt.Sprintf("interrupted by %s", reason)
			now := time.Now().UTC()
			i.EndedAt = &now
		})
		return true
	}
	return false
}

// RecoverOrphans rewrites every "running" invocation with no live handle
// back to "failed" and its task to "ready", matching the invariant that a
// running invocation must have a live handle or be a crash orphan.
func (s *Scheduler) RecoverOrphans() {
	for _, inv := range s.store.ListRunningInvocations() {
		if _, ok := s.handles.Get(inv.ID); ok {
			continue
		}
		s.store.UpdateInvocation(inv.ID, func(i *model.Invocation) {
			i.Status = model.InvocationFailed
			i.OutputSummary = "orphaned: no live handle on startup"
			now := time.Now().UTC()
			i.EndedAt = &now
		})
		s.store.UpdateTaskStatus(inv.TaskID, model.TaskReady)
		s.logger.Warn("scheduler: recovered orphaned invocation %d for task %s", inv.ID, inv.TaskID)
	}
}

// Start runs the tick loop. The first tick fires immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		s.Tick(ctx)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop clears the interval and kills every active handle, blocking until
// each has resolved.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}

	var wg sync.WaitGroup
	for invID, handle := range s.handles.All() {
		wg.Add(1)
		go func(id int64, h coordination.RunnerHandle) {
			defer wg.Done()
			<-h.Kill()
		}(invID, handle)
	}
	wg.Wait()
	s.logger.Info("scheduler: stopped, all active handles resolved")
}

// Tick runs one scheduling pass. Overlapping ticks are discarded via a
// non-blocking mutex flag.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return
	}
	s.ticking = true
	s.mu.Unlock()
	tickStarted := time.Now()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ObserveTickDuration(time.Since(tickStarted))
		}
	}()

	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	s.sweepTimeouts(ctx)

	running := s.store.CountTasksWithRunningInvocation()
	if running >= s.ConcurrencyCap() {
		span.SetAttributes(attribute.Bool("gate.concurrency.blocked", true))
		return
	}

	budgetCap := s.BudgetMaxCostUSD()
	spend := s.store.SumBudgetSince(time.Now().Add(-s.cfg.BudgetWindow))
	if s.metrics != nil {
		s.metrics.SetBudgetSpendUSD(spend)
	}
	if spend >= budgetCap {
		s.logger.Warn("scheduler: budget gate closed, spend=%.2f cap=%.2f", spend, budgetCap)
		span.SetAttributes(attribute.Bool("gate.budget.blocked", true))
		return
	}

	s.cooldowns.ExpireStale()

	candidate := s.selectCandidate(ctx)
	if candidate == nil {
		return
	}
	s.dispatch(ctx, *candidate)
}

func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	for _, inv := range s.store.ListRunningInvocations() {
		if time.Since(inv.StartedAt) <= s.cfg.SessionTimeout {
			continue
		}
		if handle, ok := s.handles.Get(inv.ID); ok {
			<-handle.Kill()
			s.handles.Remove(inv.ID)
		}
		s.store.UpdateInvocation(inv.ID, func(i *model.Invocation) {
			i.Status = model.InvocationTimedOut
			now := time.Now().UTC()
			i.EndedAt = &now
		})
		s.store.UpdateTaskStatus(inv.TaskID, model.TaskFailed)
		s.applyRetryRule(ctx, inv.TaskID)
	}
}

// selectCandidate fetches ready tasks, filters, and returns the
// highest-priority one, or nil.
func (s *Scheduler) selectCandidate(ctx context.Context) *model.Task {
	ready := s.store.ListReadyTasks()
	var candidates []model.Task
	for _, t := range ready {
		if t.Prompt == "" || t.IsParent {
			continue
		}
		if s.store.HasRunningInvocation(t.ID) {
			continue
		}
		if s.cooldowns.IsOnCooldown(t.RepoRoot) {
			continue
		}
		statusFn := func(id string) string {
			other, err := s.store.GetTask(id)
			if err != nil {
				return ""
			}
			return string(other.Status)
		}
		if !s.graph.Dispatchable(t.ID, statusFn) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	priorityFn := func(id string) int {
		other, err := s.store.GetTask(id)
		if err != nil {
			return 0
		}
		return other.Priority
	}

	best := candidates[0]
	bestPriority := s.effectivePriorityRank(best.ID, priorityFn)
	for _, c := range candidates[1:] {
		p := s.effectivePriorityRank(c.ID, priorityFn)
		if p < bestPriority || (p == bestPriority && c.CreatedAt.Before(best.CreatedAt)) {
			best = c
			bestPriority = p
		}
	}
	return &best
}

// effectivePriorityRank maps the graph's 0-is-unset priority to "last" for
// sort purposes, matching the store's ListTasks ordering convention.
func (s *Scheduler) effectivePriorityRank(taskID string, priorityFn depgraph.PriorityFunc) int {
	p := s.graph.EffectivePriority(taskID, priorityFn)
	if p <= 0 {
		return int(^uint(0) >> 1)
	}
	return p
}

func (s *Scheduler) provisionerFor(repoRoot string) *worktree.Provisioner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.provisioners[repoRoot]; ok {
		return p
	}
	p := worktree.New(repoRoot, s.logger)
	s.provisioners[repoRoot] = p
	return p
}

func (s *Scheduler) dispatch(ctx context.Context, task model.Task) {
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	s.store.UpdateTaskStatus(task.ID, model.TaskDispatched)
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: task.ID})
	s.sync.WriteBack(ctx, task.ID, synchronizer.TransitionDispatched, s.workflowStates())

	invocationID, err := s.store.InsertInvocation(model.Invocation{TaskID: task.ID, Status: model.InvocationRunning})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("scheduler: insert invocation for task %s: %v", task.ID, err)
		return
	}

	provisioner := s.provisionerFor(task.RepoRoot)
	result, err := provisioner.Create(ctx, task.ID, invocationID, "")
	if err != nil {
		s.observeDispatchOutcome("worktree_failed")
		s.handleWorktreeFailure(ctx, task, invocationID, err)
		return
	}
	if task.TransientFailureCount > 0 {
		s.store.UpdateTask(task.ID, func(t *model.Task) { t.TransientFailureCount = 0 })
	}

	handle, err := runner.Spawn(ctx, runner.SpawnConfig{
		InvocationID:   invocationID,
		Prompt:         task.Prompt,
		WorktreePath:   result.Path,
		MaxTurns:       s.cfg.MaxTurns,
		ProjectRoot:    task.RepoRoot,
		ExecutablePath: s.cfg.ExecutablePath,
		RepoPath:       task.RepoRoot,
	}, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.observeDispatchOutcome("spawn_failed")
		s.store.UpdateInvocation(invocationID, func(i *model.Invocation) {
			i.Status = model.InvocationFailed
			i.OutputSummary = fmt.Sprintf("spawn error: %v", err)
		})
		s.store.UpdateTaskStatus(task.ID, model.TaskFailed)
		s.applyRetryRule(ctx, task.ID)
		return
	}

	s.observeDispatchOutcome("dispatched")
	s.handles.Put(invocationID, handle)
	s.store.UpdateTaskStatus(task.ID, model.TaskRunning)
	s.store.UpdateInvocation(invocationID, func(i *model.Invocation) {
		i.Branch = result.Branch
		i.WorktreePath = result.Path
		i.LogPath = logPathFor(task.RepoRoot, invocationID)
	})
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindInvocationUpdated, Payload: invocationID})
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: task.ID})

	go s.awaitCompletion(ctx, task.ID, invocationID, handle)
}

func logPathFor(projectRoot string, invocationID int64) string {
	return fmt.Sprintf("%s/logs/%d.ndjson", projectRoot, invocationID)
}

// handleWorktreeFailure classifies the git error from worktree creation
// and applies the dispatch step's cooldown/retry-counter semantics.
func (s *Scheduler) handleWorktreeFailure(ctx context.Context, task model.Task, invocationID int64, err error) {
	var gitErr *gitexec.Error
	transientDLLInit := false
	transientSignal := false
	if errors.As(err, &gitErr) {
		transientDLLInit = gitErr.Kind == gitexec.KindTransientDLLInit
		transientSignal = gitErr.Kind == gitexec.KindTransientSignal
	}

	s.store.UpdateInvocation(invocationID, func(i *model.Invocation) {
		i.Status = model.InvocationFailed
		i.OutputSummary = fmt.Sprintf("worktree creation failed: %v", err)
		now := time.Now().UTC()
		i.EndedAt = &now
	})

	if transientDLLInit || transientSignal {
		if transientDLLInit {
			s.cooldowns.Put(task.RepoRoot, time.Now().Add(s.cfg.CooldownDuration))
		}
		var promoted bool
		s.store.UpdateTask(task.ID, func(t *model.Task) {
			t.TransientFailureCount++
			promoted = t.TransientFailureCount >= s.cfg.TransientFailureLimit
		})
		if promoted {
			s.store.UpdateTaskStatus(task.ID, model.TaskFailed)
			s.applyRetryRule(ctx, task.ID)
			return
		}
		// Below the transient-failure limit: drop the task back to "ready"
		// without touching the retry count, so the next tick simply tries
		// again once the cooldown (if any) and graph allow it.
		s.store.UpdateTaskStatus(task.ID, model.TaskReady)
		return
	}

	s.store.UpdateTaskStatus(task.ID, model.TaskFailed)
	s.applyRetryRule(ctx, task.ID)
}

func (s *Scheduler) awaitCompletion(ctx context.Context, taskID string, invocationID int64, handle *runner.Handle) {
	<-handle.Done()
	s.handles.Remove(invocationID)

	result := handle.Result()
	ctx, span := s.tracer.Start(ctx, "scheduler.completion", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	status := model.InvocationFailed
	if result != nil && result.Subtype == runner.SubtypeSuccess {
		status = model.InvocationCompleted
	}

	if inv, err := s.store.GetInvocation(invocationID); err == nil && s.metrics != nil {
		s.metrics.ObserveInvocationDuration(time.Since(inv.StartedAt))
	}

	s.store.UpdateInvocation(invocationID, func(i *model.Invocation) {
		now := time.Now().UTC()
		i.EndedAt = &now
		i.Status = status
		if result != nil {
			i.SessionID = result.SessionID
			i.OutputSummary = result.OutputSummary
			if result.HasCost {
				cost := result.CostUSD
				i.CostUSD = &cost
			}
			if result.HasNumTurns {
				turns := result.NumTurns
				i.NumTurns = &turns
			}
		}
	})

	if result != nil && result.HasCost && result.CostUSD > 0 {
		s.store.InsertBudgetEvent(model.BudgetEvent{InvocationID: invocationID, CostUSD: result.CostUSD})
	}

	if status == model.InvocationCompleted {
		s.store.UpdateTaskStatus(taskID, model.TaskDone)
		s.sync.WriteBack(ctx, taskID, synchronizer.TransitionDone, s.workflowStates())
		s.cleanupWorktree(ctx, invocationID)
		s.logger.Info("scheduler: task %s completed successfully", taskID)
	} else {
		s.store.UpdateTaskStatus(taskID, model.TaskFailed)
		s.applyRetryRule(ctx, taskID)
	}

	s.bus.Publish(eventbus.Event{Kind: eventbus.KindInvocationUpdated, Payload: invocationID})
	s.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskUpdated, Payload: taskID})
}

func (s *Scheduler) cleanupWorktree(ctx context.Context, invocationID int64) {
	inv, err := s.store.GetInvocation(invocationID)
	if err != nil || inv.WorktreePath == "" {
		return
	}
	task, err := s.store.GetTask(inv.TaskID)
	if err != nil {
		return
	}
	provisioner := s.provisionerFor(task.RepoRoot)
	if err := provisioner.Remove(ctx, inv.WorktreePath); err != nil {
		s.logger.Warn("scheduler: removing worktree %s: %v", inv.WorktreePath, err)
	}
}

// applyRetryRule increments the retry count and writes back "retry" so the
// tracker mirrors it — the write-back registers an expected change first, so
// the tracker's echo of that same "Todo" transition is consumed silently
// instead of re-running Upsert's user-initiated-state reset. The scheduler
// never moves the task back to "ready" itself; it stays in whatever failed
// status the caller already set until a later tracker event moves it back,
// such as the next full sync's upsert of the "Todo" issue or a "Todo"
// webhook that no expected change matches. Once maxRetries is exhausted, the tracker is
// moved to "failed_permanent" instead.
func (s *Scheduler) applyRetryRule(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return
	}
	if task.RetryCount < s.cfg.MaxRetries {
		s.store.IncrementRetryCount(taskID)
		s.sync.WriteBack(ctx, taskID, synchronizer.TransitionRetry, s.workflowStates())
		return
	}
	s.sync.WriteBack(ctx, taskID, synchronizer.TransitionFailedPermanent, s.workflowStates())
}
