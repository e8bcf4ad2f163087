// Package store provides Orca's durable mapping of tasks, invocations, and
// budget events. The backing format is a single JSON document written with
// an atomic rename, matching the corpus's file-store convention
// (internal/app/scheduler.FileJobStore in the teacher) generalized from
// one-file-per-job to one file for the whole store, per spec.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/model"
)

// ErrNotFound is returned when a task or invocation lookup fails.
var ErrNotFound = errors.New("store: not found")

// document is the on-disk shape of the store file.
type document struct {
	Tasks        []model.Task        `json:"tasks"`
	Invocations  []model.Invocation  `json:"invocations"`
	BudgetEvents []model.BudgetEvent `json:"budgetEvents"`
	NextInvID    int64               `json:"nextInvocationId"`

	// SchemaVersion supports additive-only migrations: new optional
	// fields are tolerated by plain unmarshal; this counter only needs to
	// bump if a future migration must run a transform, not merely add a
	// column.
	SchemaVersion int `json:"schemaVersion"`
}

const currentSchemaVersion = 1

// Store is the durable store. All methods are safe for concurrent use.
type Store struct {
	path string
	mu   sync.RWMutex
	doc  document
}

// Open loads the store file at path, creating an empty document if the file
// does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = document{SchemaVersion: currentSchemaVersion, NextInvID: 1}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: unmarshal %s: %w", s.path, err)
	}
	if doc.NextInvID == 0 {
		doc.NextInvID = 1
	}
	doc.SchemaVersion = currentSchemaVersion
	s.doc = doc
	return nil
}

// persistLocked writes the document to disk via a temp-file-then-rename, so
// a crash mid-write never corrupts the store. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// --- Task operations ---

// InsertTask adds a new task row. Returns an error if the id already exists
// (uniqueness invariant, spec §3).
func (s *Store) InsertTask(t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doc.Tasks {
		if existing.ID == t.ID {
			return fmt.Errorf("store: task %s already exists", t.ID)
		}
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.doc.Tasks = append(s.doc.Tasks, t)
	return s.persistLocked()
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.doc.Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return model.Task{}, ErrNotFound
}

// ListTasks returns every task, sorted by priority ascending (0 last, as it
// means "no priority") then createdAt ascending — the same ordering
// `/api/tasks` presents.
func (s *Store) ListTasks() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]model.Task(nil), s.doc.Tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// priorityRank maps priority 0 ("no priority") to the back of the list
// without disturbing the ordering of explicitly prioritized tasks.
func priorityRank(p int) int {
	if p <= 0 {
		return int(^uint(0) >> 1)
	}
	return p
}

// ListReadyTasks returns tasks whose status is TaskReady.
func (s *Store) ListReadyTasks() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Task
	for _, t := range s.doc.Tasks {
		if t.Status == model.TaskReady {
			out = append(out, t)
		}
	}
	return out
}

// ListAwaitingCITasks returns tasks in TaskAwaitingCI.
func (s *Store) ListAwaitingCITasks() []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Task
	for _, t := range s.doc.Tasks {
		if t.Status == model.TaskAwaitingCI {
			out = append(out, t)
		}
	}
	return out
}

// CountTasksWithRunningInvocation returns the number of distinct tasks that
// currently own a running invocation.
func (s *Store) CountTasksWithRunningInvocation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, inv := range s.doc.Invocations {
		if inv.Status == model.InvocationRunning {
			seen[inv.TaskID] = struct{}{}
		}
	}
	return len(seen)
}

// HasRunningInvocation reports whether taskID currently owns a running
// invocation (spec §3: "only one invocation may be in the running status
// for a given task at any time").
func (s *Store) HasRunningInvocation(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.doc.Invocations {
		if inv.TaskID == taskID && inv.Status == model.InvocationRunning {
			return true
		}
	}
	return false
}

// UpdateTaskStatus sets a task's status and refreshes updatedAt.
func (s *Store) UpdateTaskStatus(id string, status model.TaskStatus) error {
	return s.UpdateTask(id, func(t *model.Task) {
		t.Status = status
		if status == model.TaskDone {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	})
}

// UpdateTask applies an arbitrary mutation to a task and persists it.
func (s *Store) UpdateTask(id string, mutate func(*model.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == id {
			mutate(&s.doc.Tasks[i])
			s.doc.Tasks[i].UpdatedAt = time.Now().UTC()
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

// IncrementRetryCount bumps a task's retry counter by one.
func (s *Store) IncrementRetryCount(id string) error {
	return s.UpdateTask(id, func(t *model.Task) {
		t.RetryCount++
	})
}

// DeleteTask removes a task row (used on tracker "Canceled").
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == id {
			s.doc.Tasks = append(s.doc.Tasks[:i], s.doc.Tasks[i+1:]...)
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

// --- Invocation operations ---

// InsertInvocation assigns the next monotonic id and inserts the row.
func (s *Store) InsertInvocation(inv model.Invocation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.ID = s.doc.NextInvID
	s.doc.NextInvID++
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}
	s.doc.Invocations = append(s.doc.Invocations, inv)
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return inv.ID, nil
}

// GetInvocation fetches an invocation by id.
func (s *Store) GetInvocation(id int64) (model.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.doc.Invocations {
		if inv.ID == id {
			return inv, nil
		}
	}
	return model.Invocation{}, ErrNotFound
}

// ListInvocationsByTask returns every invocation for a task, most recent
// first.
func (s *Store) ListInvocationsByTask(taskID string) []model.Invocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Invocation
	for _, inv := range s.doc.Invocations {
		if inv.TaskID == taskID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// ListRunningInvocations returns every invocation with status "running".
func (s *Store) ListRunningInvocations() []model.Invocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Invocation
	for _, inv := range s.doc.Invocations {
		if inv.Status == model.InvocationRunning {
			out = append(out, inv)
		}
	}
	return out
}

// ListInvocations returns every invocation.
func (s *Store) ListInvocations() []model.Invocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Invocation(nil), s.doc.Invocations...)
}

// UpdateInvocation applies an arbitrary mutation to an invocation and
// persists it.
func (s *Store) UpdateInvocation(id int64, mutate func(*model.Invocation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Invocations {
		if s.doc.Invocations[i].ID == id {
			mutate(&s.doc.Invocations[i])
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

// --- Budget operations ---

// InsertBudgetEvent records realized spend. costUSD must be positive (spec
// invariant 3, §8).
func (s *Store) InsertBudgetEvent(ev model.BudgetEvent) error {
	if ev.CostUSD <= 0 {
		return fmt.Errorf("store: budget event cost must be positive, got %f", ev.CostUSD)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.doc.BudgetEvents = append(s.doc.BudgetEvents, ev)
	return s.persistLocked()
}

// SumBudgetSince sums the cost of every budget event at or after cutoff.
func (s *Store) SumBudgetSince(cutoff time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, ev := range s.doc.BudgetEvents {
		if !ev.Timestamp.Before(cutoff) {
			total += ev.CostUSD
		}
	}
	return total
}

// ListBudgetEvents returns every budget event.
func (s *Store) ListBudgetEvents() []model.BudgetEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.BudgetEvent(nil), s.doc.BudgetEvents...)
}
