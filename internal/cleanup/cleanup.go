// Package cleanup runs the periodic garbage collection pass the scheduler's
// hot path never does itself: stale worktree pruning, crash-leftover
// directory sweeps, and orca/* branch deletion. The one-task-per-resource,
// subprocess-backed approach follows internal/devops's maintenance jobs in
// the teacher, adapted from process/log housekeeping to git worktree and
// branch housekeeping.
package cleanup

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/gitexec"
	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/store"
)

const defaultBranchMaxAge = 60 * time.Minute

// PRChecker reports whether branch has an open pull request in repoRoot's
// remote. The only implementation shells out to the gh CLI; failures are
// fail-open by contract (an undetermined PR status never blocks deletion).
type PRChecker interface {
	HasOpenPR(ctx context.Context, repoRoot, branch string) (bool, error)
}

// ghPRChecker shells out to the GitHub CLI, the same subprocess-wrapping
// idiom gitexec.Driver uses for git itself.
type ghPRChecker struct{}

// NewGHPRChecker returns a PRChecker backed by `gh pr list`.
func NewGHPRChecker() PRChecker { return ghPRChecker{} }

func (ghPRChecker) HasOpenPR(ctx context.Context, repoRoot, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "list", "--head", branch, "--state", "open", "--json", "number")
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), `"number"`), nil
}

// Config wires a Runner's collaborators.
type Config struct {
	Store           *store.Store
	PRChecker       PRChecker
	Logger          logging.Logger
	BranchMaxAge    time.Duration
	worktreeNewFunc func(repoRoot string, logger logging.Logger) gitDriver
}

// gitDriver is the subset of gitexec.Driver cleanup needs, narrowed so
// tests can substitute a fake.
type gitDriver interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Runner executes one cleanup pass across every repo root observed in the
// task table.
type Runner struct {
	store        *store.Store
	prChecker    PRChecker
	logger       logging.Logger
	branchMaxAge time.Duration
	newDriver    func(repoRoot string, logger logging.Logger) gitDriver
}

// New constructs a Runner.
func New(cfg Config) *Runner {
	maxAge := cfg.BranchMaxAge
	if maxAge <= 0 {
		maxAge = defaultBranchMaxAge
	}
	prChecker := cfg.PRChecker
	if prChecker == nil {
		prChecker = NewGHPRChecker()
	}
	newDriver := cfg.worktreeNewFunc
	if newDriver == nil {
		newDriver = func(repoRoot string, logger logging.Logger) gitDriver {
			return gitexec.New(repoRoot, logger)
		}
	}
	return &Runner{
		store:        cfg.Store,
		prChecker:    prChecker,
		logger:       logging.OrNop(cfg.Logger),
		branchMaxAge: maxAge,
		newDriver:    newDriver,
	}
}

// Run performs one cleanup pass over every distinct repo root currently
// referenced by a task, per the four-step contract: prune stale worktree
// refs, remove registered worktrees matching the "<repo>-" naming pattern
// that no running invocation uses, sweep crash leftovers, and delete
// eligible orca/* branches.
func (r *Runner) Run(ctx context.Context) {
	for _, repoRoot := range r.distinctRepoRoots() {
		r.cleanRepo(ctx, repoRoot)
	}
}

func (r *Runner) distinctRepoRoots() []string {
	seen := make(map[string]bool)
	var roots []string
	for _, t := range r.store.ListTasks() {
		if t.RepoRoot == "" || seen[t.RepoRoot] {
			continue
		}
		seen[t.RepoRoot] = true
		roots = append(roots, t.RepoRoot)
	}
	return roots
}

// protectedWorktreePaths returns every worktree path referenced by a
// currently running invocation, across the whole store (not just one repo),
// since that is the only signal available that a worktree is in active use.
func (r *Runner) protectedWorktreePaths() map[string]bool {
	protected := make(map[string]bool)
	for _, inv := range r.store.ListRunningInvocations() {
		if inv.WorktreePath != "" {
			protected[inv.WorktreePath] = true
		}
	}
	return protected
}

func (r *Runner) cleanRepo(ctx context.Context, repoRoot string) {
	driver := r.newDriver(repoRoot, r.logger)
	driver.Run(ctx, "worktree", "prune")

	protected := r.protectedWorktreePaths()
	base := filepath.Base(repoRoot)
	parent := filepath.Dir(repoRoot)
	pattern := base + "-"

	registered := r.listRegisteredWorktrees(ctx, driver)
	for _, wt := range registered {
		if wt == repoRoot || protected[wt] {
			continue
		}
		if filepath.Dir(wt) != parent || !strings.HasPrefix(filepath.Base(wt), pattern) {
			continue
		}
		if err := os.RemoveAll(wt); err != nil {
			r.logger.Warn("cleanup: remove registered worktree %s: %v", wt, err)
			continue
		}
		driver.Run(ctx, "worktree", "remove", "--force", wt)
		r.logger.Info("cleanup: removed stale registered worktree %s", wt)
	}

	r.sweepCrashLeftovers(parent, pattern, registered, protected)
	r.cleanBranches(ctx, repoRoot, driver)
}

func (r *Runner) listRegisteredWorktrees(ctx context.Context, driver gitDriver) []string {
	out, err := driver.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if wt, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, wt)
		}
	}
	return paths
}

// sweepCrashLeftovers removes directories matching the worktree naming
// pattern that are not registered worktrees at all (a crash between
// `worktree add` and the registration showing up, or a manually deleted
// .git/worktrees entry that left the directory behind).
func (r *Runner) sweepCrashLeftovers(parent, pattern string, registered []string, protected map[string]bool) {
	registeredSet := make(map[string]bool, len(registered))
	for _, wt := range registered {
		registeredSet[wt] = true
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), pattern) {
			continue
		}
		candidate := filepath.Join(parent, entry.Name())
		if registeredSet[candidate] || protected[candidate] {
			continue
		}
		if err := os.RemoveAll(candidate); err != nil {
			r.logger.Warn("cleanup: remove crash-leftover directory %s: %v", candidate, err)
			continue
		}
		r.logger.Info("cleanup: removed crash-leftover directory %s", candidate)
	}
}

const orcaBranchPrefix = "orca/"

// cleanBranches deletes every local orca/* branch meeting the four
// eligibility conditions: not in use by a running invocation, not
// referenced by a non-terminal task, no open PR (fail-open), and older than
// branchMaxAge.
func (r *Runner) cleanBranches(ctx context.Context, repoRoot string, driver gitDriver) {
	out, err := driver.Run(ctx, "for-each-ref", "--format=%(refname:short) %(committerdate:iso-strict)", "refs/heads/"+orcaBranchPrefix)
	if err != nil {
		return
	}

	runningBranches := r.runningInvocationBranches()
	nonTerminalBranches := r.nonTerminalTaskBranches()

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		branch := fields[0]
		if runningBranches[branch] || nonTerminalBranches[branch] {
			continue
		}

		age, ok := branchAge(fields)
		// An age that cannot be determined is, per the documented
		// limitation, treated as eligible rather than protected.
		if ok && age < r.branchMaxAge {
			continue
		}

		hasPR, prErr := r.prChecker.HasOpenPR(ctx, repoRoot, branch)
		if prErr == nil && hasPR {
			continue
		}

		if _, err := driver.Run(ctx, "branch", "-D", branch); err != nil {
			r.logger.Warn("cleanup: delete branch %s: %v", branch, err)
			continue
		}
		r.logger.Info("cleanup: deleted eligible branch %s", branch)
	}
}

func branchAge(fields []string) (time.Duration, bool) {
	if len(fields) < 2 {
		return 0, false
	}
	committed, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		return 0, false
	}
	return time.Since(committed), true
}

func (r *Runner) runningInvocationBranches() map[string]bool {
	branches := make(map[string]bool)
	for _, inv := range r.store.ListRunningInvocations() {
		if inv.Branch != "" {
			branches[inv.Branch] = true
		}
	}
	return branches
}

func (r *Runner) nonTerminalTaskBranches() map[string]bool {
	branches := make(map[string]bool)
	for _, t := range r.store.ListTasks() {
		if t.Status.Terminal() || t.PRBranch == "" {
			continue
		}
		branches[t.PRBranch] = true
	}
	return branches
}
