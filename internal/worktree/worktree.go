// Package worktree provisions, resets, and removes per-invocation git
// worktrees, adapting the allocate/cleanup idiom of
// internal/infra/external/workspace.Manager in the teacher to Orca's
// per-invocation worktree model instead of the teacher's per-task
// branch-or-worktree mode switch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/gitexec"
	"github.com/emily-flambe/orca-sub001/internal/logging"
)

// Provisioner creates and tears down worktrees for one repository.
type Provisioner struct {
	repoRoot string
	driver   *gitexec.Driver
	logger   logging.Logger
}

// New returns a Provisioner for repoRoot.
func New(repoRoot string, logger logging.Logger) *Provisioner {
	logger = logging.OrNop(logger)
	return &Provisioner{
		repoRoot: repoRoot,
		driver:   gitexec.New(repoRoot, logger),
		logger:   logger,
	}
}

// BranchName returns the branch a worktree for (taskID, invocationID) would
// use.
func BranchName(taskID string, invocationID int64) string {
	return fmt.Sprintf("orca/%s-inv-%d", taskID, invocationID)
}

// TargetPath returns the worktree directory for taskID, a sibling of
// repoRoot named "<repoBasename>-<taskID>".
func TargetPath(repoRoot, taskID string) string {
	parent := filepath.Dir(repoRoot)
	base := filepath.Base(repoRoot)
	return filepath.Join(parent, fmt.Sprintf("%s-%s", base, taskID))
}

// CreateResult describes a successfully provisioned worktree.
type CreateResult struct {
	Path   string
	Branch string
}

// Create provisions a worktree for (taskID, invocationID), optionally
// basing it on baseRef for the review/fix flow.
func (p *Provisioner) Create(ctx context.Context, taskID string, invocationID int64, baseRef string) (*CreateResult, error) {
	target := TargetPath(p.repoRoot, taskID)
	branch := BranchName(taskID, invocationID)

	p.driver.Run(ctx, "worktree", "prune")
	p.driver.RemoveStaleIndexLock(60 * time.Second)

	trackRef := "origin/main"
	if baseRef != "" {
		trackRef = "origin/" + baseRef
	}
	if _, err := p.driver.Run(ctx, "fetch", "origin"); err != nil {
		return nil, fmt.Errorf("worktree: fetch origin: %w", err)
	}

	if p.isRegisteredWorktree(ctx, target) {
		if err := p.resetAt(ctx, target, trackRef); err != nil {
			return nil, err
		}
		return &CreateResult{Path: target, Branch: branch}, nil
	}

	if pathExists(target) {
		if err := p.removeUnregisteredPath(target); err != nil {
			return nil, fmt.Errorf("worktree: clear unregistered path %s: %w", target, err)
		}
	}

	// A stale local branch of the same name must go before `worktree add -b`
	// will accept it again.
	p.driver.Run(ctx, "branch", "-D", branch)

	if _, err := p.driver.Run(ctx, "worktree", "add", "-b", branch, target, trackRef); err != nil {
		return nil, fmt.Errorf("worktree: add: %w", err)
	}

	if err := copyDotenvFiles(p.repoRoot, target); err != nil {
		p.logger.Warn("worktree: copying dotenv files into %s: %v", target, err)
	}

	if err := installDependencies(ctx, target, p.logger); err != nil {
		p.logger.Warn("worktree: dependency install in %s: %v", target, err)
	}

	return &CreateResult{Path: target, Branch: branch}, nil
}

func (p *Provisioner) isRegisteredWorktree(ctx context.Context, target string) bool {
	out, err := p.driver.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			wt := strings.TrimPrefix(line, "worktree ")
			if wt == abs || wt == target {
				return true
			}
		}
	}
	return false
}

func (p *Provisioner) resetAt(ctx context.Context, path, trackRef string) error {
	sub := gitexec.New(path, p.logger)
	if _, err := sub.Run(ctx, "fetch", "origin"); err != nil {
		return fmt.Errorf("worktree: reset fetch: %w", err)
	}
	if _, err := sub.Run(ctx, "reset", "--hard", trackRef); err != nil {
		return fmt.Errorf("worktree: reset --hard %s: %w", trackRef, err)
	}
	return nil
}

// removeUnregisteredPath removes a directory that occupies the target path
// but is not a registered worktree, making up to three attempts 2 seconds
// apart to tolerate transient file locks.
func (p *Provisioner) removeUnregisteredPath(path string) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := os.RemoveAll(path); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < 3 {
			time.Sleep(2 * time.Second)
		}
	}
	return lastErr
}

// Reset fetches and hard-resets an existing worktree to origin/main.
func (p *Provisioner) Reset(ctx context.Context, path string) error {
	return p.resetAt(ctx, path, "origin/main")
}

// Remove tears down a worktree with the three-level fallback: git-common-dir
// plus `worktree remove --force`; repo-root guess by stripping hyphenated
// suffixes; direct directory removal plus prune.
func (p *Provisioner) Remove(ctx context.Context, path string) error {
	if p.removeViaCommonDir(ctx, path) == nil {
		return nil
	}
	if p.removeViaGuessedRoot(ctx, path) == nil {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("worktree: remove directory tree %s: %w", path, err)
	}
	p.driver.Run(ctx, "worktree", "prune")
	return nil
}

func (p *Provisioner) removeViaCommonDir(ctx context.Context, path string) error {
	sub := gitexec.New(path, p.logger)
	commonDir, err := sub.Run(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	commonDir = strings.TrimSpace(commonDir)
	repoRoot := filepath.Dir(commonDir)
	root := gitexec.New(repoRoot, p.logger)
	if _, err := root.Run(ctx, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	return nil
}

func (p *Provisioner) removeViaGuessedRoot(ctx context.Context, path string) error {
	base := filepath.Base(path)
	parent := filepath.Dir(path)
	parts := strings.Split(base, "-")
	for i := len(parts) - 1; i > 0; i-- {
		candidate := filepath.Join(parent, strings.Join(parts[:i], "-"))
		if pathExists(candidate) {
			root := gitexec.New(candidate, p.logger)
			if _, err := root.Run(ctx, "worktree", "remove", "--force", path); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("worktree: could not guess repo root for %s", path)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// copyDotenvFiles copies every file in repoRoot whose basename starts with
// ".env" into target.
func copyDotenvFiles(repoRoot, target string) error {
	entries, err := os.ReadDir(repoRoot)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), ".env") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(repoRoot, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(target, entry.Name()), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// manifestInstallers maps a package-manifest filename to the install
// command run synchronously when that manifest is present in the worktree.
// installDependencies runs at most one of them: the first present manifest
// met in map iteration order, which is unspecified.
var manifestInstallers = map[string][]string{
	"package.json":     {"npm", "install"},
	"go.mod":           {"go", "mod", "download"},
	"requirements.txt": {"pip", "install", "-r", "requirements.txt"},
	"Gemfile":          {"bundle", "install"},
}

func installDependencies(ctx context.Context, target string, logger logging.Logger) error {
	for manifest, cmdArgs := range manifestInstallers {
		if !pathExists(filepath.Join(target, manifest)) {
			continue
		}
		logger.Info("worktree: running %s in %s (manifest %s)", strings.Join(cmdArgs, " "), target, manifest)
		return runInstall(ctx, target, cmdArgs)
	}
	return nil
}

func runInstall(ctx context.Context, dir string, cmdArgs []string) error {
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("install command %v: %w: %s", cmdArgs, err, string(out))
	}
	return nil
}
