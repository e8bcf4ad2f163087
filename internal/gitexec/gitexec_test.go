package gitexec

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com", "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		require.NoError(t, cmd.Run(), "git %v", args)
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestRunSucceeds(t *testing.T) {
	dir := initRepo(t)
	d := New(dir, nil)
	out, err := d.Run(context.Background(), "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestRunPermanentFailureDoesNotRetry(t *testing.T) {
	dir := initRepo(t)
	d := New(dir, nil)
	_, err := d.Run(context.Background(), "this-is-not-a-git-command")
	require.Error(t, err)

	var gitErr *Error
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, KindPermanent, gitErr.Kind)
	assert.False(t, gitErr.Transient())
}

func TestClassifyExitCode(t *testing.T) {
	assert.True(t, ClassifyExitCode(dllInitFailureExitCodeUnsigned))
	assert.True(t, ClassifyExitCode(dllInitFailureExitCodeSigned))
	assert.False(t, ClassifyExitCode(1))
}

func TestRemoveStaleIndexLockRemovesOldLock(t *testing.T) {
	dir := initRepo(t)
	d := New(dir, nil)
	lockPath := filepath.Join(dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(""), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	d.RemoveStaleIndexLock(60 * time.Second)
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveStaleIndexLockKeepsFreshLock(t *testing.T) {
	dir := initRepo(t)
	d := New(dir, nil)
	lockPath := filepath.Join(dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte(""), 0o644))

	d.RemoveStaleIndexLock(60 * time.Second)
	_, err := os.Stat(lockPath)
	assert.NoError(t, err)
}
