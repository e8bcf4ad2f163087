package worktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchName(t *testing.T) {
	assert.Equal(t, "orca/task-1-inv-3", BranchName("task-1", 3))
}

func TestTargetPath(t *testing.T) {
	got := TargetPath("/srv/repos/myservice", "task-42")
	assert.Equal(t, "/srv/repos/myservice-task-42", got)
}

func TestPathExists(t *testing.T) {
	assert.True(t, pathExists(t.TempDir()))
	assert.False(t, pathExists("/does/not/exist/orca-test"))
}
