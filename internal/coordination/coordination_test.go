package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeHandle struct{ killed bool }

func (f *fakeHandle) Kill() <-chan struct{} {
	f.killed = true
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakeHandle) Prompt(string) bool { return false }

func TestHandleTablePutGetRemove(t *testing.T) {
	ht := NewHandleTable()
	h := &fakeHandle{}
	ht.Put(1, h)

	got, ok := ht.Get(1)
	assert.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, ht.Count())

	ht.Remove(1)
	_, ok = ht.Get(1)
	assert.False(t, ok)
}

func TestExpectedChangeConsumedOnce(t *testing.T) {
	ect := NewExpectedChangeTable()
	ect.Register("task-1", "In Progress")

	assert.True(t, ect.ConsumeIfMatch("task-1", "In Progress"))
	assert.False(t, ect.ConsumeIfMatch("task-1", "In Progress"), "entry should be consumed after first match")
}

func TestExpectedChangeMismatchDoesNotMatch(t *testing.T) {
	ect := NewExpectedChangeTable()
	ect.Register("task-1", "In Progress")
	assert.False(t, ect.ConsumeIfMatch("task-1", "Done"))
}

func TestCooldownTableExpiry(t *testing.T) {
	ct := NewCooldownTable()
	ct.Put("/repo/a", time.Now().Add(-time.Second))
	ct.Put("/repo/b", time.Now().Add(time.Hour))

	assert.True(t, ct.IsOnCooldown("/repo/a"))
	assert.True(t, ct.IsOnCooldown("/repo/b"))

	ct.ExpireStale()
	assert.False(t, ct.IsOnCooldown("/repo/a"))
	assert.True(t, ct.IsOnCooldown("/repo/b"))
}
