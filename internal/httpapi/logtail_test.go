package httpapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadNDJSONLinesSkipsEmptyAndMissing(t *testing.T) {
	lines, err := readNDJSONLines("")
	require.NoError(t, err)
	assert.Empty(t, lines)

	lines, err = readNDJSONLines(filepath.Join(t.TempDir(), "missing.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, lines)

	path := filepath.Join(t.TempDir(), "log.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n\n{\"a\":2}\n"), 0o644))
	lines, err = readNDJSONLines(path)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestLogTailerOnlyConsumesCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.ndjson")
	f, err := os.Create(path)
	require.NoError(t, err)

	_, err = f.WriteString("{\"a\":1}\n")
	require.NoError(t, err)

	tailer := newLogTailer(path)
	lines, err := tailer.poll()
	require.NoError(t, err)
	require.Equal(t, []string{`{"a":1}`}, lines)

	_, err = f.WriteString(`{"a":2}`) // no trailing newline: write in progress
	require.NoError(t, err)
	lines, err = tailer.poll()
	require.NoError(t, err)
	assert.Empty(t, lines, "incomplete trailing line must not be emitted")

	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err = tailer.poll()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":2}`}, lines)
}

func TestLogTailerMissingFileReturnsNil(t *testing.T) {
	tailer := newLogTailer(filepath.Join(t.TempDir(), "nope.ndjson"))
	lines, err := tailer.poll()
	require.NoError(t, err)
	assert.Nil(t, lines)
}
