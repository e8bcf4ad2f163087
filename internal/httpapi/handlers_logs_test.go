package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSystemLogsFiltersAndLimits(t *testing.T) {
	deps := newTestDeps(t)
	logPath := filepath.Join(t.TempDir(), "orca.log")
	content := "level=INFO msg=\"first\"\nlevel=WARN msg=\"second\"\nlevel=INFO msg=\"third thing\"\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0o644))

	rd := deps.routerDeps()
	rd.SystemLogPath = logPath
	h := newAPIHandler(rd)

	req := httptest.NewRequest(http.MethodGet, "/api/logs/system?level=info&lines=1", nil)
	rr := httptest.NewRecorder()
	h.handleSystemLogs(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Lines, 1)
	assert.Contains(t, resp.Lines[0], "third thing")
}

func TestHandleSystemLogsMissingFileReturnsEmpty(t *testing.T) {
	deps := newTestDeps(t)
	rd := deps.routerDeps()
	rd.SystemLogPath = filepath.Join(t.TempDir(), "missing.log")
	h := newAPIHandler(rd)

	req := httptest.NewRequest(http.MethodGet, "/api/logs/system", nil)
	rr := httptest.NewRecorder()
	h.handleSystemLogs(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Lines)
}
