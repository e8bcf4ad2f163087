package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca-sub001/internal/model"
)

func floatVal(v float64) *float64 { return &v }

func TestHandleDomainMetricsAggregatesCostAndDuration(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.store.InsertTask(sampleTask("task-1", model.TaskDone)))

	ended := time.Now().UTC()
	started := ended.Add(-2 * time.Minute)
	_, err := deps.store.InsertInvocation(model.Invocation{
		TaskID:    "task-1",
		Status:    model.InvocationCompleted,
		StartedAt: started,
		EndedAt:   &ended,
		CostUSD:   floatVal(4.0),
	})
	require.NoError(t, err)

	h := newAPIHandler(deps.routerDeps())
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rr := httptest.NewRecorder()
	h.handleDomainMetrics(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp domainMetrics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.InvocationTotal)
	assert.Equal(t, 4.0, resp.TotalCostUSD)
	assert.Equal(t, 4.0, resp.AvgCostUSD)
	assert.InDelta(t, 120, resp.AvgDurationSeconds, 1)
	assert.Len(t, resp.DailyThroughput, metricsLookbackDays)
}
