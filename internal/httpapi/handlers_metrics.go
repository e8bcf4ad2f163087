package httpapi

import (
	"net/http"
	"sort"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/model"
)

type domainMetrics struct {
	TasksByStatus       map[model.TaskStatus]int `json:"tasksByStatus"`
	InvocationTotal     int                      `json:"invocationTotal"`
	AvgDurationSeconds  float64                  `json:"avgDurationSeconds"`
	AvgCostUSD          float64                  `json:"avgCostUsd"`
	TotalCostUSD        float64                  `json:"totalCostUsd"`
	DailyCostUSD        []dailyPoint             `json:"dailyCostUsd"`
	RecentErrors        []errorSummary           `json:"recentErrors"`
	DailyThroughput     []throughputPoint        `json:"dailyThroughput"`
}

type dailyPoint struct {
	Date    string  `json:"date"`
	CostUSD float64 `json:"costUsd"`
}

type throughputPoint struct {
	Date      string `json:"date"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

type errorSummary struct {
	Summary string `json:"summary"`
	Count   int    `json:"count"`
}

const metricsLookbackDays = 14

// handleDomainMetrics serves GET /api/metrics: the JSON operational
// summary, distinct from the ambient GET /metrics Prometheus endpoint.
func (h *apiHandler) handleDomainMetrics(w http.ResponseWriter, r *http.Request) {
	tasks := h.store.ListTasks()
	byStatus := make(map[model.TaskStatus]int, len(tasks))
	for _, t := range tasks {
		byStatus[t.Status]++
	}

	invocations := h.store.ListInvocations()

	var (
		durationSum   time.Duration
		durationCount int
		costSum       float64
		costCount     int
	)
	dailyCost := make(map[string]float64)
	dailyCompleted := make(map[string]int)
	dailyFailed := make(map[string]int)
	errorCounts := make(map[string]int)

	for _, inv := range invocations {
		if inv.EndedAt != nil {
			durationSum += inv.EndedAt.Sub(inv.StartedAt)
			durationCount++
			day := inv.EndedAt.UTC().Format("2006-01-02")
			switch inv.Status {
			case model.InvocationCompleted:
				dailyCompleted[day]++
			case model.InvocationFailed, model.InvocationTimedOut:
				dailyFailed[day]++
				if inv.OutputSummary != "" {
					errorCounts[inv.OutputSummary]++
				}
			}
		}
		if inv.CostUSD != nil {
			costSum += *inv.CostUSD
			costCount++
			if inv.EndedAt != nil {
				day := inv.EndedAt.UTC().Format("2006-01-02")
				dailyCost[day] += *inv.CostUSD
			}
		}
	}

	resp := domainMetrics{
		TasksByStatus:   byStatus,
		InvocationTotal: len(invocations),
		TotalCostUSD:    costSum,
	}
	if durationCount > 0 {
		resp.AvgDurationSeconds = durationSum.Seconds() / float64(durationCount)
	}
	if costCount > 0 {
		resp.AvgCostUSD = costSum / float64(costCount)
	}

	now := time.Now().UTC()
	for i := metricsLookbackDays - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		resp.DailyCostUSD = append(resp.DailyCostUSD, dailyPoint{Date: day, CostUSD: dailyCost[day]})
		resp.DailyThroughput = append(resp.DailyThroughput, throughputPoint{
			Date:      day,
			Completed: dailyCompleted[day],
			Failed:    dailyFailed[day],
		})
	}

	for summary, count := range errorCounts {
		resp.RecentErrors = append(resp.RecentErrors, errorSummary{Summary: summary, Count: count})
	}
	sort.Slice(resp.RecentErrors, func(i, j int) bool { return resp.RecentErrors[i].Count > resp.RecentErrors[j].Count })
	if len(resp.RecentErrors) > 20 {
		resp.RecentErrors = resp.RecentErrors[:20]
	}

	writeJSON(w, http.StatusOK, resp)
}
