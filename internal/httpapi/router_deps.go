// Package httpapi exposes Orca's control surface over net/http: task and
// invocation CRUD, log streaming, config overrides, and the inbound
// tracker webhook. Routing follows the corpus's http.ServeMux idiom —
// Go 1.22+ method+path patterns, one handler struct per concern, a
// routeHandler wrapper annotating each request with its logical route, and
// a fixed middleware layering order — grounded on
// internal/delivery/server/http/router.go in the teacher.
package httpapi

import (
	"time"

	"github.com/emily-flambe/orca-sub001/internal/coordination"
	"github.com/emily-flambe/orca-sub001/internal/eventbus"
	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/metrics"
	"github.com/emily-flambe/orca-sub001/internal/scheduler"
	"github.com/emily-flambe/orca-sub001/internal/store"
	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

// SchedulerController is the subset of *scheduler.Scheduler the API layer
// drives: runtime config overrides and reaching a live session's handle.
type SchedulerController interface {
	Handles() *coordination.HandleTable
	ConcurrencyCap() int
	SetConcurrencyCap(n int)
	BudgetMaxCostUSD() float64
	SetBudgetMaxCostUSD(v float64)
	Snapshot() scheduler.Config
}

// RouterDeps holds every collaborator the route handlers need.
type RouterDeps struct {
	Store          *store.Store
	Scheduler      SchedulerController
	Sync           *synchronizer.Synchronizer
	Bus            *eventbus.Bus
	WorkflowStates func() map[string]tracker.WorkflowState
	Logger         logging.Logger
	Metrics        *metrics.Registry

	// SystemLogPath is the rolling system log file read by
	// GET /api/logs/system.
	SystemLogPath string

	// WebhookSecret is the shared HMAC secret for POST /api/webhooks/linear.
	WebhookSecret string

	// WebhookProjectIDs restricts accepted webhook events to this project
	// set; empty means accept any project.
	WebhookProjectIDs map[string]bool
}

// RouterConfig holds process-wide HTTP tuning values.
type RouterConfig struct {
	AllowedOrigins   []string
	RequestTimeout   time.Duration
	RateLimitPerMin  int
}

// DefaultRouterConfig returns conservative defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RequestTimeout:  30 * time.Second,
		RateLimitPerMin: 600,
	}
}
