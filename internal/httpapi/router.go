package httpapi

import (
	"net/http"
)

// NewRouter builds the full HTTP handler: every route from the control
// surface, each annotated with its canonical route name and wrapped in the
// fixed middleware chain, in the corpus's layering order.
func NewRouter(deps RouterDeps, cfg RouterConfig) http.Handler {
	h := newAPIHandler(deps)
	mux := http.NewServeMux()

	register := func(pattern, route string, handler http.HandlerFunc) {
		mux.Handle(pattern, routeHandler(route, handler))
	}

	register("GET /api/tasks", "/api/tasks", h.handleListTasks)
	register("GET /api/tasks/{task_id}", "/api/tasks/{task_id}", h.handleGetTask)
	register("POST /api/tasks/{task_id}/status", "/api/tasks/{task_id}/status", h.handleSetTaskStatus)
	register("POST /api/tasks/{task_id}/retry", "/api/tasks/{task_id}/retry", h.handleRetryTask)
	register("GET /api/invocations/{invocation_id}/logs", "/api/invocations/{invocation_id}/logs", h.handleInvocationLogs)
	register("POST /api/invocations/{invocation_id}/abort", "/api/invocations/{invocation_id}/abort", h.handleAbortInvocation)
	register("POST /api/invocations/{invocation_id}/prompt", "/api/invocations/{invocation_id}/prompt", h.handlePromptInvocation)
	register("POST /api/sync", "/api/sync", h.handleSync)
	register("GET /api/status", "/api/status", h.handleStatus)
	register("POST /api/config", "/api/config", h.handleConfig)
	register("GET /api/events", "/api/events", h.handleEvents)
	register("GET /api/logs/system", "/api/logs/system", h.handleSystemLogs)
	register("GET /api/metrics", "/api/metrics", h.handleDomainMetrics)
	register("POST /api/webhooks/linear", "/api/webhooks/linear", h.handleWebhook)

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", routeHandler("/metrics", deps.Metrics.Handler().ServeHTTP))
	}

	var handler http.Handler = mux
	middlewares := []func(http.Handler) http.Handler{
		SecurityHeadersMiddleware(),
		ObservabilityMiddleware(),
		LoggingMiddleware(deps.Logger),
		RateLimitMiddleware(RateLimitConfig{RequestsPerMinute: cfg.RateLimitPerMin}),
		RequestTimeoutMiddleware(cfg.RequestTimeout),
		StreamGuardMiddleware(),
		CompressionMiddleware(),
		CORSMiddleware(cfg.AllowedOrigins),
	}
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
