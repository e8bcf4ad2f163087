package main

import (
	"context"
	"sync"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

// workflowStateCache adapts tracker.Client.WorkflowStates' per-call,
// error-returning signature to the synchronous func() the scheduler and
// httpapi need for write-back lookups, refreshing in the background and
// serving the last good snapshot on fetch failure.
type workflowStateCache struct {
	client  *tracker.Client
	teamIDs []string
	logger  logging.Logger

	mu       sync.RWMutex
	snapshot map[string]tracker.WorkflowState
}

func newWorkflowStateCache(client *tracker.Client, teamIDs []string, logger logging.Logger) *workflowStateCache {
	c := &workflowStateCache{
		client:   client,
		teamIDs:  teamIDs,
		logger:   logging.OrNop(logger),
		snapshot: make(map[string]tracker.WorkflowState),
	}
	c.refresh(context.Background())
	return c
}

func (c *workflowStateCache) refresh(ctx context.Context) {
	if len(c.teamIDs) == 0 {
		return
	}
	states, err := c.client.WorkflowStates(ctx, c.teamIDs)
	if err != nil {
		c.logger.Warn("orca: refresh workflow states: %v", err)
		return
	}
	c.mu.Lock()
	c.snapshot = states
	c.mu.Unlock()
}

// Get returns the cached name->state map; safe to call from the scheduler's
// hot path since it never blocks on network I/O.
func (c *workflowStateCache) Get() map[string]tracker.WorkflowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Start periodically refreshes the cache until ctx is canceled.
func (c *workflowStateCache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}
