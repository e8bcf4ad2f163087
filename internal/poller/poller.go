// Package poller runs periodic full-syncs while the inbound webhook path
// is unhealthy, backing off on failure the way the teacher's supervisor
// backs off failed component restarts in internal/devops/supervisor.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/emily-flambe/orca-sub001/internal/logging"
	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

const (
	baseInterval       = 30 * time.Second
	maxInterval        = 300 * time.Second
	jitterFraction     = 0.5
)

// TunnelHealthFunc reports whether the inbound webhook tunnel is currently
// connected. When true, the poller skips its tick.
type TunnelHealthFunc func() bool

// ErrorCategory classifies why a poll tick failed.
type ErrorCategory string

const (
	CategoryNone      ErrorCategory = ""
	CategoryPermanent ErrorCategory = "permanent"
	CategoryTransient ErrorCategory = "transient"
)

// Health is a point-in-time snapshot of the poller's state.
type Health struct {
	ConsecutiveFailures int
	CurrentIntervalMs   int64
	LastSuccessAt       time.Time
	LastError           string
	LastErrorCategory   ErrorCategory
	LastSyncResult      synchronizer.FullSyncResult
	Stopped             bool
}

// Syncer is the subset of Synchronizer the poller drives.
type Syncer interface {
	FullSync(ctx context.Context) (synchronizer.FullSyncResult, error)
}

// Poller periodically calls FullSync when the tunnel is unhealthy.
type Poller struct {
	syncer          Syncer
	isConnected     TunnelHealthFunc
	logger          logging.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	currentInterval     time.Duration
	lastSuccessAt       time.Time
	lastError           string
	lastErrorCategory   ErrorCategory
	lastSyncResult      synchronizer.FullSyncResult
	stopped             bool
	wasUnhealthy        bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Poller.
func New(syncer Syncer, isConnected TunnelHealthFunc, logger logging.Logger) *Poller {
	return &Poller{
		syncer:          syncer,
		isConnected:     isConnected,
		logger:          logging.OrNop(logger),
		currentInterval: baseInterval,
	}
}

// Start runs the poll loop in a background goroutine until Stop is called
// or ctx is canceled.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.runLoop(ctx)
	}()
}

func (p *Poller) runLoop(ctx context.Context) {
	for {
		interval := p.nextWait()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if p.isStopped() {
			return
		}

		if p.isConnected != nil && p.isConnected() {
			p.mu.Lock()
			p.wasUnhealthy = false
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		wasUnhealthy := p.wasUnhealthy
		p.wasUnhealthy = true
		p.mu.Unlock()
		if !wasUnhealthy {
			p.logger.Info("poller: tunnel unhealthy, falling back to polling")
		}

		p.tick(ctx)
	}
}

func (p *Poller) nextWait() time.Duration {
	p.mu.Lock()
	base := p.currentInterval
	p.mu.Unlock()
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(base) * jitter)
}

func (p *Poller) tick(ctx context.Context) {
	result, err := p.syncer.FullSync(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		var authErr *tracker.ErrAuth
		if errors.As(err, &authErr) {
			p.stopped = true
			p.lastErrorCategory = CategoryPermanent
			p.lastError = err.Error()
			p.logger.Error("poller: permanent auth error, stopping poller: %v", err)
			return
		}
		p.consecutiveFailures++
		p.lastErrorCategory = CategoryTransient
		p.lastError = err.Error()
		p.backoffLocked()
		return
	}

	p.lastSyncResult = result
	if result.Failed > 0 {
		p.consecutiveFailures++
		p.lastErrorCategory = CategoryTransient
		p.lastError = "partial sync failure"
		p.backoffLocked()
		return
	}

	p.consecutiveFailures = 0
	p.currentInterval = baseInterval
	p.lastSuccessAt = time.Now()
	p.lastError = ""
	p.lastErrorCategory = CategoryNone
}

func (p *Poller) backoffLocked() {
	multiplier := 1 << (p.consecutiveFailures - 1)
	next := time.Duration(multiplier) * baseInterval
	if next > maxInterval {
		next = maxInterval
	}
	p.currentInterval = next
}

func (p *Poller) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Health returns a snapshot of the poller's current state.
func (p *Poller) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		ConsecutiveFailures: p.consecutiveFailures,
		CurrentIntervalMs:   p.currentInterval.Milliseconds(),
		LastSuccessAt:       p.lastSuccessAt,
		LastError:           p.lastError,
		LastErrorCategory:   p.lastErrorCategory,
		LastSyncResult:      p.lastSyncResult,
		Stopped:             p.stopped,
	}
}

// Stop cancels any pending timer and prevents further ticks.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
