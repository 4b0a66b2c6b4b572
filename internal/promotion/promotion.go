// Package promotion keeps the active action list topped up from the staged
// queue. It is purely mechanical: no model calls, just cap-aware moves.
package promotion

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/BasedHardware/taskpilot/internal/model"
	"github.com/BasedHardware/taskpilot/internal/telemetry"
)

// Store performs one atomic cap-checked promotion per call.
type Store interface {
	PromoteTop(ctx context.Context, activeCap int) (model.PromoteResult, error)
}

// Mirror propagates promotions to the remote backend.
type Mirror interface {
	DeleteStagedTask(ctx context.Context, id string) error
}

const (
	defaultActiveCap = 5
	defaultInterval  = 5 * time.Minute
	maxPerSweep      = 5
)

// Config tunes the promoter.
type Config struct {
	ActiveCap int
	Interval  time.Duration
}

// Promoter fills free active slots whenever a task completes, is deleted, or
// the periodic timer fires. Sweeps are single-flight.
type Promoter struct {
	store  Store
	mirror Mirror
	logger *log.Logger
	cap    int

	interval    time.Duration
	mu          sync.Mutex
	isPromoting bool
	timer       *time.Timer
	stopped     bool
}

// New builds a promoter with the configured cap and timer interval. mirror
// may be nil.
func New(store Store, mirror Mirror, cfg Config, logger *log.Logger) *Promoter {
	if logger == nil {
		logger = log.Default()
	}
	cap := cfg.ActiveCap
	if cap == 0 {
		cap = defaultActiveCap
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &Promoter{store: store, mirror: mirror, logger: logger, cap: cap, interval: interval}
}

// EnsureOnStartup runs one sweep and arms the periodic timer.
func (p *Promoter) EnsureOnStartup(ctx context.Context) {
	p.sweep(ctx)
	p.armTimer(ctx)
}

// RunNow forces an immediate sweep.
func (p *Promoter) RunNow(ctx context.Context) { p.sweep(ctx) }

// OnTaskCompleted triggers a sweep after an active task completes.
func (p *Promoter) OnTaskCompleted(ctx context.Context) { p.sweep(ctx) }

// OnTaskDeleted triggers a sweep after an active task is deleted.
func (p *Promoter) OnTaskDeleted(ctx context.Context) { p.sweep(ctx) }

// Stop disarms the periodic timer.
func (p *Promoter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Promoter) armTimer(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.interval, func() {
		p.sweep(ctx)
		p.armTimer(ctx)
	})
}

// sweep promotes until the cap is hit, the queue empties, or the per-sweep
// bound is reached.
func (p *Promoter) sweep(ctx context.Context) {
	p.mu.Lock()
	if p.isPromoting {
		p.mu.Unlock()
		return
	}
	p.isPromoting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.isPromoting = false
		p.mu.Unlock()
	}()

	for i := 0; i < maxPerSweep; i++ {
		res, err := p.store.PromoteTop(ctx, p.cap)
		if err != nil {
			p.logger.Printf("promotion: promote failed: %v", err)
			return
		}
		if !res.Promoted {
			if res.Reason != "" && i == 0 {
				p.logger.Printf("promotion: nothing to promote: %s", res.Reason)
			}
			return
		}
		telemetry.PromotionsTotal.Inc()
		if res.Task != nil {
			p.logger.Printf("promotion: promoted %q", res.Task.Title)
		}
		if p.mirror != nil && res.StagedID != "" {
			if err := p.mirror.DeleteStagedTask(ctx, res.StagedID); err != nil {
				p.logger.Printf("promotion: backend delete %s failed: %v", res.StagedID, err)
			}
		}
	}
}
