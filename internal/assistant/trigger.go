// Package assistant contains the proactive-assistant surface and the trigger
// controller that merges context switches and fallback timers into a single
// serialized extraction stream.
package assistant

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/BasedHardware/taskpilot/internal/model"
)

// Assistant is the pluggable proactive-assistant surface. Analyze observes a
// captured frame; OnContextSwitch reacts to the active window changing away;
// Stop tears everything down.
type Assistant interface {
	Analyze(ctx context.Context, frame model.CapturedFrame)
	OnContextSwitch(ctx context.Context, departing *model.CapturedFrame, newApp, newWindowTitle string)
	Stop()
}

// Processor runs one extraction for an accepted trigger.
type Processor interface {
	Process(ctx context.Context, frame model.CapturedFrame, trigger string)
}

// Config tunes the controller.
type Config struct {
	// AnalysisDelay throttles context-switch triggers.
	AnalysisDelay time.Duration
	// ExtractionInterval is the fallback timer period.
	ExtractionInterval time.Duration
}

type triggerEvent struct {
	frame   model.CapturedFrame
	trigger string
}

// Controller implements Assistant over a size-1 keep-newest trigger channel
// with a single consumer goroutine.
type Controller struct {
	processor Processor
	settings  *SettingsStore
	logger    *log.Logger
	cfg       Config

	events chan triggerEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	latest      *model.CapturedFrame
	lastYield   time.Time
	fallback    *time.Timer
	fallbackGen uint64
	stopped     bool
	now         func() time.Time
}

// NewController starts the consumer loop immediately.
func NewController(processor Processor, settings *SettingsStore, cfg Config, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.AnalysisDelay == 0 {
		cfg.AnalysisDelay = 30 * time.Second
	}
	if cfg.ExtractionInterval == 0 {
		cfg.ExtractionInterval = 600 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		processor: processor,
		settings:  settings,
		logger:    logger,
		cfg:       cfg,
		events:    make(chan triggerEvent, 1),
		cancel:    cancel,
		now:       time.Now,
	}
	c.wg.Add(1)
	go c.processLoop(ctx)
	return c
}

// Analyze records an allow-listed frame as "latest" and arms the fallback
// timer if none is running. It never triggers extraction directly.
func (c *Controller) Analyze(_ context.Context, frame model.CapturedFrame) {
	s := c.settings.Load()
	if !s.AppAllowed(frame.AppName) {
		return
	}
	if !s.WindowAllowed(frame.AppName, frame.WindowTitle) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	f := frame
	c.latest = &f
	if c.fallback == nil {
		c.armFallbackLocked()
	}
}

// OnContextSwitch fires the context-switch trigger with the departing frame,
// falling back to the latest known frame. Disallowed or throttled switches
// are dropped but still reset the fallback timer.
func (c *Controller) OnContextSwitch(_ context.Context, departing *model.CapturedFrame, newApp, newWindowTitle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	frame := departing
	if frame == nil {
		frame = c.latest
	}
	if frame == nil {
		c.logger.Printf("task: context switch but no frame available")
		return
	}

	s := c.settings.Load()
	if !s.AppAllowed(frame.AppName) {
		c.logger.Printf("task: context switch from non-allowlisted app %q, skipping", frame.AppName)
		c.armFallbackLocked()
		return
	}
	if !s.WindowAllowed(frame.AppName, frame.WindowTitle) {
		c.logger.Printf("task: context switch from filtered browser window, skipping")
		c.armFallbackLocked()
		return
	}

	if c.cfg.AnalysisDelay > 0 {
		elapsed := c.now().Sub(c.lastYield)
		if elapsed < c.cfg.AnalysisDelay {
			c.logger.Printf("task: context switch throttled (%s < %s)", elapsed.Round(time.Second), c.cfg.AnalysisDelay)
			c.armFallbackLocked()
			return
		}
	}

	c.logger.Printf("task: context switch from %s (window: %s) -> %s", frame.AppName, frame.WindowTitle, newApp)
	c.cancelFallbackLocked()
	c.lastYield = c.now()
	c.offer(triggerEvent{frame: *frame, trigger: model.TriggerContextSwitch})
}

// Stop tears down the timer, the stream, and discards any queued event.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancelFallbackLocked()
	c.latest = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	// drain anything still queued
	select {
	case <-c.events:
	default:
	}
}

// offer places an event in the size-1 buffer, overwriting a stale one.
func (c *Controller) offer(ev triggerEvent) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

func (c *Controller) processLoop(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Printf("task assistant started (event-driven)")

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("task assistant stopped")
			return
		case ev := <-c.events:
			c.logger.Printf("task: processing %s trigger from %s (window: %s)",
				ev.trigger, ev.frame.AppName, ev.frame.WindowTitle)

			c.mu.Lock()
			c.cancelFallbackLocked()
			c.mu.Unlock()

			c.processor.Process(ctx, ev.frame, ev.trigger)

			c.mu.Lock()
			if !c.stopped {
				c.armFallbackLocked()
			}
			c.mu.Unlock()
		}
	}
}

// armFallbackLocked (re)starts the fallback timer. Caller holds mu. The
// generation captured in the timer func lets fallbackFired tell a live timer
// from one that was cancelled or replaced while its func waited on mu.
func (c *Controller) armFallbackLocked() {
	c.cancelFallbackLocked()
	gen := c.fallbackGen
	c.fallback = time.AfterFunc(c.cfg.ExtractionInterval, func() { c.fallbackFired(gen) })
}

func (c *Controller) cancelFallbackLocked() {
	c.fallbackGen++
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
}

func (c *Controller) fallbackFired(gen uint64) {
	c.mu.Lock()
	if gen != c.fallbackGen || c.stopped || c.latest == nil {
		c.mu.Unlock()
		return
	}
	frame := *c.latest
	c.fallback = nil
	c.mu.Unlock()

	c.logger.Printf("task: fallback timer fired after %s", c.cfg.ExtractionInterval)
	c.offer(triggerEvent{frame: frame, trigger: model.TriggerFallbackTimer})
}
