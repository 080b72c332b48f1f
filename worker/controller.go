// Package worker runs lesson work on a bounded pool and lets an operator
// pause, resume or stop it between lessons.
package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrStopped is returned from Checkpoint once a stop has been requested.
var ErrStopped = errors.New("harvest stopped by request")

// Controller is the process-wide Running/Paused flag plus the stop request.
// Workers poll it at lesson boundaries; it never preempts work in flight.
type Controller struct {
	paused    atomic.Bool
	stopped   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	pollEvery time.Duration
	window    time.Duration

	mu            sync.Mutex
	lastInterrupt time.Time
}

// NewController creates a running controller. pollEvery is how often a
// paused Checkpoint re-checks the flag; stopWindow is the maximum gap
// between two interrupts that still counts as a stop request.
func NewController(pollEvery, stopWindow time.Duration) *Controller {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Controller{
		stopCh:    make(chan struct{}),
		pollEvery: pollEvery,
		window:    stopWindow,
	}
}

// TogglePause flips between Running and Paused and returns true if the
// controller is now paused.
func (c *Controller) TogglePause() bool {
	for {
		old := c.paused.Load()
		if c.paused.CompareAndSwap(old, !old) {
			if !old {
				log.Warn().Msg("Harvest paused, send another interrupt to resume")
			} else {
				log.Info().Msg("Harvest resumed")
			}
			return !old
		}
	}
}

// Pause sets the flag to Paused.
func (c *Controller) Pause() { c.paused.Store(true) }

// Resume sets the flag to Running.
func (c *Controller) Resume() { c.paused.Store(false) }

// Paused reports the current flag.
func (c *Controller) Paused() bool { return c.paused.Load() }

// RequestStop asks every worker to finish its current lesson and start no
// new ones. It is idempotent.
func (c *Controller) RequestStop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)
		log.Warn().Msg("Stop requested, finishing lessons in progress")
	})
}

// StopRequested reports whether RequestStop has been called.
func (c *Controller) StopRequested() bool { return c.stopped.Load() }

// Done is closed when a stop is requested.
func (c *Controller) Done() <-chan struct{} { return c.stopCh }

// Checkpoint returns nil when work may continue. While paused it blocks,
// re-checking every poll interval. It returns ErrStopped after a stop
// request or the context error if ctx ends first.
func (c *Controller) Checkpoint(ctx context.Context) error {
	logged := false
	for {
		if c.StopRequested() {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.Paused() {
			if logged {
				log.Debug().Msg("Checkpoint released")
			}
			return nil
		}
		if !logged {
			log.Info().Msg("Paused, waiting before starting the next lesson")
			logged = true
		}

		timer := time.NewTimer(c.pollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-c.stopCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Interrupt handles one operator interrupt received at now. A second
// interrupt inside the stop window requests a stop; otherwise the pause
// flag is toggled.
func (c *Controller) Interrupt(now time.Time) {
	c.mu.Lock()
	last := c.lastInterrupt
	c.lastInterrupt = now
	c.mu.Unlock()

	if !last.IsZero() && c.window > 0 && now.Sub(last) <= c.window {
		c.RequestStop()
		return
	}
	c.TogglePause()
}

// HandleSignals feeds signals from ch into the controller until ctx ends or
// ch is closed. SIGINT is an interrupt, SIGTERM a stop request.
func (c *Controller) HandleSignals(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			log.Debug().Str("signal", sig.String()).Msg("Received signal")
			switch sig {
			case syscall.SIGTERM:
				c.RequestStop()
			default:
				c.Interrupt(time.Now())
			}
		}
	}
}

// WatchSignals subscribes to SIGINT and SIGTERM and routes them through
// HandleSignals. The returned function unsubscribes.
func (c *Controller) WatchSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.HandleSignals(ctx, ch)
	}()

	return func() {
		signal.Stop(ch)
		cancel()
		<-done
	}
}
