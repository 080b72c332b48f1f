package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SessionSource hands out one browsing session per lesson slot.
type SessionSource interface {
	Acquire(ctx context.Context) (crawler.Session, error)
	Release(sess crawler.Session)
	HandleSessionError(ctx context.Context, sess crawler.Session) (crawler.Session, error)
}

// LessonProcessor handles a single lesson with an exclusive session.
type LessonProcessor interface {
	Process(ctx context.Context, sess crawler.Session, item model.LessonWorkItem) (model.LessonOutcome, error)
}

// Pool runs lessons with a fixed maximum number in flight.
type Pool struct {
	ID         string
	limit      int
	sessions   SessionSource
	processor  LessonProcessor
	controller *Controller

	// Statistics
	mu             sync.Mutex
	tasksProcessed int
	tasksSkipped   int
	tasksSuccess   int
	tasksError     int
	startTime      time.Time
}

// NewPool creates a pool running at most limit lessons at once.
func NewPool(id string, limit int, sessions SessionSource, processor LessonProcessor, controller *Controller) *Pool {
	if limit < 1 {
		limit = 1
	}
	if controller == nil {
		controller = NewController(time.Second, 0)
	}
	return &Pool{
		ID:         id,
		limit:      limit,
		sessions:   sessions,
		processor:  processor,
		controller: controller,
		startTime:  time.Now(),
	}
}

// Run processes items and returns the outcomes of every lesson that
// finished, in completion order. The controller is consulted before each
// lesson is dequeued; after a stop request no new lesson starts, lessons in
// flight are waited for and ErrStopped is returned. Lesson failures never
// abort the run.
func (p *Pool) Run(ctx context.Context, items []model.LessonWorkItem) ([]model.LessonOutcome, error) {
	var (
		mu       sync.Mutex
		outcomes []model.LessonOutcome
		g        errgroup.Group
		runErr   error
	)
	g.SetLimit(p.limit)

	for _, item := range items {
		if err := p.controller.Checkpoint(ctx); err != nil {
			runErr = err
			break
		}

		item := item
		g.Go(func() error {
			outcome, ok := p.runOne(ctx, item)
			if ok {
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()

	if runErr != nil {
		log.Info().Str("pool", p.ID).Err(runErr).Int("finished", len(outcomes)).Int("queued", len(items)).Msg("Lesson dispatch ended early")
	}
	return outcomes, runErr
}

// runOne owns one session for the duration of one lesson. It never panics
// and never returns an error to the group. A lesson that waited for a free
// slot is checkpointed again, so it neither starts while paused nor after a
// stop.
func (p *Pool) runOne(ctx context.Context, item model.LessonWorkItem) (outcome model.LessonOutcome, ok bool) {
	if err := p.controller.Checkpoint(ctx); err != nil {
		return outcome, false
	}

	sess, err := p.sessions.Acquire(ctx)
	if err != nil {
		log.Error().Err(err).Str("lesson", item.Key.String()).Msg("No session available for lesson, leaving it for the next run")
		p.count(false, false)
		return outcome, false
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("lesson", item.Key.String()).Msg("Recovered panic in lesson worker")
			p.replaceSession(ctx, sess, fmt.Errorf("panic: %v", r))
			p.count(false, false)
			ok = false
		}
	}()

	outcome, err = p.processor.Process(ctx, sess, item)
	if err != nil {
		log.Error().Err(err).Str("lesson", item.Key.String()).Msg("Lesson ended with an error")
		p.replaceSession(ctx, sess, err)
		p.count(false, false)
		return outcome, true
	}
	p.sessions.Release(sess)

	failed := false
	for _, a := range outcome.Attempted {
		if outcome.Status.Get(a) == model.StatusFailed {
			failed = true
		}
	}
	p.count(!failed, outcome.Skipped)
	return outcome, true
}

// replaceSession swaps a session that may be left in an unknown state for a
// fresh one and returns that to the pool.
func (p *Pool) replaceSession(ctx context.Context, sess crawler.Session, cause error) {
	fresh, err := p.sessions.HandleSessionError(ctx, sess)
	if err != nil {
		log.Warn().Err(err).AnErr("cause", cause).Msg("Could not replace session")
		return
	}
	p.sessions.Release(fresh)
}

func (p *Pool) count(success, skipped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasksProcessed++
	switch {
	case skipped:
		p.tasksSkipped++
	case success:
		p.tasksSuccess++
	default:
		p.tasksError++
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Processed int
	Skipped   int
	Success   int
	Errors    int
	Uptime    time.Duration
}

// GetStats returns the counters accumulated across every Run call.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Processed: p.tasksProcessed,
		Skipped:   p.tasksSkipped,
		Success:   p.tasksSuccess,
		Errors:    p.tasksError,
		Uptime:    time.Since(p.startTime),
	}
}

// String renders the counters for the run summary.
func (s Stats) String() string {
	return fmt.Sprintf("%d lessons handled (%d downloaded, %d skipped, %d with failures)", s.Processed, s.Success, s.Skipped, s.Errors)
}

// IsStopped reports whether err means the run was stopped on request.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}
