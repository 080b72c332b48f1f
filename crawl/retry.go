// Package crawl processes lessons: it decides which artifacts still need
// work, fetches them with bounded retries and records the outcome.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAbsent marks an artifact that legitimately does not exist for a
	// lesson. It is recorded as None and never retried.
	ErrAbsent = errors.New("artifact not present for this lesson")
	// ErrDownloadIncomplete means a download did not produce a complete,
	// non-empty file within the wait window.
	ErrDownloadIncomplete = errors.New("download incomplete")
	// ErrRetryAborted is reported when a stop request prevented further attempts.
	ErrRetryAborted = errors.New("retries aborted by stop request")
)

// Policy retries an operation a bounded number of times.
type Policy struct {
	Label    string
	Attempts int
	Delay    time.Duration
	// Terminal reports errors that end the loop with StatusNone. Defaults to
	// errors.Is(err, ErrAbsent).
	Terminal func(err error) bool
	// Reset runs between attempts, e.g. to refresh the browsing session.
	Reset func(ctx context.Context) error
	// Abort is checked before each retry; returning true stops retrying.
	Abort func() bool
	// OnAttempt is called before every attempt.
	OnAttempt func(attempt int)
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Result is the resolved outcome of Policy.Do.
type Result struct {
	Status   model.ArtifactStatus
	Attempts int
	Err      error
}

// Exhausted reports whether the operation failed after using its budget or
// being aborted.
func (r Result) Exhausted() bool {
	return r.Status == model.StatusFailed
}

// Do runs op until it succeeds, fails terminally, or the attempt budget is
// spent. Panics inside op are converted to errors. Do never returns an error
// itself; the outcome is carried in Result.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) Result {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	terminal := p.Terminal
	if terminal == nil {
		terminal = func(err error) bool { return errors.Is(err, ErrAbsent) }
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.OnAttempt != nil {
			p.OnAttempt(attempt)
		}

		err := safeCall(ctx, attempt, op)
		if err == nil {
			return Result{Status: model.StatusSuccess, Attempts: attempt}
		}
		if terminal(err) {
			log.Info().Str("label", p.Label).Err(err).Msg("Artifact not present, recording None")
			return Result{Status: model.StatusNone, Attempts: attempt, Err: err}
		}
		lastErr = err

		log.Warn().Err(err).Str("label", p.Label).Int("attempt", attempt).Int("max_attempts", attempts).Msg("Attempt failed")

		if attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			lastErr = fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			return Result{Status: model.StatusFailed, Attempts: attempt, Err: lastErr}
		}
		if p.Abort != nil && p.Abort() {
			return Result{Status: model.StatusFailed, Attempts: attempt, Err: fmt.Errorf("%w: %v", ErrRetryAborted, err)}
		}

		if err := sleep(ctx, p.Delay); err != nil {
			return Result{Status: model.StatusFailed, Attempts: attempt, Err: fmt.Errorf("%w (last error: %v)", err, lastErr)}
		}
		if p.Reset != nil {
			if err := p.Reset(ctx); err != nil {
				log.Warn().Err(err).Str("label", p.Label).Msg("Reset between attempts failed")
			}
		}
	}

	log.Error().Err(lastErr).Str("label", p.Label).Int("attempts", attempts).Msg("Retries exhausted")
	return Result{Status: model.StatusFailed, Attempts: attempts, Err: lastErr}
}

func safeCall(ctx context.Context, attempt int, op func(ctx context.Context, attempt int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during attempt %d: %v", attempt, r)
		}
	}()
	return op(ctx, attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
