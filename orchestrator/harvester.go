// Package orchestrator discovers courses, modules and lessons and dispatches
// outstanding lessons to the worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/crawl"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/researchaccelerator-hub/lesson-harvester/worker"
	"github.com/rs/zerolog/log"
)

// CompletionSource reports which lessons are already fully harvested.
type CompletionSource interface {
	CompletedSet() map[model.LessonKey]struct{}
}

// LessonDispatcher runs a batch of lessons.
type LessonDispatcher interface {
	Run(ctx context.Context, items []model.LessonWorkItem) ([]model.LessonOutcome, error)
}

// Config holds the discovery settings.
type Config struct {
	RunID      string
	BaseDir    string
	Attempts   int
	RetryDelay time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Harvester walks the catalog course by course. Discovery borrows a session
// from the pool only while it reads a listing, so every slot is free again
// when the course's lessons are dispatched.
type Harvester struct {
	cfg        Config
	catalog    crawler.Catalog
	sessions   worker.SessionSource
	dispatcher LessonDispatcher
	completed  CompletionSource
	failures   *crawl.FailureLog
	controller *worker.Controller
}

// Summary describes one harvesting run.
type Summary struct {
	RunID           string
	Courses         int
	Modules         int
	Lessons         int
	AlreadyComplete int
	Queued          int
	Processed       int
	Skipped         int
	LessonsFailed   int
	Failures        int
	Stopped         bool
	Duration        time.Duration
}

// NewHarvester wires the discovery pass. controller may be nil.
func NewHarvester(cfg Config, catalog crawler.Catalog, sessions worker.SessionSource, dispatcher LessonDispatcher, completed CompletionSource, failures *crawl.FailureLog, controller *worker.Controller) *Harvester {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if controller == nil {
		controller = worker.NewController(time.Second, 0)
	}
	return &Harvester{
		cfg:        cfg,
		catalog:    catalog,
		sessions:   sessions,
		dispatcher: dispatcher,
		completed:  completed,
		failures:   failures,
		controller: controller,
	}
}

// Run lists every course, discovers its outline and runs its outstanding
// lessons. A course whose outline cannot be read is recorded in the failure
// log and skipped. Run returns an error only if the course listing itself
// cannot be obtained or ctx ends; a stop request ends the run early with
// Summary.Stopped set.
func (h *Harvester) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: h.cfg.RunID}

	var courses []model.Course
	res := h.policy("course listing").Do(ctx, func(ctx context.Context, attempt int) error {
		found, err := withSession(ctx, h.sessions, func(sess crawler.Session) ([]model.Course, error) {
			return h.catalog.Courses(ctx, sess)
		})
		courses = found
		return err
	})
	if res.Status != model.StatusSuccess {
		return h.finish(summary, start), fmt.Errorf("failed to list courses: %w", res.Err)
	}

	log.Info().Int("courses", len(courses)).Msg("Found courses")
	summary.Courses = len(courses)

	for _, course := range courses {
		if err := h.controller.Checkpoint(ctx); err != nil {
			if errors.Is(err, worker.ErrStopped) {
				summary.Stopped = true
				break
			}
			return h.finish(summary, start), err
		}

		log.Info().Str("course", course.Title).Msg("Processing course")
		items, ok := h.discover(ctx, course, &summary)
		if !ok || len(items) == 0 {
			continue
		}

		outcomes, err := h.dispatcher.Run(ctx, items)
		h.tally(outcomes, &summary)
		if err != nil {
			if errors.Is(err, worker.ErrStopped) {
				summary.Stopped = true
				break
			}
			return h.finish(summary, start), err
		}
	}

	return h.finish(summary, start), nil
}

// discover reads the outline of one course and returns the lessons that
// still need work. It reports false if the outline could not be read.
func (h *Harvester) discover(ctx context.Context, course model.Course, summary *Summary) ([]model.LessonWorkItem, bool) {
	var modules []model.Module
	res := h.policy("outline "+course.Title).Do(ctx, func(ctx context.Context, attempt int) error {
		found, err := withSession(ctx, h.sessions, func(sess crawler.Session) ([]model.Module, error) {
			return h.catalog.Outline(ctx, sess, course)
		})
		modules = found
		return err
	})
	if res.Status != model.StatusSuccess {
		log.Error().Err(res.Err).Str("course", course.Title).Msg("Failed to scrape course after retries")
		h.failures.Add(model.LessonKey{Course: common.SanitizeName(course.Title)}, course.Title, course.URL, fmt.Sprintf("failed to scrape modules: %v", res.Err))
		return nil, false
	}

	completed := h.completed.CompletedSet()
	courseName := common.SanitizeName(course.Title)
	courseDir := filepath.Join(h.cfg.BaseDir, courseName)

	var items []model.LessonWorkItem
	for mi, module := range modules {
		summary.Modules++
		moduleDir := filepath.Join(courseDir, common.OrdinalName(mi+1, module.Title))
		log.Info().Str("course", course.Title).Str("module", module.Title).Int("lessons", len(module.Lessons)).Msg("Module")

		for li, lesson := range module.Lessons {
			summary.Lessons++
			lessonName := common.OrdinalName(li+1, lesson.Title)
			key := model.LessonKey{
				Course: courseName,
				Module: common.SanitizeName(module.Title),
				Lesson: lessonName,
			}
			if _, done := completed[key]; done {
				log.Info().Str("lesson", lessonName).Msg("Already downloaded, skipping lesson")
				summary.AlreadyComplete++
				continue
			}

			items = append(items, model.LessonWorkItem{
				Key:    key,
				Title:  lesson.Title,
				URL:    lesson.URL,
				Dir:    filepath.Join(moduleDir, lessonName),
				Course: course.Title,
				Module: module.Title,
			})
		}
	}

	summary.Queued += len(items)
	log.Info().Str("course", course.Title).Int("queued", len(items)).Msg("Lessons queued")
	return items, true
}

// withSession runs fn with a session borrowed from src.
func withSession[T any](ctx context.Context, src worker.SessionSource, fn func(sess crawler.Session) (T, error)) (T, error) {
	sess, err := src.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer src.Release(sess)
	return fn(sess)
}

func (h *Harvester) policy(label string) crawl.Policy {
	return crawl.Policy{
		Label:    label,
		Attempts: h.cfg.Attempts,
		Delay:    h.cfg.RetryDelay,
		Abort:    h.controller.StopRequested,
		Sleep:    h.cfg.Sleep,
	}
}

func (h *Harvester) tally(outcomes []model.LessonOutcome, summary *Summary) {
	for _, o := range outcomes {
		if o.Skipped {
			summary.Skipped++
			continue
		}
		summary.Processed++
		for _, a := range o.Attempted {
			if o.Status.Get(a) == model.StatusFailed {
				summary.LessonsFailed++
				break
			}
		}
	}
}

func (h *Harvester) finish(summary Summary, start time.Time) Summary {
	summary.Failures = h.failures.Len()
	summary.Duration = time.Since(start)
	return summary
}
