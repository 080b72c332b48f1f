package crawl

import (
	"context"
	"fmt"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Lesson outcomes reported to the Recorder.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Fetch kinds reported to the Recorder.
const (
	KindPage  = "page"
	KindHTTP  = "http"
	KindVideo = "video"
)

// StatusStore is the ledger as seen by the lesson runner.
type StatusStore interface {
	Get(key model.LessonKey) (model.LessonStatus, bool)
	Upsert(ctx context.Context, key model.LessonKey, partial map[model.Artifact]model.ArtifactStatus, at time.Time) (model.LedgerRecord, error)
}

// StopSignal reports whether the run has been asked to stop.
type StopSignal interface {
	StopRequested() bool
}

// Recorder receives per-lesson measurements.
type Recorder interface {
	FetchAttempt(kind string)
	ArtifactRecorded(artifact model.Artifact, status model.ArtifactStatus)
	LessonFinished(outcome string, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) FetchAttempt(string) {}

func (noopRecorder) ArtifactRecorded(model.Artifact, model.ArtifactStatus) {}

func (noopRecorder) LessonFinished(string, time.Duration) {}

// RunnerConfig holds the retry and timing knobs of lesson processing.
type RunnerConfig struct {
	Attempts        int
	RetryDelay      time.Duration
	VideoRetryDelay time.Duration
	VideoWait       time.Duration
	ElementTimeout  time.Duration
	DownloadPoll    time.Duration
}

// RunnerOption customises a LessonRunner.
type RunnerOption func(*LessonRunner)

// WithStopSignal makes retries stop once stop is requested.
func WithStopSignal(s StopSignal) RunnerOption {
	return func(r *LessonRunner) { r.stop = s }
}

// WithRecorder reports measurements to rec.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *LessonRunner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithSleep replaces the delay function used between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *LessonRunner) { r.sleep = sleep }
}

// LessonRunner runs the per-lesson state machine: read the ledger, skip or
// navigate, attempt each outstanding artifact, join background fetches and
// write one combined ledger update.
type LessonRunner struct {
	cfg      RunnerConfig
	store    StatusStore
	fetcher  crawler.Fetcher
	auth     crawler.Authenticator
	failures *FailureLog
	stop     StopSignal
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewLessonRunner creates a runner. auth may be nil when the site needs no login.
func NewLessonRunner(cfg RunnerConfig, store StatusStore, fetcher crawler.Fetcher, auth crawler.Authenticator, failures *FailureLog, opts ...RunnerOption) *LessonRunner {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 10 * time.Second
	}
	if cfg.VideoWait <= 0 {
		cfg.VideoWait = 120 * time.Second
	}
	if cfg.DownloadPoll <= 0 {
		cfg.DownloadPoll = time.Second
	}

	r := &LessonRunner{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		auth:     auth,
		failures: failures,
		recorder: noopRecorder{},
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lessonRun is the state of one Process call.
type lessonRun struct {
	sess     crawler.Session
	item     model.LessonWorkItem
	results  map[model.Artifact]model.ArtifactStatus
	fetches  errgroup.Group
	deferred map[model.Artifact][]*fetchResult
}

type fetchResult struct {
	status model.ArtifactStatus
}

// spawn starts a background byte fetch for artifact. Its status is folded
// into the artifact's result after the lesson joins its fetches.
func (run *lessonRun) spawn(ctx context.Context, artifact model.Artifact, fetch func(ctx context.Context) model.ArtifactStatus) {
	res := &fetchResult{status: model.StatusFailed}
	run.deferred[artifact] = append(run.deferred[artifact], res)
	run.fetches.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("artifact", string(artifact)).Msg("Recovered panic in background fetch")
				res.status = model.StatusFailed
			}
		}()
		res.status = fetch(ctx)
		return nil
	})
}

// join waits for background fetches; an artifact is Success only if every
// one of its fetches succeeded.
func (run *lessonRun) join() {
	_ = run.fetches.Wait()
	for artifact, list := range run.deferred {
		status := model.StatusSuccess
		for _, res := range list {
			if res.status != model.StatusSuccess {
				status = model.StatusFailed
			}
		}
		run.results[artifact] = status
	}
	run.deferred = make(map[model.Artifact][]*fetchResult)
}

// Process handles one lesson. The returned error is reserved for ledger
// failures and recovered panics; artifact failures are carried in the
// outcome's statuses.
func (r *LessonRunner) Process(ctx context.Context, sess crawler.Session, item model.LessonWorkItem) (outcome model.LessonOutcome, err error) {
	start := r.now()
	outcome.Key = item.Key

	status, found := r.store.Get(item.Key)
	log.Info().
		Str("lesson", item.Title).
		Str("description", string(status.Description)).
		Str("thumbnail", string(status.Thumbnail)).
		Str("video", string(status.Video)).
		Str("material", string(status.Material)).
		Msg("Checking lesson")

	if !status.NeedsWork() {
		log.Info().Str("lesson", item.Key.Lesson).Msg("All components already downloaded, skipping lesson")
		outcome.Skipped = true
		outcome.Status = status
		r.recorder.LessonFinished(OutcomeSkipped, 0)
		return outcome, nil
	}

	if !found {
		if _, err := r.store.Upsert(ctx, item.Key, nil, start); err != nil {
			return outcome, fmt.Errorf("failed to create ledger row: %w", err)
		}
	}

	var todo []model.Artifact
	for _, a := range model.Artifacts {
		if status.Get(a).NeedsAttempt() {
			todo = append(todo, a)
		}
	}

	run := &lessonRun{
		sess:     sess,
		item:     item,
		results:  make(map[model.Artifact]model.ArtifactStatus),
		deferred: make(map[model.Artifact][]*fetchResult),
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("lesson", item.Key.String()).Msg("Recovered panic while processing lesson")
			run.join()
			for _, a := range todo {
				if _, ok := run.results[a]; !ok {
					run.results[a] = model.StatusFailed
				}
			}
			r.failures.Add(item.Key, item.Title, item.URL, fmt.Sprintf("panic: %v", rec))
			outcome, err = r.record(ctx, run, outcome, start)
			if err == nil {
				err = fmt.Errorf("panic processing lesson %s: %v", item.Key, rec)
			}
		}
	}()

	if res := r.open(ctx, run); res.Exhausted() {
		for _, a := range todo {
			run.results[a] = model.StatusFailed
		}
		r.failures.Add(item.Key, item.Title, item.URL, fmt.Sprintf("failed to open lesson page: %v", res.Err))
		return r.record(ctx, run, outcome, start)
	}

	for _, a := range todo {
		if r.stopRequested() {
			log.Info().Str("lesson", item.Key.Lesson).Str("artifact", string(a)).Msg("Stop requested, leaving remaining artifacts for the next run")
			break
		}
		switch a {
		case model.ArtifactDescription:
			run.results[a] = r.fetchDescription(ctx, run)
		case model.ArtifactThumbnail:
			r.fetchThumbnail(ctx, run)
		case model.ArtifactVideo:
			run.results[a] = r.fetchVideo(ctx, run)
		case model.ArtifactMaterial:
			r.fetchMaterial(ctx, run)
		}
	}

	run.join()
	return r.record(ctx, run, outcome, start)
}

// open navigates to the lesson page, logging in again if the site bounced
// the session to its login page.
func (r *LessonRunner) open(ctx context.Context, run *lessonRun) Result {
	log.Info().Str("lesson", run.item.Title).Str("url", run.item.URL).Msg("Opening lesson page")
	return r.policy("navigate "+run.item.Key.Lesson, r.cfg.RetryDelay, nil, KindPage).Do(ctx, func(ctx context.Context, attempt int) error {
		if err := run.sess.Navigate(ctx, run.item.URL); err != nil {
			return err
		}
		return r.ensureAuthenticated(ctx, run.sess, run.item.URL)
	})
}

// ensureAuthenticated re-logs in and returns to url if the session sits on
// a login page. It does not consume a retry.
func (r *LessonRunner) ensureAuthenticated(ctx context.Context, sess crawler.Session, url string) error {
	if r.auth == nil {
		return nil
	}
	location, err := sess.CurrentURL(ctx)
	if err != nil {
		return err
	}
	if !r.auth.AtLoginBoundary(location) {
		return nil
	}

	log.Warn().Str("session", sess.ID()).Msg("Session expired, re-logging in")
	if err := r.auth.Login(ctx, sess); err != nil {
		return fmt.Errorf("re-login failed: %w", err)
	}
	return sess.Navigate(ctx, url)
}

func (r *LessonRunner) record(ctx context.Context, run *lessonRun, outcome model.LessonOutcome, start time.Time) (model.LessonOutcome, error) {
	for a := range run.results {
		outcome.Attempted = append(outcome.Attempted, a)
	}
	outcome.Attempted = orderArtifacts(outcome.Attempted)
	outcome.Duration = r.now().Sub(start)

	rec, err := r.store.Upsert(context.WithoutCancel(ctx), run.item.Key, run.results, r.now())
	if err != nil {
		r.recorder.LessonFinished(OutcomeFailed, outcome.Duration)
		return outcome, fmt.Errorf("failed to record lesson %s: %w", run.item.Key, err)
	}
	outcome.Status = rec.Status

	failed := false
	for a, s := range run.results {
		r.recorder.ArtifactRecorded(a, s)
		if s == model.StatusFailed {
			failed = true
		}
	}
	if failed {
		r.recorder.LessonFinished(OutcomeFailed, outcome.Duration)
	} else {
		r.recorder.LessonFinished(OutcomeProcessed, outcome.Duration)
	}

	log.Info().
		Str("lesson", run.item.Key.Lesson).
		Str("description", string(rec.Status.Description)).
		Str("thumbnail", string(rec.Status.Thumbnail)).
		Str("video", string(rec.Status.Video)).
		Str("material", string(rec.Status.Material)).
		Dur("took", outcome.Duration).
		Msg("Lesson recorded")
	return outcome, nil
}

func (r *LessonRunner) policy(label string, delay time.Duration, reset func(ctx context.Context) error, kind string) Policy {
	return Policy{
		Label:     label,
		Attempts:  r.cfg.Attempts,
		Delay:     delay,
		Reset:     reset,
		Abort:     r.stopRequested,
		Sleep:     r.sleep,
		OnAttempt: func(int) { r.recorder.FetchAttempt(kind) },
	}
}

func (r *LessonRunner) stopRequested() bool {
	return r.stop != nil && r.stop.StopRequested()
}

func (r *LessonRunner) exhausted(run *lessonRun, label, url string, res Result) {
	r.failures.Add(run.item.Key, label, url, fmt.Sprintf("max retries exceeded: %v", res.Err))
}

// download reserves a unique name for filename in the lesson directory and
// fetches url into it with retries.
func (r *LessonRunner) download(ctx context.Context, run *lessonRun, url, filename string) model.ArtifactStatus {
	path, err := common.ReserveUniquePath(run.item.Dir, filename)
	if err != nil {
		r.failures.Add(run.item.Key, filename, url, err.Error())
		return model.StatusFailed
	}

	res := r.policy(filename, r.cfg.RetryDelay, nil, KindHTTP).Do(ctx, func(ctx context.Context, attempt int) error {
		return r.fetcher.FetchToFile(ctx, url, path)
	})
	if res.Status != model.StatusSuccess {
		common.ReleaseReservation(path)
		r.exhausted(run, filename, url, res)
		return model.StatusFailed
	}

	log.Info().Str("file", path).Msg("Downloaded")
	return model.StatusSuccess
}

func orderArtifacts(list []model.Artifact) []model.Artifact {
	present := make(map[model.Artifact]bool, len(list))
	for _, a := range list {
		present[a] = true
	}
	ordered := make([]model.Artifact, 0, len(list))
	for _, a := range model.Artifacts {
		if present[a] {
			ordered = append(ordered, a)
		}
	}
	return ordered
}

func refresher(sess crawler.Session) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		log.Debug().Str("session", sess.ID()).Msg("Refreshing page")
		return sess.Refresh(ctx)
	}
}
