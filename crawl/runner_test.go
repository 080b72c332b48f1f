package crawl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler/crawlertest"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/researchaccelerator-hub/lesson-harvester/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lessonURL   = "https://school.test/lessons/welcome"
	loginURL    = "https://school.test/login"
	homeURL     = "https://school.test/home"
	thumbURL    = "https://cdn.test/img/welcome.png"
	materialURL = "https://cdn.test/files/notes.pdf?sig=abc"
	videoURL    = "https://video.test/v/42/download"
)

type fakeFetcher struct {
	mu       sync.Mutex
	content  map[string][]byte
	failures map[string]error
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		content:  map[string][]byte{thumbURL: []byte("png"), materialURL: []byte("pdf")},
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetcher) FetchToFile(ctx context.Context, url, dest string) error {
	f.mu.Lock()
	f.calls[url]++
	err := f.failures[url]
	data, ok := f.content[url]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("GET %s: 404", url)
	}
	return os.WriteFile(dest, data, 0644)
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeAuth struct {
	logins int32
}

func (a *fakeAuth) AtLoginBoundary(location string) bool {
	return strings.Contains(location, "login")
}

func (a *fakeAuth) Login(ctx context.Context, sess crawler.Session) error {
	atomic.AddInt32(&a.logins, 1)
	return sess.Navigate(ctx, homeURL)
}

type stopAfter struct {
	stopped atomic.Bool
}

func (s *stopAfter) StopRequested() bool { return s.stopped.Load() }

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func lessonPage() *crawlertest.Page {
	return &crawlertest.Page{Roles: map[crawler.Role][]*crawlertest.Node{
		crawler.RoleRichText:     {{Text: "  Welcome to the course.  "}},
		crawler.RoleThumbnail:    {{Attrs: map[string]string{"src": thumbURL}}},
		crawler.RoleVideoActions: {{}},
		crawler.RoleVideoLink:    {{Attrs: map[string]string{"href": videoURL}}},
		crawler.RoleAttachment: {{Children: map[crawler.Role][]*crawlertest.Node{
			crawler.RoleAttachmentTitle: {{Text: "Lecture Notes"}},
			crawler.RoleAttachmentLink:  {{Attrs: map[string]string{"href": materialURL}}},
		}}},
	}}
}

type harness struct {
	site     *crawlertest.Site
	sess     *crawlertest.Session
	ledger   *state.Ledger
	fetcher  *fakeFetcher
	auth     *fakeAuth
	failures *FailureLog
	item     model.LessonWorkItem
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	ledger, err := state.OpenLedger(filepath.Join(root, "download_log.csv"))
	require.NoError(t, err)

	site := crawlertest.NewSite()
	site.AddPage(lessonURL, lessonPage())
	site.AddPage(homeURL, &crawlertest.Page{})
	site.AddPage(loginURL, &crawlertest.Page{})
	site.AddDownload(videoURL, crawlertest.Download{Name: "lecture.mp4", Content: []byte("video-bytes")})

	key := model.LessonKey{Course: "Course", Module: "01 - Intro", Lesson: "01 - Welcome"}
	return &harness{
		site:     site,
		sess:     site.Session(),
		ledger:   ledger,
		fetcher:  newFakeFetcher(),
		auth:     &fakeAuth{},
		failures: NewFailureLog("test-run"),
		item: model.LessonWorkItem{
			Key:    key,
			Title:  "Welcome",
			URL:    lessonURL,
			Dir:    filepath.Join(root, "Course", "01 - Intro", "01 - Welcome"),
			Course: "Course",
			Module: "Intro",
		},
	}
}

func (h *harness) runner(opts ...RunnerOption) *LessonRunner {
	cfg := RunnerConfig{
		Attempts:       3,
		ElementTimeout: 10 * time.Millisecond,
		VideoWait:      2 * time.Second,
		DownloadPoll:   20 * time.Millisecond,
	}
	opts = append([]RunnerOption{WithSleep(noSleep)}, opts...)
	return NewLessonRunner(cfg, h.ledger, h.fetcher, h.auth, h.failures, opts...)
}

func (h *harness) seed(t *testing.T, status model.LessonStatus) {
	t.Helper()
	_, err := h.ledger.Upsert(context.Background(), h.item.Key, map[model.Artifact]model.ArtifactStatus{
		model.ArtifactDescription: status.Description,
		model.ArtifactThumbnail:   status.Thumbnail,
		model.ArtifactVideo:       status.Video,
		model.ArtifactMaterial:    status.Material,
	}, time.Now())
	require.NoError(t, err)
}

func (h *harness) file(name string) string {
	return filepath.Join(h.item.Dir, name)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestProcessDownloadsAllArtifacts(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.False(t, outcome.Skipped)
	assert.Equal(t, model.Artifacts, outcome.Attempted)
	assert.Equal(t, model.LessonStatus{
		Description: model.StatusSuccess,
		Thumbnail:   model.StatusSuccess,
		Video:       model.StatusSuccess,
		Material:    model.StatusSuccess,
	}, outcome.Status)

	assert.Equal(t, "Welcome to the course.", readFile(t, h.file("description.txt")))
	assert.Equal(t, "png", readFile(t, h.file("01 - Welcome.jpg")))
	assert.Equal(t, "video-bytes", readFile(t, h.file("01 - Welcome.mp4")))
	assert.Equal(t, "pdf", readFile(t, h.file("Lecture Notes.pdf")))

	entries, err := os.ReadDir(h.item.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), StagingPrefix), "staging dir %s left behind", e.Name())
	}

	status, found := h.ledger.Get(h.item.Key)
	require.True(t, found)
	assert.True(t, status.Complete())
	assert.Zero(t, h.failures.Len())
}

func TestProcessSkipsCompleteLessonWithoutNavigating(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.LessonStatus{
		Description: model.StatusSuccess,
		Thumbnail:   model.StatusSuccess,
		Video:       model.StatusNone,
		Material:    model.StatusNone,
	})

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.True(t, outcome.Skipped)
	assert.Empty(t, outcome.Attempted)
	assert.Zero(t, h.site.TotalNavigations())
}

func TestProcessResumesOnlyUnfinishedArtifacts(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.LessonStatus{
		Description: model.StatusSuccess,
		Thumbnail:   model.StatusSuccess,
		Video:       model.StatusFailed,
		Material:    model.StatusSuccess,
	})

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, []model.Artifact{model.ArtifactVideo}, outcome.Attempted)
	assert.Equal(t, model.StatusSuccess, outcome.Status.Video)
	assert.Zero(t, h.fetcher.Calls(thumbURL))
	assert.Zero(t, h.fetcher.Calls(materialURL))
	assert.NoFileExists(t, h.file("description.txt"))
	assert.FileExists(t, h.file("01 - Welcome.mp4"))
}

func TestProcessCreatesPendingRowForNewLesson(t *testing.T) {
	h := newHarness(t)
	stop := &stopAfter{}
	stop.stopped.Store(true)

	outcome, err := h.runner(WithStopSignal(stop)).Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Empty(t, outcome.Attempted)
	status, found := h.ledger.Get(h.item.Key)
	require.True(t, found)
	assert.Equal(t, model.PendingStatus(), status)
}

func TestProcessNoVideoMarkerRecordsNone(t *testing.T) {
	h := newHarness(t)
	page := lessonPage()
	page.Roles[crawler.RoleNoVideo] = []*crawlertest.Node{{Text: "None"}}
	delete(page.Roles, crawler.RoleAttachment)
	h.site.AddPage(lessonURL, page)

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusNone, outcome.Status.Video)
	assert.Equal(t, model.StatusNone, outcome.Status.Material)
	assert.Equal(t, model.StatusSuccess, outcome.Status.Description)
	assert.Zero(t, h.failures.Len())
	assert.Zero(t, h.sess.Refreshes(), "absent artifacts must not be retried")
}

func TestProcessVideoRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.LessonStatus{
		Description: model.StatusSuccess,
		Thumbnail:   model.StatusSuccess,
		Video:       model.StatusPending,
		Material:    model.StatusSuccess,
	})
	h.site.AddDownload(videoURL, crawlertest.Download{Err: errors.New("network reset")})

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, outcome.Status.Video)
	assert.Equal(t, 2, h.sess.Refreshes(), "one refresh between each of three attempts")

	items := h.failures.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "01 - Welcome.mp4", items[0].Label)
	assert.Equal(t, lessonURL, items[0].URL)
	assert.Contains(t, items[0].Reason, "network reset")

	status, _ := h.ledger.Get(h.item.Key)
	assert.Equal(t, model.StatusFailed, status.Video)
	assert.True(t, status.NeedsWork())
}

func TestProcessAcceptsExistingVideoFile(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.LessonStatus{
		Description: model.StatusSuccess,
		Thumbnail:   model.StatusSuccess,
		Video:       model.StatusQueued,
		Material:    model.StatusSuccess,
	})
	require.NoError(t, os.MkdirAll(h.item.Dir, 0755))
	require.NoError(t, os.WriteFile(h.file("01 - Welcome.mp4"), []byte("already here"), 0644))
	h.site.AddDownload(videoURL, crawlertest.Download{Err: errors.New("should not download")})

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSuccess, outcome.Status.Video)
	assert.Equal(t, "already here", readFile(t, h.file("01 - Welcome.mp4")))
	assert.NoFileExists(t, h.file("01 - Welcome_1.mp4"))
}

func TestProcessWaitsForInProgressVideo(t *testing.T) {
	h := newHarness(t)
	h.seed(t, model.LessonStatus{
		Description: model.StatusSuccess,
		Thumbnail:   model.StatusSuccess,
		Video:       model.StatusPending,
		Material:    model.StatusSuccess,
	})
	h.site.AddDownload(videoURL, crawlertest.Download{Name: "lecture.webm", Content: []byte("slow"), Delay: 100 * time.Millisecond})

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSuccess, outcome.Status.Video)
	assert.Equal(t, "slow", readFile(t, h.file("01 - Welcome.webm")))
}

func TestProcessNeverOverwritesExistingFiles(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.item.Dir, 0755))
	require.NoError(t, os.WriteFile(h.file("description.txt"), []byte("hand written"), 0644))
	require.NoError(t, os.WriteFile(h.file("01 - Welcome.jpg"), []byte("old thumb"), 0644))

	_, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, "hand written", readFile(t, h.file("description.txt")))
	assert.Equal(t, "Welcome to the course.", readFile(t, h.file("description_1.txt")))
	assert.Equal(t, "old thumb", readFile(t, h.file("01 - Welcome.jpg")))
	assert.Equal(t, "png", readFile(t, h.file("01 - Welcome_1.jpg")))
}

func TestProcessRecoversFromLoginBoundary(t *testing.T) {
	h := newHarness(t)
	h.site.RedirectOnce(lessonURL, loginURL)

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.auth.logins))
	assert.Equal(t, 2, h.site.Navigations(lessonURL))
	assert.True(t, outcome.Status.Complete())
	assert.Zero(t, h.failures.Len())
}

func TestProcessNavigationFailureMarksAllFailed(t *testing.T) {
	h := newHarness(t)
	h.item.URL = "https://school.test/lessons/missing"

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, 3, h.site.Navigations(h.item.URL))
	assert.Equal(t, model.LessonStatus{
		Description: model.StatusFailed,
		Thumbnail:   model.StatusFailed,
		Video:       model.StatusFailed,
		Material:    model.StatusFailed,
	}, outcome.Status)

	items := h.failures.Items()
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Reason, "failed to open lesson page")
}

func TestProcessThumbnailFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.failures[thumbURL] = errors.New("403 forbidden")

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, outcome.Status.Thumbnail)
	assert.Equal(t, model.StatusSuccess, outcome.Status.Material)
	assert.Equal(t, 3, h.fetcher.Calls(thumbURL))
	assert.NoFileExists(t, h.file("01 - Welcome.jpg"), "unused reservation should be released")

	items := h.failures.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "01 - Welcome.jpg", items[0].Label)
	assert.Equal(t, thumbURL, items[0].URL)
}

func TestProcessDescriptionFromEditorFrame(t *testing.T) {
	h := newHarness(t)
	page := lessonPage()
	delete(page.Roles, crawler.RoleRichText)
	page.Roles[crawler.RoleEditorFrame] = []*crawlertest.Node{{Children: map[crawler.Role][]*crawlertest.Node{
		crawler.RoleEditorBody: {{Text: "Framed description"}},
	}}}
	h.site.AddPage(lessonURL, page)

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSuccess, outcome.Status.Description)
	assert.Equal(t, "Framed description", readFile(t, h.file("description.txt")))
	assert.False(t, h.sess.InFrame())
}

func TestProcessMissingDescriptionIsFailed(t *testing.T) {
	h := newHarness(t)
	page := lessonPage()
	delete(page.Roles, crawler.RoleRichText)
	h.site.AddPage(lessonURL, page)

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, outcome.Status.Description)
	assert.Equal(t, model.StatusSuccess, outcome.Status.Video)
	require.Len(t, h.failures.Items(), 1)
	assert.Equal(t, "description.txt", h.failures.Items()[0].Label)
}

func TestProcessMaterialWithoutReadableEntriesIsNone(t *testing.T) {
	h := newHarness(t)
	page := lessonPage()
	page.Roles[crawler.RoleAttachment] = []*crawlertest.Node{{Children: map[crawler.Role][]*crawlertest.Node{
		crawler.RoleAttachmentTitle: {{Text: "Broken"}},
	}}}
	h.site.AddPage(lessonURL, page)

	outcome, err := h.runner().Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, model.StatusNone, outcome.Status.Material)
}

type countingRecorder struct {
	mu        sync.Mutex
	attempts  map[string]int
	artifacts map[model.Artifact]model.ArtifactStatus
	outcomes  []string
}

func (c *countingRecorder) FetchAttempt(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[kind]++
}

func (c *countingRecorder) ArtifactRecorded(a model.Artifact, s model.ArtifactStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[a] = s
}

func (c *countingRecorder) LessonFinished(outcome string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func TestProcessReportsToRecorder(t *testing.T) {
	h := newHarness(t)
	rec := &countingRecorder{attempts: make(map[string]int), artifacts: make(map[model.Artifact]model.ArtifactStatus)}
	runner := h.runner(WithRecorder(rec))

	_, err := runner.Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)
	_, err = runner.Process(context.Background(), h.sess, h.item)
	require.NoError(t, err)

	assert.Equal(t, []string{OutcomeProcessed, OutcomeSkipped}, rec.outcomes)
	assert.Equal(t, 1, rec.attempts[KindVideo])
	assert.Equal(t, 2, rec.attempts[KindHTTP])
	assert.Len(t, rec.artifacts, 4)
}

func TestMaterialFileName(t *testing.T) {
	tests := []struct {
		display string
		url     string
		want    string
	}{
		{"Lecture Notes", "https://cdn.test/a/notes.pdf?sig=1", "Lecture Notes.pdf"},
		{"Slides: part 1/2", "https://cdn.test/slides.zip", "Slides_ part 1_2.zip"},
		{"v1.2 notes", "https://cdn.test/file", "v1.2 notes"},
		{"", "https://cdn.test/x.mp3", "material.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, materialFileName(tt.display, tt.url))
		})
	}
}
