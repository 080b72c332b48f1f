package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.FetchAttempt("video")
	c.FetchAttempt("video")
	c.FetchAttempt("http")
	c.ArtifactRecorded(model.ArtifactVideo, model.StatusFailed)
	c.ArtifactRecorded(model.ArtifactMaterial, model.StatusNone)
	c.LessonFinished("processed", 3*time.Second)
	c.LessonFinished("skipped", 0)
	c.LedgerWrite()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.fetchAttempts.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchAttempts.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.artifacts.WithLabelValues("Video", "Failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lessons.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ledgerWrites))
	assert.Equal(t, 1, testutil.CollectAndCount(c.lessonDuration))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.FetchAttempt("page")
		c.ArtifactRecorded(model.ArtifactDescription, model.StatusSuccess)
		c.LessonFinished("failed", time.Second)
		c.LedgerWrite()
	})
}

func TestCollectorsDoNotShareRegistry(t *testing.T) {
	first := NewCollector()
	second := NewCollector()
	first.LedgerWrite()

	assert.Equal(t, 1.0, testutil.ToFloat64(first.ledgerWrites))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.ledgerWrites))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ArtifactRecorded(model.ArtifactThumbnail, model.StatusSuccess)

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `harvest_artifacts_total{artifact="Thumbnail",status="Success"} 1`)
}
