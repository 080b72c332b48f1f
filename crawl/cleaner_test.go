package crawl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestPartialCleanerRemovesStaleLeftovers(t *testing.T) {
	base := t.TempDir()
	lesson := filepath.Join(base, "Course", "01 - Intro", "01 - Welcome")
	require.NoError(t, os.MkdirAll(lesson, 0755))

	stalePartial := filepath.Join(lesson, "notes.pdf.part")
	freshPartial := filepath.Join(lesson, "video.mp4.crdownload")
	keep := filepath.Join(lesson, "01 - Welcome.mp4")
	staleStaging := filepath.Join(lesson, StagingPrefix+"abcd1234")
	freshStaging := filepath.Join(lesson, StagingPrefix+"ffff0000")

	for _, p := range []string{stalePartial, freshPartial, keep} {
		require.NoError(t, os.WriteFile(p, []byte("data"), 0644))
	}
	require.NoError(t, os.MkdirAll(staleStaging, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staleStaging, "lecture.mp4.crdownload"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(freshStaging, 0755))

	age(t, stalePartial, 2*time.Hour)
	age(t, keep, 2*time.Hour)
	age(t, staleStaging, 2*time.Hour)

	cleaner := NewPartialCleaner(base, time.Minute, time.Hour)
	removed := cleaner.CleanOnce()

	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, stalePartial)
	assert.NoDirExists(t, staleStaging)
	assert.FileExists(t, freshPartial)
	assert.FileExists(t, keep)
	assert.DirExists(t, freshStaging)
}

func TestPartialCleanerMissingBaseDir(t *testing.T) {
	cleaner := NewPartialCleaner(filepath.Join(t.TempDir(), "absent"), time.Minute, time.Hour)
	assert.Zero(t, cleaner.CleanOnce())
}

func TestPartialCleanerStartStop(t *testing.T) {
	base := t.TempDir()
	stale := filepath.Join(base, "leftover.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	age(t, stale, time.Hour)

	cleaner := NewPartialCleaner(base, 10*time.Millisecond, time.Minute)
	require.NoError(t, cleaner.Start())
	assert.Error(t, cleaner.Start())

	assert.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cleaner.Stop()
	cleaner.Stop()
}
