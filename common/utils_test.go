package common

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRunID(t *testing.T) {
	id := GenerateRunID()
	assert.Regexp(t, regexp.MustCompile(`^\d{14}-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, GenerateRunID())
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Intro: Part 1/2", want: "Intro_ Part 1_2"},
		{in: "Café – déjà vu", want: "Café – déjà vu"},
		{in: "a.b?c", want: "a_b_c"},
		{in: "under_score-dash", want: "under_score-dash"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestSanitizeTruncates(t *testing.T) {
	long := strings.Repeat("é", MaxNameLength+50)
	got := SanitizeName(long)
	assert.Equal(t, MaxNameLength, len([]rune(got)))
}

func TestSanitizeFileNameKeepsDots(t *testing.T) {
	assert.Equal(t, "v1.2 notes_final", SanitizeFileName("v1.2 notes/final"))
}

func TestOrdinalNameAndStrip(t *testing.T) {
	name := OrdinalName(3, "Getting Started?")
	assert.Equal(t, "03 - Getting Started_", name)
	assert.Equal(t, "Getting Started_", StripOrdinal(name))
	assert.Equal(t, "No prefix", StripOrdinal("No prefix"))
	assert.Equal(t, "112 - x", OrdinalName(112, "x"))
}

func TestReserveUniquePathNeverClobbers(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "notes.pdf")
	require.NoError(t, os.WriteFile(existing, []byte("original"), 0644))

	path, err := ReserveUniquePath(dir, "notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes_1.pdf"), path)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	next, err := ReserveUniquePath(dir, "notes.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes_2.pdf"), next)
}

func TestReserveUniquePathConcurrent(t *testing.T) {
	dir := t.TempDir()
	const n = 20

	var wg sync.WaitGroup
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := ReserveUniquePath(dir, "lesson.jpg")
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range paths {
		assert.False(t, seen[p], "duplicate reservation %s", p)
		seen[p] = true
	}
}

func TestReleaseReservation(t *testing.T) {
	dir := t.TempDir()
	path, err := ReserveUniquePath(dir, "a.txt")
	require.NoError(t, err)
	ReleaseReservation(path)
	assert.NoFileExists(t, path)

	filled := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(filled, []byte("x"), 0644))
	ReleaseReservation(filled)
	assert.FileExists(t, filled)
	assert.True(t, FileNonEmpty(filled))
}

func TestExtSet(t *testing.T) {
	assert.True(t, VideoExts.Has("clip.MP4"))
	assert.True(t, ThumbnailExts.Has("x.webp"))
	assert.False(t, ThumbnailExts.Has("x.pdf"))
	assert.True(t, PartialExts.Has("video.mp4.crdownload"))
}
