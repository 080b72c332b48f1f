package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "thumb.jpg")
	f := NewHTTPFetcher(5*time.Second, "test-agent")

	require.NoError(t, f.FetchToFile(context.Background(), server.URL+"/thumb.jpg", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
	assert.NoFileExists(t, dest+".part")
}

func TestFetchToFileBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "notes.pdf")
	err := NewHTTPFetcher(5*time.Second, "").FetchToFile(context.Background(), server.URL, dest)

	assert.ErrorContains(t, err, "bad status code: 403")
	assert.NoFileExists(t, dest)
}

func TestFetchToFileEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "empty.pdf")
	err := NewHTTPFetcher(5*time.Second, "").FetchToFile(context.Background(), server.URL, dest)
	assert.Error(t, err)
	assert.NoFileExists(t, dest+".part")
}

func TestFetchToFileTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "slow.bin")
	err := NewHTTPFetcher(20*time.Millisecond, "").FetchToFile(context.Background(), server.URL, dest)
	assert.Error(t, err)
}

func TestFetchToFileSlowSteadyStreamCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 8; i++ {
			_, _ = w.Write([]byte("chunk"))
			flusher.Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "lecture.mp4")
	f := NewHTTPFetcher(300*time.Millisecond, "")

	start := time.Now()
	require.NoError(t, f.FetchToFile(context.Background(), server.URL, dest))
	assert.Greater(t, time.Since(start), 300*time.Millisecond, "transfer outlasts the idle timeout")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("chunk", 8), string(data))
}

func TestFetchToFileStalledStreamFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("start"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "lecture.mp4")
	err := NewHTTPFetcher(100*time.Millisecond, "").FetchToFile(context.Background(), server.URL, dest)

	require.Error(t, err)
	assert.ErrorIs(t, err, errStalled)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}
