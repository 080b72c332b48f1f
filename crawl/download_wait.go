package crawl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/rs/zerolog/log"
)

// WaitForDownload waits until dir holds a complete, non-empty file whose
// size has not changed for one poll interval, and returns its path. Browser
// partials (.crdownload, .part, .tmp) and hidden files are ignored. Directory
// events wake the check early; the poll ticker covers missed events. It
// returns ErrDownloadIncomplete after timeout.
func WaitForDownload(ctx context.Context, dir string, timeout, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = time.Second
	}

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug().Err(err).Msg("File watcher unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("Failed to watch download dir, polling only")
		} else {
			events = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastPath string
	var lastSize int64 = -1
	var stableSince time.Time

	check := func() (string, bool) {
		path, size, inProgress := scanDownloads(dir)
		if path == "" || size == 0 {
			if inProgress != "" {
				log.Debug().Str("file", inProgress).Msg("Download in progress")
			}
			lastPath, lastSize = "", -1
			return "", false
		}
		if path != lastPath || size != lastSize {
			lastPath, lastSize, stableSince = path, size, time.Now()
			return "", false
		}
		return path, time.Since(stableSince) >= poll
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: nothing complete in %s after %s", ErrDownloadIncomplete, dir, timeout)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write) {
				if path, done := check(); done {
					return path, nil
				}
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			log.Debug().Err(err).Msg("Download watcher error")
		case <-ticker.C:
			if path, done := check(); done {
				return path, nil
			}
		}
	}
}

// scanDownloads returns the largest finished file in dir and the name of
// any partial download still being written.
func scanDownloads(dir string) (path string, size int64, inProgress string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, ""
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if common.PartialExts.Has(name) {
			inProgress = name
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > size {
			path, size = filepath.Join(dir, name), info.Size()
		}
	}
	return path, size, inProgress
}
