package crawl

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/rs/zerolog/log"
)

// PartialCleaner removes leftovers of interrupted downloads under the
// course tree: partial files and abandoned video staging directories.
type PartialCleaner struct {
	baseDir          string
	cleanupInterval  time.Duration
	fileAgeThreshold time.Duration
	stopChan         chan struct{}
	wg               sync.WaitGroup
	isRunning        bool
	isRunningMutex   sync.Mutex
}

// NewPartialCleaner creates a cleaner for baseDir. Entries younger than
// fileAgeThreshold are never touched.
func NewPartialCleaner(baseDir string, cleanupInterval, fileAgeThreshold time.Duration) *PartialCleaner {
	return &PartialCleaner{
		baseDir:          baseDir,
		cleanupInterval:  cleanupInterval,
		fileAgeThreshold: fileAgeThreshold,
		stopChan:         make(chan struct{}),
	}
}

// Start cleans once immediately and then every cleanup interval.
func (pc *PartialCleaner) Start() error {
	pc.isRunningMutex.Lock()
	defer pc.isRunningMutex.Unlock()

	if pc.isRunning {
		return fmt.Errorf("partial cleaner is already running")
	}
	pc.isRunning = true
	pc.wg.Add(1)

	go pc.cleaningLoop()

	log.Info().
		Str("base_dir", pc.baseDir).
		Float64("file_age_threshold_minutes", pc.fileAgeThreshold.Minutes()).
		Float64("cleanup_interval_minutes", pc.cleanupInterval.Minutes()).
		Msg("Partial download cleaner started")
	return nil
}

// Stop terminates the cleaning goroutine.
func (pc *PartialCleaner) Stop() {
	pc.isRunningMutex.Lock()
	defer pc.isRunningMutex.Unlock()

	if !pc.isRunning {
		return
	}
	close(pc.stopChan)
	pc.wg.Wait()
	pc.isRunning = false
	log.Info().Msg("Partial download cleaner stopped")
}

func (pc *PartialCleaner) cleaningLoop() {
	defer pc.wg.Done()

	pc.CleanOnce()

	ticker := time.NewTicker(pc.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pc.CleanOnce()
		case <-pc.stopChan:
			return
		}
	}
}

// CleanOnce removes stale partial files and staging directories and returns
// how many entries were removed.
func (pc *PartialCleaner) CleanOnce() int {
	if _, err := os.Stat(pc.baseDir); os.IsNotExist(err) {
		log.Debug().Str("base_dir", pc.baseDir).Msg("Base directory does not exist yet, skipping cleanup")
		return 0
	}

	cutoffTime := time.Now().Add(-pc.fileAgeThreshold)
	removed := 0

	err := filepath.WalkDir(pc.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Error accessing path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		stagingDir := d.IsDir() && strings.HasPrefix(d.Name(), StagingPrefix)
		if d.IsDir() && !stagingDir {
			return nil
		}
		if !stagingDir && !common.PartialExts.Has(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Error getting file info")
			return nil
		}
		if !info.ModTime().Before(cutoffTime) {
			if stagingDir {
				return filepath.SkipDir
			}
			return nil
		}

		if err := os.RemoveAll(path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to remove stale partial download")
		} else {
			log.Debug().Str("path", path).Msg("Removed stale partial download")
			removed++
		}
		if stagingDir {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("base_dir", pc.baseDir).Msg("Error walking course tree")
	}

	if removed > 0 {
		log.Info().
			Int("entries_cleaned", removed).
			Float64("age_threshold_minutes", pc.fileAgeThreshold.Minutes()).
			Msg("Completed partial download cleanup")
	} else {
		log.Debug().Msg("No partial downloads needed cleaning")
	}
	return removed
}
