package crawl

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

// FailureLog collects permanently failed items for the end-of-run report.
type FailureLog struct {
	mu    sync.Mutex
	runID string
	items []model.FailedItem
}

// NewFailureLog creates an empty log for one run.
func NewFailureLog(runID string) *FailureLog {
	return &FailureLog{runID: runID}
}

// Add records a failure.
func (f *FailureLog) Add(key model.LessonKey, label, url, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, model.FailedItem{
		RunID:  f.runID,
		Key:    key,
		Label:  label,
		URL:    url,
		Reason: reason,
		At:     time.Now(),
	})
}

// Items returns a copy of the recorded failures in insertion order.
func (f *FailureLog) Items() []model.FailedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.FailedItem(nil), f.items...)
}

// Len returns the number of recorded failures.
func (f *FailureLog) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// WriteReport appends every failure to path. Nothing is written when the
// log is empty.
func (f *FailureLog) WriteReport(path string) error {
	items := f.Items()
	if len(items) == 0 {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open failure report %s: %w", path, err)
	}
	defer file.Close()

	for _, item := range items {
		if _, err := fmt.Fprintf(file, "[FAILED] %s\nURL: %s\nError: %s\n\n", item.Label, item.URL, item.Reason); err != nil {
			return fmt.Errorf("failed to write failure report: %w", err)
		}
	}

	log.Info().Str("path", path).Int("failures", len(items)).Msg("Failure report written")
	return nil
}
