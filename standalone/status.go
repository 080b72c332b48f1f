package standalone

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/researchaccelerator-hub/lesson-harvester/state"
)

// StatusReport summarises the ledger without touching the site.
type StatusReport struct {
	Ledger     string                                          `json:"ledger" yaml:"ledger"`
	Lessons    int                                             `json:"lessons" yaml:"lessons"`
	Complete   int                                             `json:"complete" yaml:"complete"`
	NeedsWork  int                                             `json:"needs_work" yaml:"needs_work"`
	ByArtifact map[model.Artifact]map[model.ArtifactStatus]int `json:"by_artifact" yaml:"by_artifact"`
}

// Status reads the ledger at path. A missing ledger is an empty report.
func Status(path string) (StatusReport, error) {
	report := StatusReport{
		Ledger:     path,
		ByArtifact: make(map[model.Artifact]map[model.ArtifactStatus]int, len(model.Artifacts)),
	}
	for _, a := range model.Artifacts {
		report.ByArtifact[a] = make(map[model.ArtifactStatus]int)
	}

	records, err := state.ReadLedgerFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to read ledger: %w", err)
	}

	for _, rec := range records {
		report.Lessons++
		if rec.Status.Complete() {
			report.Complete++
		}
		if rec.Status.NeedsWork() {
			report.NeedsWork++
		}
		for _, a := range model.Artifacts {
			report.ByArtifact[a][rec.Status.Get(a)]++
		}
	}
	return report, nil
}

// WriteText prints one line per artifact with its status counts.
func (r StatusReport) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Ledger: %s\nLessons: %d (complete %d, needs work %d)\n", r.Ledger, r.Lessons, r.Complete, r.NeedsWork); err != nil {
		return err
	}
	statuses := []model.ArtifactStatus{model.StatusSuccess, model.StatusNone, model.StatusFailed, model.StatusQueued, model.StatusPending}
	for _, a := range model.Artifacts {
		if _, err := fmt.Fprintf(w, "%-12s", string(a)+":"); err != nil {
			return err
		}
		for _, s := range statuses {
			if _, err := fmt.Fprintf(w, " %s=%d", s, r.ByArtifact[a][s]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
