package reconcile

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/researchaccelerator-hub/lesson-harvester/state"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const rule = "--------------------------------------------------"

// WriteText renders the entries with discrepancies or upgrades followed by
// the totals.
func (r Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Against directory: %s\n%s\n", r.BaseDir, rule)

	for _, e := range r.Entries {
		if len(e.Discrepancies) == 0 && len(e.Upgrades) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nEntry: %s - %s > %s > %s\n", e.RecordedAt.Format(state.TimestampLayout), e.Key.Course, e.Key.Module, e.Key.Lesson)
		for _, d := range e.Discrepancies {
			fmt.Fprintf(&b, "  DISCREPANCY: %s\n", d.Message)
		}
		for _, u := range e.Upgrades {
			fmt.Fprintf(&b, "  UPGRADED: %s recorded %s, accepted as Success (%s)\n", u.Artifact, u.Recorded, strings.Join(u.Files, ", "))
		}
	}

	fmt.Fprintf(&b, "%s\nValidation complete!\n", rule)
	fmt.Fprintf(&b, "Total entries checked: %d\n", r.Checked)
	fmt.Fprintf(&b, "Entries with discrepancies: %d\n", r.WithDiscrepancies)
	fmt.Fprintf(&b, "Upgraded artifacts: %d\n", r.Upgrades)
	if r.Clean() {
		b.WriteString("All entries match the filesystem!\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteYAML renders the full report as YAML.
func (r Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

// Write renders the report in format, "text" or "yaml".
func (r Report) Write(w io.Writer, format string) error {
	switch format {
	case "", "text":
		return r.WriteText(w)
	case "yaml":
		return r.WriteYAML(w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeReportFile(path, format string, r Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := r.Write(file, format); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close report %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("format", format).Msg("Discrepancy report written")
	return nil
}
