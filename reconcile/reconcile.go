// Package reconcile audits the status ledger against the files on disk and
// produces a corrected ledger plus a discrepancy report.
package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/researchaccelerator-hub/lesson-harvester/state"
	"github.com/rs/zerolog/log"
)

// Discrepancy is a ledger claim the filesystem does not back up.
type Discrepancy struct {
	Artifact model.Artifact `yaml:"artifact,omitempty" json:"artifact,omitempty"`
	Message  string         `yaml:"message" json:"message"`
}

// Upgrade is an artifact recorded as not done whose file is present. It is
// accepted as Success in the corrected ledger and listed for review.
type Upgrade struct {
	Artifact model.Artifact       `yaml:"artifact" json:"artifact"`
	Recorded model.ArtifactStatus `yaml:"recorded" json:"recorded"`
	Files    []string             `yaml:"files" json:"files"`
}

// EntryResult is the audit of one ledger record.
type EntryResult struct {
	Key           model.LessonKey    `yaml:"key" json:"key"`
	RecordedAt    time.Time          `yaml:"recorded_at" json:"recorded_at"`
	Recorded      model.LessonStatus `yaml:"recorded" json:"recorded"`
	Corrected     model.LessonStatus `yaml:"corrected" json:"corrected"`
	LessonDir     string             `yaml:"lesson_dir,omitempty" json:"lesson_dir,omitempty"`
	Files         []string           `yaml:"files,omitempty" json:"files,omitempty"`
	Discrepancies []Discrepancy      `yaml:"discrepancies,omitempty" json:"discrepancies,omitempty"`
	Upgrades      []Upgrade          `yaml:"upgrades,omitempty" json:"upgrades,omitempty"`
}

// Report summarises a reconciliation pass.
type Report struct {
	BaseDir           string        `yaml:"base_dir" json:"base_dir"`
	Checked           int           `yaml:"entries_checked" json:"entries_checked"`
	WithDiscrepancies int           `yaml:"entries_with_discrepancies" json:"entries_with_discrepancies"`
	Upgrades          int           `yaml:"upgrades" json:"upgrades"`
	Entries           []EntryResult `yaml:"entries" json:"entries"`
}

// Clean reports whether every entry matched the filesystem.
func (r Report) Clean() bool {
	return r.WithDiscrepancies == 0
}

// Reconcile audits records against baseDir. It never touches the ledger;
// the corrected statuses are returned in the report entries, one per record
// and in record order.
func Reconcile(records []model.LedgerRecord, baseDir string) Report {
	report := Report{BaseDir: baseDir}
	for _, rec := range records {
		entry := check(rec, baseDir)
		report.Checked++
		if len(entry.Discrepancies) > 0 {
			report.WithDiscrepancies++
		}
		report.Upgrades += len(entry.Upgrades)
		report.Entries = append(report.Entries, entry)
	}
	return report
}

// Corrected returns the corrected ledger rows of the report.
func (r Report) Corrected() []model.LedgerRecord {
	records := make([]model.LedgerRecord, 0, len(r.Entries))
	for _, e := range r.Entries {
		records = append(records, model.LedgerRecord{Key: e.Key, RecordedAt: e.RecordedAt, Status: e.Corrected})
	}
	return records
}

func check(rec model.LedgerRecord, baseDir string) EntryResult {
	entry := EntryResult{
		Key:        rec.Key,
		RecordedAt: rec.RecordedAt,
		Recorded:   rec.Status,
	}

	lessonDir, err := resolveLessonDir(baseDir, rec.Key)
	if err != nil {
		entry.Corrected = model.LessonStatus{
			Description: model.StatusFailed,
			Thumbnail:   model.StatusFailed,
			Video:       model.StatusFailed,
			Material:    model.StatusFailed,
		}
		entry.Discrepancies = append(entry.Discrepancies, Discrepancy{Message: err.Error()})
		return entry
	}
	entry.LessonDir = lessonDir

	files, err := listFiles(lessonDir)
	if err != nil {
		entry.Corrected = rec.Status
		entry.Discrepancies = append(entry.Discrepancies, Discrepancy{Message: fmt.Sprintf("cannot read lesson directory %s: %v", lessonDir, err)})
		return entry
	}
	entry.Files = files

	found := classify(files, rec.Key.Lesson)
	entry.Corrected = rec.Status
	for _, a := range model.Artifacts {
		recorded := rec.Status.Get(a)
		present := found[a]

		switch {
		case len(present) > 0:
			entry.Corrected.Set(a, model.StatusSuccess)
			if recorded != model.StatusSuccess {
				entry.Upgrades = append(entry.Upgrades, Upgrade{Artifact: a, Recorded: recorded, Files: present})
			}
		case recorded == model.StatusSuccess:
			entry.Corrected.Set(a, model.StatusFailed)
			entry.Discrepancies = append(entry.Discrepancies, Discrepancy{
				Artifact: a,
				Message:  fmt.Sprintf("%s marked Success but no %s found in: %s. Files: %s", a, expectation(a, rec.Key.Lesson), lessonDir, fileList(files)),
			})
		}
	}
	return entry
}

// classify sorts the files of a lesson directory into the artifacts they
// satisfy. Material excludes description and video files; a thumbnail image
// also counts as material.
func classify(files []string, lesson string) map[model.Artifact][]string {
	found := make(map[model.Artifact][]string)
	claimed := make(map[string]bool)

	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), common.DescriptionExt) {
			found[model.ArtifactDescription] = append(found[model.ArtifactDescription], f)
			claimed[f] = true
		}
	}
	for _, f := range files {
		if isThumbnail(f, lesson) {
			found[model.ArtifactThumbnail] = append(found[model.ArtifactThumbnail], f)
		}
	}
	for _, f := range files {
		if common.VideoExts.Has(f) {
			found[model.ArtifactVideo] = append(found[model.ArtifactVideo], f)
			claimed[f] = true
		}
	}
	for _, f := range files {
		if common.MaterialExts.Has(f) && !claimed[f] {
			found[model.ArtifactMaterial] = append(found[model.ArtifactMaterial], f)
		}
	}
	return found
}

// isThumbnail matches "<lesson><ext>" or "<lesson>_N<ext>" for any thumbnail
// extension, ignoring case.
func isThumbnail(name, lesson string) bool {
	if !common.ThumbnailExts.Has(name) {
		return false
	}
	stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	want := strings.ToLower(lesson)
	if stem == want {
		return true
	}
	suffix, ok := strings.CutPrefix(stem, want+"_")
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func expectation(a model.Artifact, lesson string) string {
	switch a {
	case model.ArtifactDescription:
		return common.DescriptionExt + " file"
	case model.ArtifactThumbnail:
		return lesson + common.ThumbnailExt
	case model.ArtifactVideo:
		return "video file (" + strings.Join(sortedExts(common.VideoExts), ", ") + ")"
	default:
		return "material file (" + strings.Join(sortedExts(common.MaterialExts), ", ") + ")"
	}
}

func sortedExts(set common.ExtSet) []string {
	exts := make([]string, 0, len(set))
	for e := range set {
		exts = append(exts, e)
	}
	sort.Strings(exts)
	return exts
}

func fileList(files []string) string {
	if len(files) == 0 {
		return "None"
	}
	return strings.Join(files, ", ")
}

// resolveLessonDir finds the lesson directory for key, tolerating the
// ordinal prefixes the harvester adds to module and lesson directories.
func resolveLessonDir(baseDir string, key model.LessonKey) (string, error) {
	courseDir, ok := findDir(baseDir, key.Course, func(name string) bool {
		return common.SanitizeName(name) == common.SanitizeName(key.Course)
	})
	if !ok {
		return "", fmt.Errorf("course directory not found: %s", filepath.Join(baseDir, common.SanitizeName(key.Course)))
	}

	wantModule := common.SanitizeName(key.Module)
	moduleDir, ok := findDir(courseDir, key.Module, func(name string) bool {
		return common.SanitizeName(common.StripOrdinal(name)) == wantModule
	})
	if !ok {
		return "", fmt.Errorf("module directory not found for '%s' in %s. Existing dirs: %s", key.Module, courseDir, fileList(subdirs(courseDir)))
	}

	wantLesson := common.SanitizeName(common.StripOrdinal(key.Lesson))
	lessonDir, ok := findDir(moduleDir, key.Lesson, func(name string) bool {
		return common.SanitizeName(common.StripOrdinal(name)) == wantLesson
	})
	if !ok {
		return "", fmt.Errorf("lesson directory missing: %s. Existing dirs in module: %s", filepath.Join(moduleDir, key.Lesson), fileList(subdirs(moduleDir)))
	}
	return lessonDir, nil
}

// findDir returns parent/direct if it is a directory, otherwise the first
// subdirectory (in name order) accepted by match.
func findDir(parent, direct string, match func(name string) bool) (string, bool) {
	if direct != "" {
		candidate := filepath.Join(parent, direct)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	for _, name := range subdirs(parent) {
		if match(name) {
			log.Debug().Str("wanted", direct).Str("found", name).Msg("Resolved directory by normalised name")
			return filepath.Join(parent, name), true
		}
	}
	return "", false
}

func subdirs(parent string) []string {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

// Options locate the inputs and outputs of Run.
type Options struct {
	LedgerPath string
	BaseDir    string
	OutputPath string
	ReportPath string
	Format     string
}

// ErrSameLedger is returned when the corrected ledger would overwrite the
// audited one.
var ErrSameLedger = errors.New("corrected ledger must not replace the audited ledger")

// Run audits the ledger at opts.LedgerPath, writes the corrected copy to
// opts.OutputPath and, if ReportPath is set, the discrepancy report.
func Run(opts Options) (Report, error) {
	if samePath(opts.LedgerPath, opts.OutputPath) {
		return Report{}, fmt.Errorf("%w: %s", ErrSameLedger, opts.OutputPath)
	}
	if _, err := os.Stat(opts.LedgerPath); err != nil {
		return Report{}, fmt.Errorf("ledger file not found: %w", err)
	}
	if info, err := os.Stat(opts.BaseDir); err != nil || !info.IsDir() {
		return Report{}, fmt.Errorf("base directory not found: %s", opts.BaseDir)
	}

	log.Info().Str("ledger", opts.LedgerPath).Str("base_dir", opts.BaseDir).Str("output", opts.OutputPath).Msg("Validating download log")

	records, err := state.ReadLedgerFile(opts.LedgerPath)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	report := Reconcile(records, opts.BaseDir)

	if err := state.WriteLedgerFile(opts.OutputPath, report.Corrected()); err != nil {
		return report, fmt.Errorf("failed to write corrected ledger: %w", err)
	}

	if opts.ReportPath != "" {
		if err := writeReportFile(opts.ReportPath, opts.Format, report); err != nil {
			return report, err
		}
	}

	log.Info().
		Int("entries_checked", report.Checked).
		Int("entries_with_discrepancies", report.WithDiscrepancies).
		Int("upgrades", report.Upgrades).
		Str("output", opts.OutputPath).
		Msg("Validation complete")
	return report, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
