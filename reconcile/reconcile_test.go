package reconcile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/researchaccelerator-hub/lesson-harvester/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var recordedAt = time.Date(2024, 5, 2, 9, 0, 0, 0, time.Local)

func key() model.LessonKey {
	return model.LessonKey{Course: "Go Basics", Module: "Intro", Lesson: "01 - Welcome"}
}

func record(d, th, v, m model.ArtifactStatus) model.LedgerRecord {
	return model.LedgerRecord{
		Key:        key(),
		RecordedAt: recordedAt,
		Status:     model.LessonStatus{Description: d, Thumbnail: th, Video: v, Material: m},
	}
}

// lessonTree creates <base>/Go Basics/<moduleDir>/<lessonDir>/ with files.
func lessonTree(t *testing.T, moduleDir, lessonDir string, files ...string) string {
	t.Helper()
	base := t.TempDir()
	dir := filepath.Join(base, "Go Basics", moduleDir, lessonDir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0644))
	}
	return base
}

const (
	success = model.StatusSuccess
	none    = model.StatusNone
	failed  = model.StatusFailed
)

func TestReconcileAgreementHasNoDiscrepancies(t *testing.T) {
	base := lessonTree(t, "01 - Intro", "01 - Welcome", "description.txt", "01 - Welcome.jpg", "01 - Welcome.mp4")

	report := Reconcile([]model.LedgerRecord{record(success, success, success, success)}, base)

	require.Len(t, report.Entries, 1)
	entry := report.Entries[0]
	assert.Empty(t, entry.Discrepancies, "the thumbnail image also satisfies material")
	assert.Empty(t, entry.Upgrades)
	assert.Equal(t, record(success, success, success, success).Status, entry.Corrected)
	assert.True(t, report.Clean())
	assert.Equal(t, 1, report.Checked)
}

func TestReconcileMissingMaterialIsOneDiscrepancy(t *testing.T) {
	base := lessonTree(t, "01 - Intro", "01 - Welcome", "description.txt", "01 - Welcome.mp4")

	report := Reconcile([]model.LedgerRecord{record(success, none, success, success)}, base)

	entry := report.Entries[0]
	require.Len(t, entry.Discrepancies, 1)
	assert.Equal(t, model.ArtifactMaterial, entry.Discrepancies[0].Artifact)
	assert.Contains(t, entry.Discrepancies[0].Message, "Material marked Success")
	assert.Equal(t, failed, entry.Corrected.Material)
	assert.Equal(t, none, entry.Corrected.Thumbnail)
	assert.Equal(t, success, entry.Corrected.Video)
	assert.Equal(t, 1, report.WithDiscrepancies)
}

func TestClassifyCountsThumbnailAsMaterial(t *testing.T) {
	found := classify([]string{"01 - Welcome.jpg", "01 - Welcome.mp4", "description.txt", "workbook.pdf"}, "01 - Welcome")

	assert.Equal(t, []string{"description.txt"}, found[model.ArtifactDescription])
	assert.Equal(t, []string{"01 - Welcome.jpg"}, found[model.ArtifactThumbnail])
	assert.Equal(t, []string{"01 - Welcome.mp4"}, found[model.ArtifactVideo])
	assert.Equal(t, []string{"01 - Welcome.jpg", "workbook.pdf"}, found[model.ArtifactMaterial])
}

// A file with a matching extension upgrades the recorded status without
// checking which download produced it. Any image counts as material.
func TestReconcileUpgradesAreAcceptedAndListed(t *testing.T) {
	base := lessonTree(t, "01 - Intro", "01 - Welcome", "description.txt", "01 - Welcome.jpg", "01 - Welcome.mp4", "stray photo.jpg")

	report := Reconcile([]model.LedgerRecord{record(success, success, failed, none)}, base)

	entry := report.Entries[0]
	assert.Empty(t, entry.Discrepancies)
	assert.Equal(t, model.LessonStatus{Description: success, Thumbnail: success, Video: success, Material: success}, entry.Corrected)
	require.Len(t, entry.Upgrades, 2)
	assert.Equal(t, Upgrade{Artifact: model.ArtifactVideo, Recorded: failed, Files: []string{"01 - Welcome.mp4"}}, entry.Upgrades[0])
	assert.Equal(t, Upgrade{Artifact: model.ArtifactMaterial, Recorded: none, Files: []string{"01 - Welcome.jpg", "stray photo.jpg"}}, entry.Upgrades[1])
	assert.Equal(t, 2, report.Upgrades)
	assert.True(t, report.Clean())
}

func TestReconcileResolvesOrdinalPrefixedDirectories(t *testing.T) {
	base := lessonTree(t, "02 - Intro", "03 - Welcome", "description.txt")

	report := Reconcile([]model.LedgerRecord{record(success, none, none, none)}, base)

	entry := report.Entries[0]
	assert.Empty(t, entry.Discrepancies)
	assert.Equal(t, filepath.Join(base, "Go Basics", "02 - Intro", "03 - Welcome"), entry.LessonDir)
}

func TestReconcileUnresolvedDirectoryFailsEverything(t *testing.T) {
	tests := []struct {
		name    string
		module  string
		lesson  string
		message string
	}{
		{name: "missing module", module: "01 - Other", lesson: "01 - Welcome", message: "module directory not found"},
		{name: "missing lesson", module: "01 - Intro", lesson: "01 - Goodbye", message: "lesson directory missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := lessonTree(t, tt.module, tt.lesson, "description.txt")

			report := Reconcile([]model.LedgerRecord{record(success, none, none, none)}, base)

			entry := report.Entries[0]
			require.Len(t, entry.Discrepancies, 1)
			assert.Contains(t, entry.Discrepancies[0].Message, tt.message)
			assert.Equal(t, model.LessonStatus{Description: failed, Thumbnail: failed, Video: failed, Material: failed}, entry.Corrected)
		})
	}

	report := Reconcile([]model.LedgerRecord{record(success, none, none, none)}, t.TempDir())
	assert.Contains(t, report.Entries[0].Discrepancies[0].Message, "course directory not found")
}

func TestIsThumbnail(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"01 - Welcome.jpg", true},
		{"01 - welcome.PNG", true},
		{"01 - Welcome_2.webp", true},
		{"01 - Welcome_extra.jpg", false},
		{"01 - Welcome.mp4", false},
		{"cover.jpg", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isThumbnail(tt.name, "01 - Welcome"))
		})
	}
}

func TestRunWritesCorrectedLedgerAndReport(t *testing.T) {
	base := lessonTree(t, "01 - Intro", "01 - Welcome", "description.txt", "01 - Welcome.mp4")
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "download_log.csv")

	ledger, err := state.OpenLedger(ledgerPath)
	require.NoError(t, err)
	_, err = ledger.Upsert(context.Background(), key(), map[model.Artifact]model.ArtifactStatus{
		model.ArtifactDescription: success,
		model.ArtifactThumbnail:   success,
		model.ArtifactVideo:       success,
		model.ArtifactMaterial:    success,
	}, recordedAt)
	require.NoError(t, err)

	opts := Options{
		LedgerPath: ledgerPath,
		BaseDir:    base,
		OutputPath: filepath.Join(dir, "validation_results.csv"),
		ReportPath: filepath.Join(dir, "validation_report.txt"),
		Format:     "text",
	}
	report, err := Run(opts)
	require.NoError(t, err)
	assert.Equal(t, 1, report.WithDiscrepancies)

	corrected, err := state.ReadLedgerFile(opts.OutputPath)
	require.NoError(t, err)
	require.Len(t, corrected, 1)
	assert.Equal(t, failed, corrected[0].Status.Thumbnail)
	assert.Equal(t, failed, corrected[0].Status.Material)
	assert.True(t, corrected[0].RecordedAt.Equal(recordedAt))

	original, err := state.ReadLedgerFile(ledgerPath)
	require.NoError(t, err)
	assert.Equal(t, success, original[0].Status.Material, "audited ledger must stay untouched")

	text, err := os.ReadFile(opts.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "Entry: 2024-05-02 09:00:00 - Go Basics > Intro > 01 - Welcome")
	assert.Contains(t, string(text), "Entries with discrepancies: 1")
}

func TestRunRejectsOverwritingTheLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_log.csv")
	_, err := Run(Options{LedgerPath: path, BaseDir: t.TempDir(), OutputPath: path})
	assert.ErrorIs(t, err, ErrSameLedger)
}

func TestRunMissingInputs(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(Options{LedgerPath: filepath.Join(dir, "absent.csv"), BaseDir: dir, OutputPath: filepath.Join(dir, "out.csv")})
	assert.Error(t, err)

	ledgerPath := filepath.Join(dir, "download_log.csv")
	_, err = state.OpenLedger(ledgerPath)
	require.NoError(t, err)
	_, err = Run(Options{LedgerPath: ledgerPath, BaseDir: filepath.Join(dir, "nope"), OutputPath: filepath.Join(dir, "out.csv")})
	assert.ErrorContains(t, err, "base directory not found")
}

func TestReportYAML(t *testing.T) {
	base := lessonTree(t, "01 - Intro", "01 - Welcome", "description.txt")
	report := Reconcile([]model.LedgerRecord{record(success, success, none, none)}, base)

	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, "yaml"))

	var decoded struct {
		Checked           int `yaml:"entries_checked"`
		WithDiscrepancies int `yaml:"entries_with_discrepancies"`
		Entries           []struct {
			Key           model.LessonKey `yaml:"key"`
			Discrepancies []Discrepancy   `yaml:"discrepancies"`
		} `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 1, decoded.Checked)
	assert.Equal(t, 1, decoded.WithDiscrepancies)
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, key(), decoded.Entries[0].Key)
	assert.Equal(t, model.ArtifactThumbnail, decoded.Entries[0].Discrepancies[0].Artifact)

	assert.Error(t, report.Write(&buf, "xml"))
}

func TestReportTextClean(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Report{BaseDir: "/courses"}.WriteText(&buf))
	assert.Contains(t, buf.String(), "All entries match the filesystem!")
}
