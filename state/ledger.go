package state

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

// TimestampLayout is the format of the ledger's Timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// LedgerHeader is the first line of every ledger file.
var LedgerHeader = []string{"Timestamp", "Course", "Module", "Lesson", "Description", "Thumbnail", "Video", "Material"}

// Mirror receives every record after it has been durably written.
type Mirror interface {
	MirrorRecord(ctx context.Context, record model.LedgerRecord) error
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithMirror forwards every upserted record to m. Mirror errors are logged
// and never fail the upsert.
func WithMirror(m Mirror) LedgerOption {
	return func(l *Ledger) { l.mirror = m }
}

// WithWriteHook registers a callback invoked after each successful rewrite.
func WithWriteHook(hook func()) LedgerOption {
	return func(l *Ledger) { l.onWrite = hook }
}

// WithClock overrides the time source used for corrupt-file backups.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the CSV-backed status ledger. Every upsert rewrites the whole
// file while holding one lock across read, merge and write.
type Ledger struct {
	path    string
	mutex   sync.Mutex
	mirror  Mirror
	onWrite func()
	now     func() time.Time
}

// OpenLedger prepares the ledger at path, creating it with only a header
// if it does not exist yet.
func OpenLedger(path string, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteLedgerFile(path, nil); err != nil {
			return nil, fmt.Errorf("failed to initialise ledger: %w", err)
		}
		log.Info().Str("path", path).Msg("Created empty status ledger")
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat ledger %s: %w", path, err)
	}

	return l, nil
}

// Path returns the backing file location.
func (l *Ledger) Path() string {
	return l.path
}

// Get returns the recorded statuses for key. Absent keys report every
// artifact as Pending and found == false.
func (l *Ledger) Get(key model.LessonKey) (model.LessonStatus, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	records, _ := l.readLocked()
	for _, r := range records {
		if r.Key == key {
			return r.Status, true
		}
	}
	return model.PendingStatus(), false
}

// Upsert merges partial into the record for key and rewrites the ledger.
// Fields absent from partial keep the values read inside the same critical
// section; an absent key starts fully Pending.
func (l *Ledger) Upsert(ctx context.Context, key model.LessonKey, partial map[model.Artifact]model.ArtifactStatus, at time.Time) (model.LedgerRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	records, corrupt := l.readLocked()
	if corrupt {
		l.backupCorruptLocked()
	}

	var merged model.LedgerRecord
	found := false
	for i := range records {
		if records[i].Key == key {
			records[i].Status = records[i].Status.Merge(partial)
			records[i].RecordedAt = at
			merged = records[i]
			found = true
			break
		}
	}
	if !found {
		merged = model.LedgerRecord{Key: key, RecordedAt: at, Status: model.PendingStatus().Merge(partial)}
		records = append(records, merged)
	}

	if err := WriteLedgerFile(l.path, records); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("failed to rewrite ledger for %s: %w", key, err)
	}
	if l.onWrite != nil {
		l.onWrite()
	}

	if l.mirror != nil {
		if err := l.mirror.MirrorRecord(ctx, merged); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("Failed to mirror ledger record")
		}
	}

	return merged, nil
}

// Records returns every readable record in file order.
func (l *Ledger) Records() []model.LedgerRecord {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	records, _ := l.readLocked()
	return records
}

// CompletedSet returns the keys whose four statuses are all Success or None.
func (l *Ledger) CompletedSet() map[model.LessonKey]struct{} {
	completed := make(map[model.LessonKey]struct{})
	for _, r := range l.Records() {
		if r.Status.Complete() {
			completed[r.Key] = struct{}{}
		}
	}
	return completed
}

func (l *Ledger) readLocked() ([]model.LedgerRecord, bool) {
	records, err := ReadLedgerFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false
		}
		log.Warn().Err(err).Str("path", l.path).Msg("Ledger unreadable, treating as empty")
		return nil, true
	}
	return records, false
}

func (l *Ledger) backupCorruptLocked() {
	backup := fmt.Sprintf("%s.corrupt-%s", l.path, l.now().Format("20060102150405"))
	if err := os.Rename(l.path, backup); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("Failed to back up corrupt ledger")
		return
	}
	log.Warn().Str("backup", backup).Msg("Corrupt ledger moved aside before rewrite")
}

// ReadLedgerFile parses a ledger file. Columns are located by header name;
// rows with missing cells, bad timestamps or unknown statuses are skipped
// with a warning. An error is returned only if the file cannot be opened or
// its structure cannot be parsed at all.
func ReadLedgerFile(path string) ([]model.LedgerRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range LedgerHeader {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("ledger header missing column %q", name)
		}
	}

	var records []model.LedgerRecord
	seen := make(map[model.LessonKey]int)
	line := 1
	for {
		row, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				log.Warn().Err(err).Int("line", line).Msg("Skipping malformed ledger row")
				continue
			}
			return nil, fmt.Errorf("failed to read ledger: %w", err)
		}

		record, err := parseRow(row, columns)
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping malformed ledger row")
			continue
		}

		// last row wins if a hand-edited file repeats a key
		if idx, ok := seen[record.Key]; ok {
			records[idx] = record
			continue
		}
		seen[record.Key] = len(records)
		records = append(records, record)
	}

	return records, nil
}

func parseRow(row []string, columns map[string]int) (model.LedgerRecord, error) {
	cell := func(name string) (string, error) {
		idx := columns[name]
		if idx >= len(row) {
			return "", fmt.Errorf("missing %s cell", name)
		}
		return strings.TrimSpace(row[idx]), nil
	}

	values := make(map[string]string, len(LedgerHeader))
	for _, name := range LedgerHeader {
		v, err := cell(name)
		if err != nil {
			return model.LedgerRecord{}, err
		}
		values[name] = v
	}

	if values["Course"] == "" || values["Module"] == "" || values["Lesson"] == "" {
		return model.LedgerRecord{}, fmt.Errorf("empty identity key")
	}

	recordedAt, err := time.ParseInLocation(TimestampLayout, values["Timestamp"], time.Local)
	if err != nil {
		return model.LedgerRecord{}, fmt.Errorf("invalid timestamp %q: %w", values["Timestamp"], err)
	}

	record := model.LedgerRecord{
		Key:        model.LessonKey{Course: values["Course"], Module: values["Module"], Lesson: values["Lesson"]},
		RecordedAt: recordedAt,
	}
	for _, a := range model.Artifacts {
		status, err := model.ParseArtifactStatus(values[string(a)])
		if err != nil {
			return model.LedgerRecord{}, err
		}
		record.Status.Set(a, status)
	}
	return record, nil
}

// WriteLedgerFile atomically replaces path with the given records.
func WriteLedgerFile(path string, records []model.LedgerRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create ledger directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	writer := csv.NewWriter(tmp)
	if err := writer.Write(LedgerHeader); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write ledger header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.RecordedAt.Format(TimestampLayout),
			r.Key.Course,
			r.Key.Module,
			r.Key.Lesson,
			string(r.Status.Description),
			string(r.Status.Thumbnail),
			string(r.Status.Video),
			string(r.Status.Material),
		}
		if err := writer.Write(row); err != nil {
			_ = tmp.Close()
			cleanup()
			return fmt.Errorf("write ledger row %s: %w", r.Key, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
