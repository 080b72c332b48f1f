package model

import (
	"fmt"
	"time"
)

// LessonKey identifies one lesson in the ledger. All three parts are already
// sanitised for filesystem use and compared case-sensitively.
type LessonKey struct {
	Course string `json:"course" yaml:"course"`
	Module string `json:"module" yaml:"module"`
	Lesson string `json:"lesson" yaml:"lesson"`
}

// String renders the key as course|module|lesson.
func (k LessonKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Course, k.Module, k.Lesson)
}

// LessonStatus holds the four artifact statuses of a lesson.
type LessonStatus struct {
	Description ArtifactStatus `json:"description" yaml:"description"`
	Thumbnail   ArtifactStatus `json:"thumbnail" yaml:"thumbnail"`
	Video       ArtifactStatus `json:"video" yaml:"video"`
	Material    ArtifactStatus `json:"material" yaml:"material"`
}

// PendingStatus returns a status with every artifact Pending.
func PendingStatus() LessonStatus {
	return LessonStatus{
		Description: StatusPending,
		Thumbnail:   StatusPending,
		Video:       StatusPending,
		Material:    StatusPending,
	}
}

// Get returns the status of a single artifact.
func (s LessonStatus) Get(a Artifact) ArtifactStatus {
	switch a {
	case ArtifactDescription:
		return s.Description
	case ArtifactThumbnail:
		return s.Thumbnail
	case ArtifactVideo:
		return s.Video
	case ArtifactMaterial:
		return s.Material
	}
	return StatusPending
}

// Set updates a single artifact status in place.
func (s *LessonStatus) Set(a Artifact, status ArtifactStatus) {
	switch a {
	case ArtifactDescription:
		s.Description = status
	case ArtifactThumbnail:
		s.Thumbnail = status
	case ArtifactVideo:
		s.Video = status
	case ArtifactMaterial:
		s.Material = status
	}
}

// Merge overlays the supplied partial map onto a copy of s.
func (s LessonStatus) Merge(partial map[Artifact]ArtifactStatus) LessonStatus {
	merged := s
	for a, status := range partial {
		merged.Set(a, status)
	}
	return merged
}

// Complete reports whether all four artifacts are Success or None.
func (s LessonStatus) Complete() bool {
	return s.Description.Done() && s.Thumbnail.Done() && s.Video.Done() && s.Material.Done()
}

// NeedsWork applies the lesson skip rule: a lesson is revisited when any
// artifact is not done, and always when the video is Queued or Failed.
func (s LessonStatus) NeedsWork() bool {
	if s.Video == StatusQueued || s.Video == StatusFailed {
		return true
	}
	return !s.Complete()
}

// LedgerRecord is one row of the status ledger.
type LedgerRecord struct {
	Key        LessonKey    `json:"key" yaml:"key"`
	RecordedAt time.Time    `json:"recorded_at" yaml:"recorded_at"`
	Status     LessonStatus `json:"status" yaml:"status"`
}

// Course is a course entry returned by discovery.
type Course struct {
	Title string
	URL   string
}

// LessonRef is a lesson entry inside a discovered module.
type LessonRef struct {
	Title string
	URL   string
}

// Module is a discovered module with its lessons in outline order.
type Module struct {
	Title   string
	Lessons []LessonRef
}

// LessonWorkItem is one unit of work handed to the lesson orchestrator.
// It is produced by discovery and never persisted.
type LessonWorkItem struct {
	Key    LessonKey
	Title  string
	URL    string
	Dir    string
	Course string
	Module string
}

// FailedItem is one entry in the end-of-run failure report.
type FailedItem struct {
	RunID  string
	Key    LessonKey
	Label  string
	URL    string
	Reason string
	At     time.Time
}

// LessonOutcome describes what the orchestrator did with one lesson.
type LessonOutcome struct {
	Key       LessonKey
	Skipped   bool
	Attempted []Artifact
	Status    LessonStatus
	Duration  time.Duration
}
