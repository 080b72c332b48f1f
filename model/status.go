package model

import (
	"fmt"
	"strings"
)

// ArtifactStatus is the recorded outcome of one lesson artifact.
type ArtifactStatus string

const (
	// StatusPending means the artifact has not been attempted yet. It is also
	// the value reported for artifacts of lessons absent from the ledger.
	StatusPending ArtifactStatus = "Pending"
	// StatusSuccess means the artifact is confirmed present on disk.
	StatusSuccess ArtifactStatus = "Success"
	// StatusNone means the artifact legitimately does not exist for the lesson.
	StatusNone ArtifactStatus = "None"
	// StatusFailed means the artifact was attempted and retries were exhausted.
	StatusFailed ArtifactStatus = "Failed"
	// StatusQueued forces a re-attempt even though a prior run recorded Success.
	StatusQueued ArtifactStatus = "Queued"
)

// Done reports whether the status means "do not retry".
func (s ArtifactStatus) Done() bool {
	return s == StatusSuccess || s == StatusNone
}

// NeedsAttempt reports whether the artifact must be (re)attempted.
func (s ArtifactStatus) NeedsAttempt() bool {
	return !s.Done()
}

// ParseArtifactStatus converts a ledger cell into a status. An empty cell is
// Pending; the match is case-insensitive so hand-edited ledgers still load.
func ParseArtifactStatus(raw string) (ArtifactStatus, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return StatusPending, nil
	}
	for _, s := range []ArtifactStatus{StatusPending, StatusSuccess, StatusNone, StatusFailed, StatusQueued} {
		if strings.EqualFold(value, string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown artifact status %q", raw)
}

// Artifact names one of the four independently tracked lesson outputs.
type Artifact string

const (
	ArtifactDescription Artifact = "Description"
	ArtifactThumbnail   Artifact = "Thumbnail"
	ArtifactVideo       Artifact = "Video"
	ArtifactMaterial    Artifact = "Material"
)

// Artifacts lists the artifacts in the fixed order they are attempted.
var Artifacts = []Artifact{ArtifactDescription, ArtifactThumbnail, ArtifactVideo, ArtifactMaterial}
