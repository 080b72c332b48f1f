package common

import (
	"path/filepath"
	"strings"
)

// DescriptionFileName is the file the description text is written to.
const DescriptionFileName = "description.txt"

// DescriptionExt is the extension that marks a description file.
const DescriptionExt = ".txt"

// DefaultVideoExt is used when a downloaded video has no usable extension.
const DefaultVideoExt = ".mp4"

// ThumbnailExt is the extension thumbnails are saved with.
const ThumbnailExt = ".jpg"

// ThumbnailExts are the extensions accepted as a lesson thumbnail.
var ThumbnailExts = extSet(".jpg", ".png", ".jpeg", ".gif", ".svg", ".webp")

// VideoExts are the extensions accepted as a lesson video.
var VideoExts = extSet(".mp4", ".mov", ".avi", ".mkv", ".webm", ".mp3", ".wav", ".m4v", ".m4a", ".m4b", ".m4p")

// MaterialExts are the extensions accepted as lesson material.
var MaterialExts = extSet(".pdf", ".mp3", ".docx", ".zip", ".wav", ".jpg", ".png", ".jpeg", ".gif", ".svg", ".webp")

// PartialExts mark files that a browser or fetcher is still writing.
var PartialExts = extSet(".crdownload", ".part", ".tmp", ".download")

// ExtSet is a set of lower-case file extensions including the dot.
type ExtSet map[string]struct{}

func extSet(exts ...string) ExtSet {
	set := make(ExtSet, len(exts))
	for _, e := range exts {
		set[e] = struct{}{}
	}
	return set
}

// Has reports whether the extension of name is in the set.
func (s ExtSet) Has(name string) bool {
	_, ok := s[strings.ToLower(filepath.Ext(name))]
	return ok
}
