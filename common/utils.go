package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxNameLength is the number of runes kept by the sanitisers.
const MaxNameLength = 200

// maxUniqueAttempts bounds the suffix search in ReserveUniquePath.
const maxUniqueAttempts = 10000

var ordinalPrefix = regexp.MustCompile(`^\d+\s+-\s+`)

// GenerateRunID generates a unique identifier for a harvesting run. The
// identifier starts with the current timestamp in "YYYYMMDDHHMMSS" format so
// run IDs sort chronologically, followed by a short random suffix.
func GenerateRunID() string {
	currentTime := time.Now()
	return fmt.Sprintf("%s-%s", currentTime.Format("20060102150405"), uuid.New().String()[:8])
}

// SanitizeName makes a course, module or lesson title filesystem-safe.
// Letters, digits, space, '_', '-' and '–' are kept, every other rune is
// replaced with '_', and the result is truncated to MaxNameLength runes.
func SanitizeName(name string) string {
	return sanitize(name, " _-–")
}

// SanitizeFileName is SanitizeName for attachment display names; it also
// keeps '.' so names like "v1.2 notes" survive.
func SanitizeFileName(name string) string {
	return sanitize(name, " ._-–")
}

func sanitize(name string, allowed string) string {
	var b strings.Builder
	count := 0
	for _, r := range name {
		if count == MaxNameLength {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(allowed, r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
		count++
	}
	return b.String()
}

// OrdinalName prefixes a title with its two-digit 1-based position and
// sanitises the result, e.g. OrdinalName(3, "Intro") == "03 - Intro".
func OrdinalName(position int, title string) string {
	return SanitizeName(fmt.Sprintf("%02d - %s", position, title))
}

// StripOrdinal removes a leading "NN - " prefix if present.
func StripOrdinal(name string) string {
	return ordinalPrefix.ReplaceAllString(name, "")
}

// ReserveUniquePath picks the first unused name for filename inside dir and
// creates it as an empty placeholder so no concurrent caller can pick the
// same name. When filename is taken, "_N" is inserted before the extension
// with N counting up from 1. Existing files are never opened for writing.
func ReserveUniquePath(dir, filename string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	candidate := filename

	for counter := 1; counter <= maxUniqueAttempts; counter++ {
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			if cerr := file.Close(); cerr != nil {
				return "", fmt.Errorf("failed to close placeholder %s: %w", path, cerr)
			}
			if candidate != filename {
				log.Debug().Str("wanted", filename).Str("reserved", candidate).Msg("Target name taken, using suffixed name")
			}
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to reserve %s: %w", path, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, counter, ext)
	}

	return "", fmt.Errorf("no free name for %s in %s after %d attempts", filename, dir, maxUniqueAttempts)
}

// ReleaseReservation removes a placeholder created by ReserveUniquePath if
// it is still empty. Files that already received content are left alone.
func ReleaseReservation(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > 0 {
		return
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove unused placeholder")
	}
}

// FileNonEmpty reports whether path is a regular file with content.
func FileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
