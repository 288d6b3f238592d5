package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	MaxNameLen = 255

	// timestampLayout renders DDMMYYYYHHMMSS, the suffix appended to
	// re-convert outputs so they never overwrite their source.
	timestampLayout = "02012006150405"
)

// unsafeChars matches everything outside the filesystem-safe character set.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// reconvertSuffix matches a previously appended re-convert timestamp, with or
// without a collision counter, so repeated re-converts don't stack suffixes.
var reconvertSuffix = regexp.MustCompile(`_\d{14}(\(\d+\))?$`)

// SanitizeBaseName trims leading/trailing spaces and dots, replaces every
// character outside [A-Za-z0-9._-] with an underscore, and caps the length
// preserving the extension. Idempotent: re-applying it is a no-op.
// The trim runs first so names made of nothing but spaces and dots fall
// through to the placeholder instead of collapsing to underscores.
func SanitizeBaseName(raw string) string {
	sanitized := strings.Trim(raw, " .")
	sanitized = unsafeChars.ReplaceAllString(sanitized, "_")

	if len(sanitized) > MaxNameLen {
		ext := filepath.Ext(sanitized)
		nameOnly := strings.TrimSuffix(sanitized, ext)
		maxNameLen := MaxNameLen - len(ext)
		if maxNameLen > 0 {
			sanitized = nameOnly[:maxNameLen] + ext
		}
	}

	if sanitized == "" {
		sanitized = "unnamed_file"
	}

	return sanitized
}

// SplitExt splits a file name into its base and lowercased extension, the
// extension without the leading dot.
func SplitExt(name string) (base, ext string) {
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	return base, strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ThumbnailName derives the companion thumbnail file name for a storage name.
// Thumbnails are always WebP.
func ThumbnailName(storageName string) string {
	base, _ := SplitExt(storageName)
	return base + "_thumb.webp"
}

// Set tracks the storage names claimed within a session, snapshotted at the
// start of a batch so concurrent items inside one batch cannot collide.
type Set struct {
	names map[string]struct{}
}

// NewSet builds a Set pre-populated with already existing names.
func NewSet(existing ...string) *Set {
	s := &Set{names: make(map[string]struct{}, len(existing))}
	for _, name := range existing {
		s.names[name] = struct{}{}
	}
	return s
}

func (s *Set) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

func (s *Set) Add(name string) {
	s.names[name] = struct{}{}
}

// DeriveStorageName produces "<base>.<ext>", appending a numeric
// disambiguator "(n)" before the extension while the name is already taken.
// The returned name is claimed in the set.
func DeriveStorageName(base, ext string, taken *Set) string {
	candidate := fmt.Sprintf("%s.%s", base, ext)
	for i := 1; taken.Contains(candidate); i++ {
		candidate = fmt.Sprintf("%s(%d).%s", base, i, ext)
	}
	taken.Add(candidate)
	return candidate
}

// DeriveReconvertName builds the storage name for a re-convert output: any
// prior re-convert timestamp is stripped from the base, a fresh timestamp is
// appended, and a counter disambiguates two re-converts landing in the same
// second. The returned name is claimed in the set.
func DeriveReconvertName(displayName, ext string, now time.Time, taken *Set) string {
	base, _ := SplitExt(SanitizeBaseName(displayName))
	base = reconvertSuffix.ReplaceAllString(base, "")

	stamped := fmt.Sprintf("%s_%s", base, now.Format(timestampLayout))
	candidate := fmt.Sprintf("%s.%s", stamped, ext)
	for i := 1; taken.Contains(candidate); i++ {
		candidate = fmt.Sprintf("%s(%d).%s", stamped, i, ext)
	}
	taken.Add(candidate)
	return candidate
}
