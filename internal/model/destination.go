package model

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DestinationKind is the closed set of shapes a destination string can take
// (spec §6).
type DestinationKind string

const (
	DestNull      DestinationKind = "null"
	DestDirectory DestinationKind = "directory"
	DestFullPath  DestinationKind = "full_path"
	DestBareName  DestinationKind = "bare_name"
	DestOpaqueURI DestinationKind = "opaque_uri"
)

// Destination is the parsed/tagged form of a DownloadRequest.Destination.
type Destination struct {
	Kind  DestinationKind
	Path  string // directory, full path, or bare name
	Scheme string // for DestOpaqueURI, e.g. "content"
}

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// ParseDestination classifies a destination string per spec §6's table.
func ParseDestination(raw string) Destination {
	if raw == "" {
		return Destination{Kind: DestNull}
	}
	if schemeRe.MatchString(raw) {
		scheme := raw[:strings.Index(raw, "://")]
		return Destination{Kind: DestOpaqueURI, Path: raw, Scheme: scheme}
	}
	if strings.HasSuffix(raw, "/") || strings.HasSuffix(raw, string(os.PathSeparator)) {
		return Destination{Kind: DestDirectory, Path: raw}
	}
	if strings.ContainsAny(raw, "/\\") {
		return Destination{Kind: DestFullPath, Path: raw}
	}
	return Destination{Kind: DestBareName, Path: raw}
}

// ResolveOutputPath computes the final output path for a fresh download,
// given the parsed destination, the default directory, and the best
// candidate filename (from FileNameResolver). It does not deduplicate;
// callers invoke DeduplicatePath separately so that resume can skip it.
func ResolveOutputPath(dest Destination, defaultDir, filename string) (string, error) {
	switch dest.Kind {
	case DestNull:
		if err := os.MkdirAll(defaultDir, 0o755); err != nil {
			return "", fmt.Errorf("creating default directory: %w", err)
		}
		return filepath.Join(defaultDir, filename), nil
	case DestDirectory:
		if err := os.MkdirAll(dest.Path, 0o755); err != nil {
			return "", fmt.Errorf("creating destination directory: %w", err)
		}
		return filepath.Join(dest.Path, filename), nil
	case DestFullPath:
		if err := os.MkdirAll(filepath.Dir(dest.Path), 0o755); err != nil {
			return "", fmt.Errorf("creating destination directory: %w", err)
		}
		return dest.Path, nil
	case DestBareName:
		if err := os.MkdirAll(defaultDir, 0o755); err != nil {
			return "", fmt.Errorf("creating default directory: %w", err)
		}
		return filepath.Join(defaultDir, dest.Path), nil
	case DestOpaqueURI:
		return dest.Path, nil
	default:
		return "", fmt.Errorf("unknown destination kind %q", dest.Kind)
	}
}

// maxDedupAttempts bounds the "(n)" probe the way the teacher's
// uniqueFilePath bounds its own retry loop, rather than looping forever
// against a pathological filesystem.
const maxDedupAttempts = 10000

// DeduplicatePath appends " (n)" before the extension until it finds a path
// that does not exist, starting at n=1 (spec §6, §8 idempotence law).
// Opaque URIs are never deduplicated locally - the platform writer owns
// collision handling for those.
func DeduplicatePath(path string, exists func(string) bool) string {
	if !exists(path) {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)

	for n := 1; n <= maxDedupAttempts; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if !exists(candidate) {
			return candidate
		}
	}
	return path
}
