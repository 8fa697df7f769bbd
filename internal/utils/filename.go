// Package utils holds small cross-cutting helpers (filename derivation,
// human-readable sizes) shared by the HTTP source and coordinator.
package utils

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// FilenameFromHeaders extracts a candidate filename from HTTP response
// headers, preferring the RFC 5987 extended form
// (filename*=UTF-8''<encoded>) over the plain quoted form, per spec §6.
// It returns "" if the response carries no usable Content-Disposition.
func FilenameFromHeaders(header http.Header) string {
	_, name, err := httpheader.ContentDisposition(header)
	if err != nil || name == "" {
		return ""
	}
	return SanitizeFilename(name)
}

// FilenameFromURL derives a fallback filename from the URL path, the last
// resort in the FileNameResolver chain (spec §6).
func FilenameFromURL(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	base := filepath.Base(parsed.Path)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return SanitizeFilename(base)
}

// SniffExtension returns a best-guess file extension (without the dot) from
// the first bytes of a response body, using magic-byte detection. Used
// only as a fallback when neither headers nor the URL produced one.
func SniffExtension(head []byte) string {
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return kind.Extension
	}
	return ""
}

// SanitizeFilename strips path separators and characters that are unsafe
// on common filesystems, mirroring the teacher's sanitizeFilename.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	name = strings.TrimSpace(name)
	for _, bad := range []string{"/", ":", "*", "?", "\"", "<", ">", "|"} {
		name = strings.ReplaceAll(name, bad, "_")
	}
	return name
}

// Resolve implements the FileNameResolver contract of spec §6: the first
// non-blank of (explicit filename from the request's destination), the
// source's suggested name, or a URL-path-derived fallback - finally
// defaulting to a generic name so a path is always produced. sniffedExt,
// when non-empty, is the magic-byte-detected extension (SniffExtension)
// appended to whichever candidate wins if that candidate has no extension
// of its own.
func Resolve(explicit, suggested, rawurl, sniffedExt string) string {
	for _, candidate := range []string{explicit, suggested, FilenameFromURL(rawurl)} {
		if san := SanitizeFilename(candidate); san != "" {
			if sniffedExt != "" && filepath.Ext(san) == "" {
				san += "." + sniffedExt
			}
			return san
		}
	}
	if sniffedExt != "" {
		return "download." + sniffedExt
	}
	return "download.bin"
}
