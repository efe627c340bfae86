// Package ingest implements the post-download publish pipeline: the
// filename conventions shared between duplicate detection and the
// final atomic move into the library's watch folder, SHA-256/stem
// based duplicate grouping across the ingest directory, and the JSON
// review-state store used to mark a duplicate group as dismissed.
package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9 ._-]`)

// SanitizeFilename strips characters that aren't safe in a filename,
// keeping alphanumerics, spaces, dots, underscores and hyphens.
func SanitizeFilename(name string) string {
	return strings.TrimSpace(invalidFilenameChars.ReplaceAllString(name, ""))
}

// Paths is the set of filesystem locations a single book's download
// and publish pass moves through.
type Paths struct {
	// Stem is the sanitized filename without extension, used both for
	// the staged download and the final published name.
	Stem string
	// Name is Stem plus the format extension (e.g. "book.epub").
	Name string
	// StagePath is where the fetch engine streams bytes during download
	// (inside the scratch/tmp directory).
	StagePath string
	// FinalPath is where the file is published inside the ingest
	// directory on success.
	FinalPath string
	// IntermediatePath is the ingest-directory staging name used for the
	// atomic move-then-rename; named by book ID so it can't collide with
	// another book's in-flight publish.
	IntermediatePath string
}

// DerivePaths computes the filename conventions for bookID, mirroring
// the same stem/extension logic used by both the staged download and
// duplicate detection, so the two always agree on where a book will
// end up. format may be empty.
func DerivePaths(tmpDir, ingestDir, bookID, title, format string, useBookTitle bool) Paths {
	stem := bookID
	if useBookTitle {
		sanitizedTitle := SanitizeFilename(title)
		if sanitizedTitle == "" {
			sanitizedTitle = "book"
		}
		sum := md5.Sum([]byte(bookID))
		suffix := hex.EncodeToString(sum[:])[:8]
		stem = sanitizedTitle + "-" + suffix
	}

	name := stem
	if format != "" {
		name = stem + "." + format
	}

	return Paths{
		Stem:             stem,
		Name:             name,
		StagePath:        filepath.Join(tmpDir, name),
		FinalPath:        filepath.Join(ingestDir, name),
		IntermediatePath: filepath.Join(ingestDir, bookID+".crdownload"),
	}
}
