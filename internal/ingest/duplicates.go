package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bookdl/corepipeline/internal/models"
)

const hashChunkSize = 1024 * 1024

// hashFile returns the hex-encoded SHA-256 digest of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DetectDuplicate checks whether bookID is already queued, published,
// or mid-publish, returning a DuplicateEntry describing the conflict
// (and nil if there's no conflict). currentStatus, hasStatus and
// existingDownloadPath let the caller supply the queue.Store's view
// without this package depending on the queue package directly.
func DetectDuplicate(
	bookID string,
	info models.BookInfo,
	paths Paths,
	currentStatus models.QueueStatus,
	hasStatus bool,
	existingDownloadPath *string,
) *models.DuplicateEntry {
	var reason models.DuplicateReason
	var existingPath *string

	switch {
	case hasStatus && currentStatus != models.StatusError && currentStatus != models.StatusDone && currentStatus != models.StatusCancelled:
		reason = models.DuplicateReasonQueued
		existingPath = existingDownloadPath
	case fileExists(paths.FinalPath):
		reason = models.DuplicateReasonOnDisk
		p := paths.FinalPath
		existingPath = &p
	case fileExists(paths.IntermediatePath):
		reason = models.DuplicateReasonDownloading
		p := paths.IntermediatePath
		existingPath = &p
	default:
		return nil
	}

	var statusPtr *models.QueueStatus
	if hasStatus {
		s := currentStatus
		statusPtr = &s
	}

	return &models.DuplicateEntry{
		BookID:       bookID,
		BookInfo:     info,
		IngestPath:   paths.FinalPath,
		Reason:       reason,
		ExistingPath: existingPath,
		Status:       statusPtr,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ResolveIngestFile resolves relativePath against ingestDir and
// rejects anything that escapes it (e.g. via "../"), matching the path
// confinement the original ingest browsing endpoint enforces.
func ResolveIngestFile(ingestDir, relativePath string) (string, error) {
	if relativePath == "" {
		return "", fmt.Errorf("relative path is required")
	}
	root, err := filepath.Abs(ingestDir)
	if err != nil {
		return "", err
	}
	candidate := filepath.Clean(filepath.Join(root, relativePath))

	rel, err := filepath.Rel(root, candidate)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes ingest directory")
	}

	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("file not found: %s", relativePath)
	}
	return candidate, nil
}

// ListDuplicateGroups walks ingestDir and groups files that share a
// sanitized-lowercase stem or a SHA-256 hash, applying review state
// loaded from reviewed. Groups with fewer than two members are
// dropped, and results are sorted by (type, key) for stable output.
func ListDuplicateGroups(ingestDir string, reviewed *ReviewStore) ([]models.DuplicateGroup, error) {
	root, err := filepath.Abs(ingestDir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return []models.DuplicateGroup{}, nil
	}

	var files []models.DuplicateFile
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}

		stem := SanitizeFilename(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if stem == "" {
			stem = strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		}
		stem = strings.ToLower(stem)

		hash, hashErr := hashFile(path)
		if hashErr != nil {
			return nil
		}

		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		files = append(files, models.DuplicateFile{
			Name:         filepath.Base(path),
			RelativePath: filepath.ToSlash(rel),
			Size:         info.Size(),
			Modified:     info.ModTime().UTC().Format(time.RFC3339),
			Stem:         stem,
			Hash:         hash,
			Extension:    ext,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	stemGroups := map[string][]models.DuplicateFile{}
	hashGroups := map[string][]models.DuplicateFile{}
	for _, f := range files {
		stemGroups[f.Stem] = append(stemGroups[f.Stem], f)
		hashGroups[f.Hash] = append(hashGroups[f.Hash], f)
	}

	var groups []models.DuplicateGroup
	for stem, members := range stemGroups {
		if len(members) > 1 {
			groups = append(groups, buildGroup(models.DuplicateGroupStem, stem, members, reviewed))
		}
	}
	for hash, members := range hashGroups {
		if len(members) > 1 {
			groups = append(groups, buildGroup(models.DuplicateGroupHash, hash, members, reviewed))
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Type != groups[j].Type {
			return groups[i].Type < groups[j].Type
		}
		return groups[i].Key < groups[j].Key
	})
	return groups, nil
}

func buildGroup(kind models.DuplicateGroupType, key string, files []models.DuplicateFile, reviewed *ReviewStore) models.DuplicateGroup {
	id := string(kind) + ":" + key
	reviewedAt, isReviewed := reviewed.Get(id)
	group := models.DuplicateGroup{
		ID:       id,
		Type:     kind,
		Key:      key,
		Files:    files,
		Reviewed: isReviewed,
	}
	if isReviewed && reviewedAt != "" {
		group.ReviewedAt = &reviewedAt
	}
	return group
}
