// Package backend wires the queue store and ingest pipeline into the
// operations the HTTP API exposes: queueing a book
// (with duplicate detection), reporting status, and managing the
// duplicate review workflow.
package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/bookdl/corepipeline/internal/config"
	"github.com/bookdl/corepipeline/internal/ingest"
	"github.com/bookdl/corepipeline/internal/models"
	"github.com/bookdl/corepipeline/internal/queue"
	"go.uber.org/zap"
)

// Backend provides high-level business logic for the application
type Backend struct {
	cfg      *config.Config
	queue    *queue.Store
	reviewed *ingest.ReviewStore
	logger   *zap.Logger
}

// NewBackend creates a new Backend instance
func NewBackend(cfg *config.Config, store *queue.Store, reviewed *ingest.ReviewStore, logger *zap.Logger) *Backend {
	return &Backend{
		cfg:      cfg,
		queue:    store,
		reviewed: reviewed,
		logger:   logger,
	}
}

// QueueBook adds a book to the download queue, or records it as a
// duplicate (without enqueueing) if it's already queued, downloading,
// or already published in the ingest directory.
func (b *Backend) QueueBook(bookID string, bookInfo *models.BookInfo, priority int) (*models.DuplicateEntry, error) {
	if bookInfo == nil {
		return nil, fmt.Errorf("book info is required")
	}

	format := ""
	if bookInfo.Format != nil {
		format = *bookInfo.Format
	}
	paths := ingest.DerivePaths(b.cfg.TmpDir, b.cfg.IngestDir, bookID, bookInfo.Title, format, b.cfg.UseBookTitle)

	currentStatus, hasStatus := b.queue.GetStatusFor(bookID)
	var existingPath *string
	if existing, ok := b.queue.GetBook(bookID); ok {
		existingPath = existing.DownloadPath
	}

	if dup := ingest.DetectDuplicate(bookID, *bookInfo, paths, currentStatus, hasStatus, existingPath); dup != nil {
		dup.Priority = priority
		b.queue.RecordDuplicate(*dup)
		b.logger.Info("duplicate enqueue rejected",
			zap.String("book_id", bookID),
			zap.String("reason", string(dup.Reason)))
		return dup, nil
	}

	b.queue.Add(bookID, *bookInfo, priority)
	b.logger.Info("book queued",
		zap.String("book_id", bookID),
		zap.String("title", bookInfo.Title),
		zap.Int("priority", priority))

	return nil, nil
}

// ForceDuplicate discards a previously recorded duplicate entry for
// bookID and enqueues it anyway, at the priority it was originally
// submitted with.
func (b *Backend) ForceDuplicate(bookID string) (bool, error) {
	dup, ok := b.queue.ResolveDuplicate(bookID)
	if !ok {
		return false, nil
	}
	b.queue.Add(bookID, dup.BookInfo, dup.Priority)
	b.logger.Info("duplicate forced into queue", zap.String("book_id", bookID))
	return true, nil
}

// RemoveDuplicate discards a previously recorded duplicate entry
// without enqueueing it.
func (b *Backend) RemoveDuplicate(bookID string) bool {
	_, ok := b.queue.ResolveDuplicate(bookID)
	return ok
}

// ListDuplicates returns all duplicate enqueues rejected so far.
func (b *Backend) ListDuplicates() []models.DuplicateEntry {
	return b.queue.ListDuplicates()
}

// ListDuplicateGroups walks the ingest directory for files that share a
// stem or content hash, annotated with persisted review state.
func (b *Backend) ListDuplicateGroups() ([]models.DuplicateGroup, error) {
	return ingest.ListDuplicateGroups(b.cfg.IngestDir, b.reviewed)
}

// SetDuplicateReviewed marks (or clears) a duplicate group's reviewed
// state in the persisted review store.
func (b *Backend) SetDuplicateReviewed(groupID string, reviewed bool) error {
	return b.reviewed.SetReviewed(groupID, reviewed)
}

// ResolveIngestFile resolves a relative path against the ingest
// directory, rejecting any attempt to escape it.
func (b *Backend) ResolveIngestFile(relativePath string) (string, error) {
	return ingest.ResolveIngestFile(b.cfg.IngestDir, relativePath)
}

// GetQueueStatus returns the current queue status
func (b *Backend) GetQueueStatus() map[models.QueueStatus]map[string]*models.BookInfo {
	return b.queue.GetStatus()
}

// GetBookData retrieves the downloaded book data
func (b *Backend) GetBookData(bookID string) ([]byte, *models.BookInfo, error) {
	book, ok := b.queue.GetBook(bookID)
	if !ok {
		return nil, nil, fmt.Errorf("book not found: %s", bookID)
	}

	if book.DownloadPath == nil || *book.DownloadPath == "" {
		return nil, book, fmt.Errorf("book not downloaded yet: %s", bookID)
	}

	data, err := os.ReadFile(*book.DownloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			book.DownloadPath = nil
		}
		return nil, book, fmt.Errorf("failed to read book data: %w", err)
	}

	return data, book, nil
}

// CancelDownload cancels a download
func (b *Backend) CancelDownload(ctx context.Context, bookID string) bool {
	success := b.queue.CancelDownload(bookID)
	if success {
		b.logger.Info("download cancelled", zap.String("book_id", bookID))
	}
	return success
}

// SetBookPriority changes the priority of a queued book
func (b *Backend) SetBookPriority(bookID string, priority int) bool {
	success := b.queue.SetPriority(bookID, priority)
	if success {
		b.logger.Info("priority updated",
			zap.String("book_id", bookID),
			zap.Int("priority", priority))
	}
	return success
}

// ReorderQueue bulk reorders the queue
func (b *Backend) ReorderQueue(bookPriorities map[string]int) bool {
	return b.queue.ReorderQueue(bookPriorities)
}

// GetQueueOrder returns the current queue order
func (b *Backend) GetQueueOrder() []models.QueueOrderItem {
	return b.queue.GetQueueOrder()
}

// GetActiveDownloads returns list of currently active downloads
func (b *Backend) GetActiveDownloads() []string {
	return b.queue.GetActiveDownloads()
}

// ClearCompleted removes all completed downloads from tracking
func (b *Backend) ClearCompleted() int {
	count := b.queue.ClearCompleted()
	b.logger.Info("cleared completed downloads", zap.Int("count", count))
	return count
}
