package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bookdl/corepipeline/internal/config"
	"github.com/bookdl/corepipeline/internal/ingest"
	"github.com/bookdl/corepipeline/internal/models"
	"github.com/bookdl/corepipeline/internal/queue"
	"go.uber.org/zap"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := &config.Config{
		TmpDir:    filepath.Join(tmpDir, "scratch"),
		IngestDir: filepath.Join(tmpDir, "ingest"),
	}
	logger, _ := zap.NewDevelopment()
	store := queue.NewStore()
	reviewed := ingest.NewReviewStore(filepath.Join(tmpDir, "review.json"), logger)
	return NewBackend(cfg, store, reviewed, logger)
}

func TestQueueBookEnqueuesNewBook(t *testing.T) {
	b := testBackend(t)

	dup, err := b.QueueBook("book-1", &models.BookInfo{ID: "book-1", Title: "New Book"}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup != nil {
		t.Fatalf("expected no duplicate, got %+v", dup)
	}

	status := b.GetQueueStatus()
	if _, ok := status[models.StatusQueued]["book-1"]; !ok {
		t.Error("expected book-1 to be queued")
	}
}

func TestQueueBookRejectsDuplicateWhileQueued(t *testing.T) {
	b := testBackend(t)

	info := &models.BookInfo{ID: "book-1", Title: "New Book"}
	if _, err := b.QueueBook("book-1", info, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup, err := b.QueueBook("book-1", info, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup == nil {
		t.Fatal("expected a duplicate entry for re-enqueueing a queued book")
	}
	if dup.Reason != models.DuplicateReasonQueued {
		t.Errorf("expected queued reason, got %s", dup.Reason)
	}
}

func TestQueueBookRejectsDuplicateOnDisk(t *testing.T) {
	b := testBackend(t)

	format := "epub"
	info := &models.BookInfo{ID: "book-2", Title: "Already Published", Format: &format}
	paths := ingest.DerivePaths(b.cfg.TmpDir, b.cfg.IngestDir, "book-2", info.Title, format, false)
	if err := os.MkdirAll(b.cfg.IngestDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.FinalPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dup, err := b.QueueBook("book-2", info, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup == nil || dup.Reason != models.DuplicateReasonOnDisk {
		t.Fatalf("expected on_disk duplicate, got %+v", dup)
	}

	status := b.GetQueueStatus()
	if _, ok := status[models.StatusQueued]["book-2"]; ok {
		t.Error("expected duplicate book not to be enqueued")
	}
}

func TestForceDuplicateEnqueuesRecordedEntry(t *testing.T) {
	b := testBackend(t)

	info := &models.BookInfo{ID: "book-3", Title: "Forced Book"}
	if _, err := b.QueueBook("book-3", info, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.QueueBook("book-3", info, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	forced, err := b.ForceDuplicate("book-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !forced {
		t.Fatal("expected duplicate to be forced")
	}

	if len(b.ListDuplicates()) != 0 {
		t.Error("expected duplicate entry to be cleared after forcing")
	}
}

func TestCancelDownloadReportsMissingBook(t *testing.T) {
	b := testBackend(t)
	if b.CancelDownload(context.Background(), "missing") {
		t.Error("expected cancel of unknown book to fail")
	}
}
