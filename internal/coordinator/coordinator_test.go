package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bookdl/corepipeline/internal/config"
	"github.com/bookdl/corepipeline/internal/fetch"
	"github.com/bookdl/corepipeline/internal/models"
	"github.com/bookdl/corepipeline/internal/queue"
	"go.uber.org/zap"
)

type fakeManager struct {
	downloadURL string
	err         error
}

func (f *fakeManager) SearchBooks(ctx context.Context, query string, filters models.SearchFilters) ([]models.BookInfo, error) {
	return nil, nil
}

func (f *fakeManager) GetBookInfo(ctx context.Context, bookID string) (*models.BookInfo, error) {
	return nil, nil
}

func (f *fakeManager) ResolveDownloadURL(ctx context.Context, info *models.BookInfo) (string, error) {
	return f.downloadURL, f.err
}

func testCoordinator(t *testing.T, manager *fakeManager) (*Coordinator, *config.Config) {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := &config.Config{
		TmpDir:                 filepath.Join(tmpDir, "scratch"),
		IngestDir:              filepath.Join(tmpDir, "ingest"),
		MaxRetry:               1,
		RateLimitMaxSleep:      time.Second,
		MaxConcurrentDownloads: 2,
	}
	if err := os.MkdirAll(cfg.IngestDir, 0o755); err != nil {
		t.Fatal(err)
	}
	logger, _ := zap.NewDevelopment()
	store := queue.NewStore()
	engine := fetch.NewEngine(cfg, logger, nil)
	return New(cfg, store, engine, manager, logger), cfg
}

func TestCoordinatorDownloadsAndPublishesBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("book contents"))
	}))
	defer server.Close()

	manager := &fakeManager{downloadURL: server.URL}
	c, _ := testCoordinator(t, manager)

	format := "epub"
	c.queue.Add("book-1", models.BookInfo{ID: "book-1", Title: "Test Book", Format: &format}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.queue.GetStatusFor("book-1"); ok && status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, ok := c.queue.GetStatusFor("book-1")
	if !ok || status != models.StatusAvailable {
		t.Fatalf("expected book to be available, got status=%v ok=%v", status, ok)
	}

	book, _ := c.queue.GetBook("book-1")
	if book.DownloadPath == nil {
		t.Fatal("expected download path to be set")
	}
	if _, err := os.Stat(*book.DownloadPath); err != nil {
		t.Fatalf("expected published file to exist: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down")
	}
}

func TestCoordinatorMarksErrorOnResolveFailure(t *testing.T) {
	manager := &fakeManager{err: context.DeadlineExceeded}
	c, _ := testCoordinator(t, manager)

	c.queue.Add("book-2", models.BookInfo{ID: "book-2", Title: "Broken Book"}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.queue.GetStatusFor("book-2"); ok && status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, ok := c.queue.GetStatusFor("book-2")
	if !ok || status != models.StatusError {
		t.Fatalf("expected book to be in error status, got status=%v ok=%v", status, ok)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down")
	}
}

func TestCoordinatorCancelBeforeDispatchMarksCancelled(t *testing.T) {
	manager := &fakeManager{downloadURL: "http://example.invalid/book"}
	c, _ := testCoordinator(t, manager)

	c.queue.Add("book-3", models.BookInfo{ID: "book-3", Title: "Cancel Me"}, 0)
	c.queue.CancelDownload("book-3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)

	status, ok := c.queue.GetStatusFor("book-3")
	if !ok || status != models.StatusCancelled {
		t.Fatalf("expected book to be cancelled, got status=%v ok=%v", status, ok)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down")
	}
}
