// Package coordinator runs the concurrent download dispatch loop: it
// pulls the highest-priority queued book, resolves and streams its
// download through the fetch engine, runs the configured post-download
// script, and publishes the result into the ingest directory, bounded
// to a fixed worker count and cooperating with per-book cancellation.
package coordinator

import (
	"context"
	"os"
	"time"

	"github.com/bookdl/corepipeline/internal/bookmanager"
	"github.com/bookdl/corepipeline/internal/config"
	"github.com/bookdl/corepipeline/internal/fetch"
	"github.com/bookdl/corepipeline/internal/ingest"
	"github.com/bookdl/corepipeline/internal/models"
	"github.com/bookdl/corepipeline/internal/queue"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// dispatchPollInterval bounds how long a single GetNext/WaitForItem/
// completion wait blocks before the loop re-checks for shutdown.
const dispatchPollInterval = 100 * time.Millisecond

// Coordinator dispatches queued books to a bounded pool of concurrent
// downloads.
type Coordinator struct {
	cfg     *config.Config
	queue   *queue.Store
	engine  *fetch.Engine
	manager bookmanager.Manager
	logger  *zap.Logger
}

// New builds a Coordinator from its collaborators.
func New(cfg *config.Config, store *queue.Store, engine *fetch.Engine, manager bookmanager.Manager, logger *zap.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, queue: store, engine: engine, manager: manager, logger: logger}
}

// Run dispatches downloads until ctx is cancelled, then waits for every
// in-flight download to finish before returning. It fills available
// worker slots first, loops immediately if it started anything (there
// may be more capacity or more work), otherwise blocks on either new
// work arriving or an in-flight download completing.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("starting concurrent download loop", zap.Int("workers", c.cfg.MaxConcurrentDownloads))

	var wg conc.WaitGroup
	completions := make(chan string, c.cfg.MaxConcurrentDownloads)
	activeCount := 0

	defer func() {
		for activeCount > 0 {
			<-completions
			activeCount--
		}
		wg.Wait()
		c.logger.Info("download coordinator stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		startedDownload := false
		for activeCount < c.cfg.MaxConcurrentDownloads {
			blockForJob := activeCount == 0
			bookID, cancel, ok := c.queue.GetNext(ctx, blockForJob, dispatchPollInterval)
			if !ok {
				break
			}

			c.logger.Info("starting concurrent download", zap.String("book_id", bookID))
			activeCount++
			wg.Go(func() {
				c.processSingle(ctx, bookID, cancel)
				completions <- bookID
			})
			startedDownload = true
		}

		if startedDownload {
			continue
		}

		if activeCount == 0 {
			c.queue.WaitForItem(ctx, dispatchPollInterval)
			continue
		}

		select {
		case <-completions:
			activeCount--
		case <-time.After(dispatchPollInterval):
		case <-ctx.Done():
		}
	}
}

// processSingle runs one book through download, custom script and
// publish, and settles its terminal queue status.
func (c *Coordinator) processSingle(ctx context.Context, bookID string, cancel *queue.CancelToken) {
	c.queue.UpdateStatus(bookID, models.StatusDownloading)

	downloadCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel.Done():
			stop()
		case <-downloadCtx.Done():
		}
	}()

	finalPath, err := c.downloadBook(downloadCtx, bookID)

	if cancel.Signaled() {
		c.queue.UpdateStatus(bookID, models.StatusCancelled)
		c.logger.Info("download cancelled", zap.String("book_id", bookID))
		return
	}

	if err != nil {
		c.logger.Error("download failed", zap.String("book_id", bookID), zap.Error(err))
		c.queue.UpdateStatus(bookID, models.StatusError)
		return
	}

	c.queue.UpdateDownloadPath(bookID, finalPath)
	c.queue.UpdateStatus(bookID, models.StatusAvailable)
	c.logger.Info("download completed successfully", zap.String("book_id", bookID))
}

// downloadBook resolves a fetchable URL for bookID, streams it into the
// scratch directory, runs the custom post-download script if
// configured, and publishes it atomically into the ingest directory.
func (c *Coordinator) downloadBook(ctx context.Context, bookID string) (string, error) {
	info, ok := c.queue.GetBook(bookID)
	if !ok {
		return "", os.ErrNotExist
	}
	c.logger.Info("starting download", zap.String("title", info.Title))

	format := ""
	if info.Format != nil {
		format = *info.Format
	}
	paths := ingest.DerivePaths(c.cfg.TmpDir, c.cfg.IngestDir, bookID, info.Title, format, c.cfg.UseBookTitle)

	downloadURL, err := c.manager.ResolveDownloadURL(ctx, info)
	if err != nil {
		return "", err
	}

	size := ""
	if info.Size != nil {
		size = *info.Size
	}

	onProgress := func(percent float64) { c.queue.UpdateProgress(bookID, percent) }
	if err := c.engine.DownloadStream(ctx, downloadURL, paths.StagePath, size, onProgress); err != nil {
		os.Remove(paths.StagePath)
		return "", err
	}

	if ctx.Err() != nil {
		os.Remove(paths.StagePath)
		return "", ctx.Err()
	}

	if c.cfg.CustomScript != "" {
		c.logger.Info("running custom script", zap.String("script", c.cfg.CustomScript))
		if scriptErr := ingest.RunCustomScript(c.cfg.CustomScript, paths.StagePath); scriptErr != nil {
			c.logger.Warn("custom script failed", zap.Error(scriptErr))
		}
	}

	if err := ingest.Publish(ctx, c.logger, paths.StagePath, paths); err != nil {
		return "", err
	}

	return paths.FinalPath, nil
}
