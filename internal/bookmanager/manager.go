// Package bookmanager implements the catalog collaborator: searching,
// detail lookup, and download-link resolution against Anna's Archive
// (with an optional welib.org mirror lookup), by scraping the same
// HTML tables and detail pages the upstream site renders for browsers.
package bookmanager

import (
	"context"

	"github.com/bookdl/corepipeline/internal/models"
)

// Manager searches a book catalog, fetches detail pages, and resolves
// a concrete, fetchable download URL for a book.
type Manager interface {
	SearchBooks(ctx context.Context, query string, filters models.SearchFilters) ([]models.BookInfo, error)
	GetBookInfo(ctx context.Context, bookID string) (*models.BookInfo, error)
	ResolveDownloadURL(ctx context.Context, info *models.BookInfo) (string, error)
}
