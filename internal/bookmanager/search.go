package bookmanager

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/bookdl/corepipeline/internal/config"
	"github.com/bookdl/corepipeline/internal/fetch"
	"github.com/bookdl/corepipeline/internal/models"
	"golang.org/x/net/html"
)

// textNodeType is the node type for text nodes in the HTML DOM.
const textNodeType = html.TextNode

// AnnasArchiveManager is the Manager implementation backed by Anna's
// Archive's search and detail pages, with an optional welib.org mirror
// lookup for additional download links.
type AnnasArchiveManager struct {
	cfg    *config.Config
	engine *fetch.Engine
}

// NewAnnasArchiveManager builds a Manager that fetches pages through
// engine, so catalog lookups share the same retry/rate-limit/bypass
// policy as everything else that talks to the outside world.
func NewAnnasArchiveManager(cfg *config.Config, engine *fetch.Engine) *AnnasArchiveManager {
	return &AnnasArchiveManager{cfg: cfg, engine: engine}
}

// SearchBooks searches for books matching the query.
func (m *AnnasArchiveManager) SearchBooks(ctx context.Context, query string, filters models.SearchFilters) ([]models.BookInfo, error) {
	cfg := m.cfg
	queryHTML := url.QueryEscape(query)

	if len(filters.ISBN) > 0 {
		var isbnParts []string
		for _, isbn := range filters.ISBN {
			isbnParts = append(isbnParts, fmt.Sprintf("('isbn13:%s' || 'isbn10:%s')", isbn, isbn))
		}
		isbns := strings.Join(isbnParts, " || ")
		queryHTML = url.QueryEscape(fmt.Sprintf("(%s) %s", isbns, query))
	}

	filtersQuery := ""

	bookLanguages := filters.Lang
	if len(bookLanguages) == 0 {
		bookLanguages = strings.Split(strings.ToLower(cfg.BookLanguage), ",")
	}
	for _, value := range bookLanguages {
		if value != "all" {
			filtersQuery += "&lang=" + url.QueryEscape(value)
		}
	}

	if filters.Sort != nil {
		filtersQuery += "&sort=" + url.QueryEscape(*filters.Sort)
	}

	for _, value := range filters.Content {
		filtersQuery += "&content=" + url.QueryEscape(value)
	}

	formatsToUse := filters.Format
	if len(formatsToUse) == 0 {
		formatsToUse = strings.Split(strings.ToLower(cfg.SupportedFormats), ",")
	}

	index := 1
	for _, author := range filters.Author {
		filtersQuery += fmt.Sprintf("&termtype_%d=author&termval_%d=%s", index, index, url.QueryEscape(author))
		index++
	}
	for _, title := range filters.Title {
		filtersQuery += fmt.Sprintf("&termtype_%d=title&termval_%d=%s", index, index, url.QueryEscape(title))
		index++
	}

	searchURL := fmt.Sprintf(
		"%s/search?index=&page=1&display=table&acc=aa_download&acc=external_download&ext=%s&q=%s%s",
		cfg.AABaseURL,
		strings.Join(formatsToUse, "&ext="),
		queryHTML,
		filtersQuery,
	)

	page, err := m.engine.FetchPage(ctx, searchURL, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch search results: %w", err)
	}

	if strings.Contains(page, "No files found.") {
		return nil, fmt.Errorf("no books found. Please try another query")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no books found. Please try another query")
	}

	var books []models.BookInfo
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		book, err := parseSearchResultRow(row)
		if err == nil && book != nil {
			books = append(books, *book)
		}
	})

	sortedFormats := strings.Split(strings.ToLower(cfg.SupportedFormats), ",")
	sort.Slice(books, func(i, j int) bool {
		formatI, formatJ := "", ""
		if books[i].Format != nil {
			formatI = *books[i].Format
		}
		if books[j].Format != nil {
			formatJ = *books[j].Format
		}

		indexI := indexOf(sortedFormats, formatI)
		indexJ := indexOf(sortedFormats, formatJ)
		if indexI == -1 {
			indexI = len(sortedFormats)
		}
		if indexJ == -1 {
			indexJ = len(sortedFormats)
		}
		return indexI < indexJ
	})

	return books, nil
}

// parseSearchResultRow parses a single search result row into a BookInfo object.
func parseSearchResultRow(row *goquery.Selection) (*models.BookInfo, error) {
	cells := row.Find("td")
	if cells.Length() < 11 {
		return nil, fmt.Errorf("invalid row structure")
	}

	var preview *string
	if img := cells.Eq(0).Find("img"); img.Length() > 0 {
		if src, exists := img.Attr("src"); exists {
			preview = &src
		}
	}

	links := row.Find("a")
	if links.Length() == 0 {
		return nil, fmt.Errorf("no links found in row")
	}
	href, exists := links.First().Attr("href")
	if !exists {
		return nil, fmt.Errorf("no href found")
	}
	parts := strings.Split(href, "/")
	if len(parts) == 0 {
		return nil, fmt.Errorf("invalid href")
	}
	id := parts[len(parts)-1]

	getText := func(cellIndex int) *string {
		span := cells.Eq(cellIndex).Find("span")
		if span.Length() > 0 {
			node := span.Get(0).NextSibling
			if node != nil && node.Type == textNodeType {
				text := strings.TrimSpace(node.Data)
				if text != "" {
					return &text
				}
			}
			cellText := cells.Eq(cellIndex).Text()
			spanText := span.Text()
			text := strings.TrimSpace(strings.Replace(cellText, spanText, "", 1))
			if text != "" {
				return &text
			}
		}
		return nil
	}

	title := getText(1)
	author := getText(2)
	publisher := getText(3)
	year := getText(4)
	language := getText(7)
	format := getText(9)
	size := getText(10)

	if title == nil {
		return nil, fmt.Errorf("title not found")
	}

	if format != nil {
		lower := strings.ToLower(*format)
		format = &lower
	}

	return &models.BookInfo{
		ID:        id,
		Preview:   preview,
		Title:     *title,
		Author:    author,
		Publisher: publisher,
		Year:      year,
		Language:  language,
		Format:    format,
		Size:      size,
	}, nil
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
