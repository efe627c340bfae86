package bookmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bookdl/corepipeline/internal/fetch"
	"github.com/bookdl/corepipeline/internal/models"
)

// countdownPollInterval is how long to wait between polls of a slow
// partner server's countdown page before its download link appears.
const countdownPollInterval = 2 * time.Second

// GetBookInfo retrieves detailed information for a specific book.
func (m *AnnasArchiveManager) GetBookInfo(ctx context.Context, bookID string) (*models.BookInfo, error) {
	url := fmt.Sprintf("%s/md5/%s", m.cfg.AABaseURL, bookID)
	page, err := m.engine.FetchPage(ctx, url, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch book info for ID %s: %w", bookID, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return m.parseBookInfoPage(ctx, doc, bookID)
}

// parseBookInfoPage parses the book info page HTML into a BookInfo object
func (m *AnnasArchiveManager) parseBookInfoPage(ctx context.Context, doc *goquery.Document, bookID string) (*models.BookInfo, error) {
	cfg := m.cfg

	var preview *string
	if img := doc.Find("body > main > div:nth-of-type(1) div:nth-of-type(1) > img"); img.Length() > 0 {
		if src, exists := img.Attr("src"); exists {
			preview = &src
		}
	}

	mainInner := doc.Find("div.main-inner").First()
	if mainInner.Length() == 0 {
		return nil, fmt.Errorf("failed to parse book info for ID: %s", bookID)
	}

	contentDiv := mainInner.Next()

	slowURLsNoWaitlist := make(map[string]bool)
	slowURLsWithWaitlist := make(map[string]bool)
	externalURLsLibgen := make(map[string]bool)
	externalURLsZLib := make(map[string]bool)

	doc.Find("a").Each(func(i int, link *goquery.Selection) {
		text := strings.TrimSpace(strings.ToLower(link.Text()))
		href, exists := link.Attr("href")
		if !exists {
			return
		}

		if strings.HasPrefix(text, "slow partner server") {
			nextText := ""
			if next := link.Next(); next.Length() > 0 {
				nextText = strings.TrimSpace(strings.ToLower(next.Text()))
			}
			if strings.Contains(nextText, "waitlist") {
				if strings.Contains(nextText, "no waitlist") {
					slowURLsNoWaitlist[href] = true
				} else {
					slowURLsWithWaitlist[href] = true
				}
			}
		} else if strings.Contains(text, "click \"get\" at the top") {
			libgenURL := regexp.MustCompile(`libgen\.(lc|is|bz|st)`).ReplaceAllString(href, "libgen.gl")
			externalURLsLibgen[libgenURL] = true
		} else if strings.HasPrefix(text, "z-lib") {
			if !strings.Contains(href, ".onion/") {
				externalURLsZLib[href] = true
			}
		}
	})

	externalURLsWELIB := make(map[string]bool)
	if cfg.UseCFBypass && cfg.AllowUseWELIB {
		welibURLs, err := m.getDownloadURLsFromWELIB(ctx, bookID)
		if err == nil {
			for _, u := range welibURLs {
				externalURLsWELIB[u] = true
			}
		}
	}

	var urls []string
	if cfg.PrioritizeWELIB {
		urls = appendMapKeys(urls, externalURLsWELIB)
	}
	if cfg.UseCFBypass {
		urls = appendMapKeys(urls, slowURLsNoWaitlist)
	}
	urls = appendMapKeys(urls, externalURLsLibgen)
	if !cfg.PrioritizeWELIB {
		urls = appendMapKeys(urls, externalURLsWELIB)
	}
	if cfg.UseCFBypass {
		urls = appendMapKeys(urls, slowURLsWithWaitlist)
	}
	urls = appendMapKeys(urls, externalURLsZLib)

	for i := range urls {
		absURL, err := fetch.GetAbsoluteURL(cfg.AABaseURL, urls[i])
		if err == nil && absURL != "" {
			urls[i] = absURL
		}
	}

	var filteredURLs []string
	for _, u := range urls {
		if u != "" {
			filteredURLs = append(filteredURLs, u)
		}
	}

	var divTexts []string
	var originalDivs []*goquery.Selection
	contentDiv.Children().Each(func(i int, div *goquery.Selection) {
		originalDivs = append(originalDivs, div)
		text := strings.TrimSpace(div.Text())
		if text != "" {
			divTexts = append(divTexts, text)
		}
	})

	separatorIndex := 6
	for i, text := range divTexts {
		if strings.Contains(text, "·") {
			separatorIndex = i
			break
		}
	}

	var format, size string
	if separatorIndex < len(divTexts) {
		details := strings.Split(strings.ToLower(divTexts[separatorIndex]), " · ")
		supportedFormats := strings.Split(strings.ToLower(cfg.SupportedFormats), ",")

		for _, detail := range details {
			detail = strings.TrimSpace(detail)
			if format == "" {
				for _, sf := range supportedFormats {
					if detail == sf {
						format = detail
						break
					}
				}
			}
			if size == "" {
				lowerDetail := strings.ToLower(detail)
				if strings.Contains(lowerDetail, "mb") || strings.Contains(lowerDetail, "kb") || strings.Contains(lowerDetail, "gb") {
					size = detail
				}
			}
		}

		if format == "" || size == "" {
			for _, detail := range details {
				detail = strings.TrimSpace(detail)
				if format == "" && !strings.Contains(detail, " ") {
					format = detail
				}
				if size == "" && strings.Contains(detail, ".") {
					size = detail
				}
			}
		}
	}

	var title, author, publisher string
	if separatorIndex >= 3 && separatorIndex < len(divTexts) {
		title = strings.Trim(divTexts[separatorIndex-3], "🔍")
		author = divTexts[separatorIndex-2]
		publisher = divTexts[separatorIndex-1]
	}

	var info map[string][]string
	if len(originalDivs) >= 6 {
		info = extractBookMetadata(originalDivs[len(originalDivs)-6])
	}

	bookInfo := &models.BookInfo{
		ID:           bookID,
		Preview:      preview,
		Title:        title,
		DownloadURLs: filteredURLs,
		Info:         info,
	}

	if author != "" {
		bookInfo.Author = &author
	}
	if publisher != "" {
		bookInfo.Publisher = &publisher
	}
	if format != "" {
		bookInfo.Format = &format
	}
	if size != "" {
		bookInfo.Size = &size
	}

	if info != nil {
		if lang, ok := info["Language"]; ok && len(lang) > 0 {
			bookInfo.Language = &lang[0]
		}
		if year, ok := info["Year"]; ok && len(year) > 0 {
			bookInfo.Year = &year[0]
		}
	}

	return bookInfo, nil
}

// getDownloadURLsFromWELIB retrieves download URLs from welib.org
func (m *AnnasArchiveManager) getDownloadURLsFromWELIB(ctx context.Context, bookID string) ([]string, error) {
	if !m.cfg.AllowUseWELIB {
		return nil, nil
	}

	url := fmt.Sprintf("https://welib.org/md5/%s", bookID)
	page, err := m.engine.FetchPage(ctx, url, true)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	var downloadLinks []string
	doc.Find("a[href]").Each(func(i int, link *goquery.Selection) {
		href, exists := link.Attr("href")
		if !exists {
			return
		}
		if strings.Contains(href, "/slow_download/") {
			absURL, err := fetch.GetAbsoluteURL(url, href)
			if err == nil && absURL != "" {
				downloadLinks = append(downloadLinks, absURL)
			}
		}
	})

	return downloadLinks, nil
}

// extractBookMetadata extracts metadata from book info divs
func extractBookMetadata(metadataDiv *goquery.Selection) map[string][]string {
	info := make(map[string][]string)

	metadataDiv.Find("div").First().Children().Each(func(i int, div *goquery.Selection) {
		text := strings.TrimSpace(div.Text())
		if text == "" {
			return
		}

		children := div.Children()
		if children.Length() < 2 {
			return
		}

		key := strings.TrimSpace(children.Eq(0).Text())
		value := strings.TrimSpace(children.Eq(1).Text())

		if key != "" && value != "" {
			if _, exists := info[key]; !exists {
				info[key] = []string{}
			}
			info[key] = append(info[key], value)
		}
	})

	relevantPrefixes := []string{
		"ISBN-",
		"ALTERNATIVE",
		"ASIN",
		"Goodreads",
		"Language",
		"Year",
	}

	filtered := make(map[string][]string)
	for key, values := range info {
		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "filename") {
			continue
		}

		for _, prefix := range relevantPrefixes {
			if strings.HasPrefix(lowerKey, strings.ToLower(prefix)) {
				filtered[strings.TrimSpace(key)] = values
				break
			}
		}
	}

	return filtered
}

// appendMapKeys appends map keys to a slice
func appendMapKeys(slice []string, m map[string]bool) []string {
	for key := range m {
		slice = append(slice, key)
	}
	return slice
}

// ResolveDownloadURL walks a book's candidate source links in priority
// order and returns the first concrete, directly fetchable download
// URL. Unlike the buffer-based flow it replaces, it never reads the
// book's bytes itself, leaving streaming to the fetch engine.
func (m *AnnasArchiveManager) ResolveDownloadURL(ctx context.Context, info *models.BookInfo) (string, error) {
	cfg := m.cfg

	if len(info.DownloadURLs) == 0 {
		fullInfo, err := m.GetBookInfo(ctx, info.ID)
		if err != nil {
			return "", fmt.Errorf("failed to get book info: %w", err)
		}
		info.DownloadURLs = fullInfo.DownloadURLs
	}

	candidateLinks := make([]string, len(info.DownloadURLs))
	copy(candidateLinks, info.DownloadURLs)

	if cfg.AADonatorKey != "" {
		fastURL := fmt.Sprintf("%s/dyn/api/fast_download.json?md5=%s&key=%s",
			cfg.AABaseURL, info.ID, cfg.AADonatorKey)
		candidateLinks = append([]string{fastURL}, candidateLinks...)
	}

	var lastErr error
	for _, link := range candidateLinks {
		downloadURL, err := m.resolveSourceLink(ctx, link, info.Title)
		if err != nil || downloadURL == "" {
			lastErr = err
			continue
		}
		return downloadURL, nil
	}

	if lastErr != nil {
		return "", fmt.Errorf("failed to resolve a download URL from any source: %w", lastErr)
	}
	return "", fmt.Errorf("failed to resolve a download URL from any source")
}

// resolveSourceLink extracts the actual download URL from a source
// page: the fast-download API, a Z-Library book page, a slow partner
// server page (polling through its countdown), or a LibGen-style GET
// link.
func (m *AnnasArchiveManager) resolveSourceLink(ctx context.Context, link, title string) (string, error) {
	cfg := m.cfg

	if strings.HasPrefix(link, cfg.AABaseURL+"/dyn/api/fast_download.json") {
		page, err := m.engine.FetchPage(ctx, link, false)
		if err != nil {
			return "", err
		}

		var result map[string]interface{}
		if err := json.Unmarshal([]byte(page), &result); err != nil {
			return "", fmt.Errorf("failed to parse JSON: %w", err)
		}

		if url, ok := result["download_url"].(string); ok {
			return url, nil
		}
		return "", fmt.Errorf("no download_url in response")
	}

	if strings.Contains(link, "/slow_download/") {
		return m.resolveSlowDownloadLink(ctx, link)
	}

	page, err := m.engine.FetchPage(ctx, link, false)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", err
	}

	var downloadURL string
	if strings.HasPrefix(link, "https://z-lib.") {
		if downloadLink := doc.Find("a.addDownloadedBook[href]"); downloadLink.Length() > 0 {
			downloadURL, _ = downloadLink.Attr("href")
		}
	} else {
		if getLink := doc.Find("a:contains('GET')"); getLink.Length() > 0 {
			downloadURL, _ = getLink.Attr("href")
		}
	}

	if downloadURL == "" {
		return "", fmt.Errorf("no download link found")
	}

	return fetch.GetAbsoluteURL(link, downloadURL)
}

// resolveSlowDownloadLink polls a slow partner server page until its
// countdown expires and the real download link appears, or the
// context is cancelled.
func (m *AnnasArchiveManager) resolveSlowDownloadLink(ctx context.Context, link string) (string, error) {
	for {
		page, err := m.engine.FetchPage(ctx, link, false)
		if err != nil {
			return "", err
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
		if err != nil {
			return "", err
		}

		if downloadLink := doc.Find("a:contains('📚 Download now')"); downloadLink.Length() > 0 {
			href, _ := downloadLink.Attr("href")
			if href != "" {
				return fetch.GetAbsoluteURL(link, href)
			}
		}

		if countdown := doc.Find("span.js-partner-countdown"); countdown.Length() == 0 {
			return "", fmt.Errorf("no download link or countdown found on slow partner page")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(countdownPollInterval):
		}
	}
}
