// Package fetch implements the HTTP retrieval engine shared by the book
// catalog collaborator and the download coordinator: rate-limit-aware
// retry for HTML pages, and chunked, progress-reporting, cancellable
// streaming downloads to a destination file.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bookdl/corepipeline/internal/bypass"
	"github.com/bookdl/corepipeline/internal/config"
	"go.uber.org/zap"
)

// rateLimitStatusCodes are HTTP statuses treated as a rate limit rather
// than a hard failure; the caller sleeps and retries without consuming
// a retry attempt.
var rateLimitStatusCodes = map[int]bool{429: true, 503: true}

const (
	// downloadChunkSize is the read buffer size for streaming downloads.
	downloadChunkSize = 64 * 1024
	// progressMinIncrement is the minimum percentage delta that triggers
	// a progress callback invocation between time-based reports.
	progressMinIncrement = 1.0
	// progressMinInterval is the minimum wall-clock gap between progress
	// callback invocations regardless of percentage delta.
	progressMinInterval = 250 * time.Millisecond
	// minDownloadSizeRatio is the minimum acceptable ratio of bytes
	// received to the expected size before a download is judged to have
	// silently failed (typically an HTML error page masquerading as the
	// file).
	minDownloadSizeRatio = 0.9
	// tempDownloadExt suffixes the in-progress download file.
	tempDownloadExt = ".crdownload"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.3"
)

// ProgressFunc receives download progress as a percentage in [0, 100].
type ProgressFunc func(percent float64)

// Engine performs outbound HTTP requests on behalf of the catalog
// collaborator and the coordinator. Both share the rate-limit handling;
// retries and Cloudflare-bypass escalation apply to FetchPage only.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   *http.Client
	bypasser bypass.Bypasser
}

// NewEngine builds an Engine from configuration. bypasser may be nil,
// in which case bypass escalation is skipped even if cfg.UseCFBypass is
// set.
func NewEngine(cfg *config.Config, logger *zap.Logger, bypasser bypass.Bypasser) *Engine {
	transport := &http.Transport{}
	if cfg.HTTPProxy != "" || cfg.HTTPSProxy != "" {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
				return url.Parse(cfg.HTTPSProxy)
			}
			if req.URL.Scheme == "http" && cfg.HTTPProxy != "" {
				return url.Parse(cfg.HTTPProxy)
			}
			return nil, nil
		}
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		bypasser: bypasser,
		client:   &http.Client{Transport: transport},
	}
}

// FetchPage fetches url as text, retrying on transport errors and
// statuses other than 200 up to cfg.MaxRetry times. A 404 fails immediately. A
// 403 escalates to the Cloudflare bypasser (if configured) for the
// remaining attempts. 429/503 responses sleep per Retry-After (or
// exponential backoff) without consuming a retry attempt.
func (e *Engine) FetchPage(ctx context.Context, target string, useBypasser bool) (string, error) {
	retriesRemaining := e.cfg.MaxRetry
	rateLimitAttempts := 0

	for retriesRemaining >= 0 {
		if useBypasser && e.cfg.UseCFBypass && e.bypasser != nil {
			e.logger.Info("fetching page via bypasser", zap.String("url", target))
			page, err := e.bypasser.FetchBypassed(ctx, target)
			if err == nil {
				return page, nil
			}
			e.logger.Warn("bypasser fetch failed", zap.String("url", target), zap.Error(err))
			if retriesRemaining == 0 {
				return "", fmt.Errorf("fetch via bypasser failed for %s: %w", target, err)
			}
			retriesRemaining--
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", fmt.Errorf("build request for %s: %w", target, err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if retriesRemaining == 0 {
				return "", fmt.Errorf("fetch page %s: %w", target, err)
			}
			e.sleepBackoff(ctx, retriesRemaining)
			retriesRemaining--
			rateLimitAttempts = 0
			continue
		}

		if wait, headerValue, limited := rateLimitWait(resp, rateLimitAttempts, e.cfg.RateLimitMaxSleep); limited {
			resp.Body.Close()
			e.logger.Warn("rate limit detected",
				zap.String("url", target), zap.Int("status", resp.StatusCode),
				zap.Duration("wait", wait), zap.String("retry_after", headerValue))
			rateLimitAttempts++
			if !sleepCtx(ctx, wait) {
				return "", ctx.Err()
			}
			continue
		}
		rateLimitAttempts = 0

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return "", fmt.Errorf("404 for url: %s", target)
		}
		if resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			if retriesRemaining == 0 {
				return "", fmt.Errorf("403 for url: %s", target)
			}
			e.logger.Warn("403 detected, escalating to bypasser", zap.String("url", target))
			useBypasser = true
			retriesRemaining--
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			if retriesRemaining == 0 {
				return "", fmt.Errorf("unexpected status %d for url: %s", resp.StatusCode, target)
			}
			e.sleepBackoff(ctx, retriesRemaining)
			retriesRemaining--
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if retriesRemaining == 0 {
				return "", fmt.Errorf("read body for %s: %w", target, err)
			}
			e.sleepBackoff(ctx, retriesRemaining)
			retriesRemaining--
			continue
		}

		sleepCtx(ctx, time.Second)
		return string(body), nil
	}

	return "", fmt.Errorf("exhausted retries for url: %s", target)
}

func (e *Engine) sleepBackoff(ctx context.Context, retriesRemaining int) {
	sleepSeconds := e.cfg.DefaultSleep * (e.cfg.MaxRetry - retriesRemaining + 1)
	sleepCtx(ctx, time.Duration(sleepSeconds)*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// rateLimitWait inspects resp for a rate-limit status and returns the
// wait duration, the raw Retry-After header value (for logging), and
// whether a wait was required at all.
func rateLimitWait(resp *http.Response, consecutiveAttempts int, maxSleep time.Duration) (time.Duration, string, bool) {
	if !rateLimitStatusCodes[resp.StatusCode] {
		return 0, "", false
	}
	headerValue := resp.Header.Get("Retry-After")
	wait, ok := parseRetryAfter(headerValue)
	if !ok {
		wait = time.Duration(5*(1<<uint(consecutiveAttempts))) * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	if maxSleep > 0 && wait > maxSleep {
		wait = maxSleep
	}
	return wait, headerValue, true
}

// parseRetryAfter parses a Retry-After header as either an integer
// second count or an HTTP-date, per RFC 7231 §7.1.3.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	wait := time.Until(when)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// parseSizeToBytes parses human-readable size hints like "1.2 MB" or
// "850kb" (with optional comma as decimal point) into a byte count.
func parseSizeToBytes(size string) (int64, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(size))
	if cleaned == "" {
		return 0, false
	}
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")

	units := []struct {
		suffix     string
		multiplier float64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
	}
	for _, u := range units {
		if strings.HasSuffix(cleaned, u.suffix) {
			value, err := strconv.ParseFloat(strings.TrimSuffix(cleaned, u.suffix), 64)
			if err != nil {
				return 0, false
			}
			return int64(value * u.multiplier), true
		}
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return int64(value), true
}

// DownloadStream streams target into destPath, reporting progress and
// honoring cancellation via ctx (typically derived from a
// queue.CancelToken). sizeHint is a human-readable size string (e.g.
// "5.2 MB") giving the expected total; the response's Content-Length
// is used only when sizeHint is empty, unparsable or zero. The
// partial download is always written first to destPath+".crdownload"
// and atomically renamed into place on success; on failure or
// cancellation the partial file is removed.
func (e *Engine) DownloadStream(ctx context.Context, target, destPath, sizeHint string, onProgress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	tempPath := destPath + tempDownloadExt
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	fileClosed := false
	defer func() {
		if !fileClosed {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	rateLimitAttempts := 0
	var resp *http.Response
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build download request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err = e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("download request for %s: %w", target, err)
		}

		if wait, headerValue, limited := rateLimitWait(resp, rateLimitAttempts, e.cfg.RateLimitMaxSleep); limited {
			resp.Body.Close()
			e.logger.Warn("rate limit detected on download",
				zap.String("url", target), zap.Duration("wait", wait), zap.String("retry_after", headerValue))
			rateLimitAttempts++
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		break
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status %d for download %s", resp.StatusCode, target)
	}

	totalSize, ok := parseSizeToBytes(sizeHint)
	if !ok || totalSize == 0 {
		totalSize = resp.ContentLength
	}

	var downloaded int64
	lastReportPercent := -1.0
	lastReportTime := time.Now()
	reportedCompletion := false

	if onProgress != nil {
		onProgress(0)
	}

	buf := make([]byte, downloadChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write chunk: %w", writeErr)
			}
			downloaded += int64(n)

			if onProgress != nil && totalSize > 0 {
				percent := float64(downloaded) / float64(totalSize) * 100.0
				if percent > 100.0 {
					percent = 100.0
				}
				now := time.Now()
				if percent >= 100.0 || percent-lastReportPercent >= progressMinIncrement || now.Sub(lastReportTime) >= progressMinInterval {
					onProgress(percent)
					lastReportPercent = percent
					lastReportTime = now
					if percent >= 100.0 {
						reportedCompletion = true
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}

	if onProgress != nil && !reportedCompletion {
		onProgress(100.0)
	}

	if totalSize > 0 && float64(downloaded) < float64(totalSize)*minDownloadSizeRatio {
		contentType := resp.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "text/html") {
			return fmt.Errorf("received HTML content instead of file for %s", target)
		}
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	fileClosed = true

	if err := os.Rename(tempPath, destPath); err != nil {
		if copyErr := copyFile(tempPath, destPath); copyErr != nil {
			return fmt.Errorf("move downloaded file into place: %w", err)
		}
		os.Remove(tempPath)
	}

	success = true
	return nil
}

// GetAbsoluteURL resolves a possibly-relative href against baseURL,
// matching the catalog collaborator's href-normalization rules: blank
// hrefs and hrefs made only of '#' characters resolve to "".
func GetAbsoluteURL(baseURL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.Trim(href, "#") == "" {
		return "", nil
	}
	if strings.HasPrefix(href, "http") {
		return href, nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	rel, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse relative url: %w", err)
	}
	return base.ResolveReference(rel).String(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		out, err = os.Create(dst)
		if err != nil {
			return err
		}
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
