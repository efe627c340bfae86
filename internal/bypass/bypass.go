// Package bypass provides the Cloudflare-challenge escape hatch used
// when a catalog fetch comes back 403: a sidecar solver is asked to
// drive a real browser through the challenge and hand back the
// rendered page.
package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bookdl/corepipeline/internal/config"
)

// Bypasser fetches a URL's fully-rendered HTML, working around
// anti-bot challenges the plain HTTP client can't pass.
type Bypasser interface {
	FetchBypassed(ctx context.Context, url string) (string, error)
}

// ExternalBypasser talks to a FlareSolverr-shaped sidecar over its
// "request.get" command.
type ExternalBypasser struct {
	endpoint string
	client   *http.Client
}

// NewExternalBypasser builds a Bypasser from configuration. Returns nil
// if external bypassing isn't enabled, so callers can store the result
// directly as an Engine's (possibly absent) bypasser.
func NewExternalBypasser(cfg *config.Config) Bypasser {
	if !cfg.UsingExternalBypasser {
		return nil
	}
	return &ExternalBypasser{
		endpoint: cfg.ExtBypasserURL + cfg.ExtBypasserPath,
		client:   &http.Client{Timeout: time.Duration(cfg.ExtBypasserTimeout) * time.Millisecond},
	}
}

type solverRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

type solverResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Solution struct {
		Response string `json:"response"`
		Status   int    `json:"status"`
	} `json:"solution"`
}

// FetchBypassed submits url to the sidecar's request.get command and
// returns the rendered page body.
func (b *ExternalBypasser) FetchBypassed(ctx context.Context, url string) (string, error) {
	payload, err := json.Marshal(solverRequest{
		Cmd:        "request.get",
		URL:        url,
		MaxTimeout: int(b.client.Timeout / time.Millisecond),
	})
	if err != nil {
		return "", fmt.Errorf("encode bypasser request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build bypasser request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bypasser request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded solverResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode bypasser response: %w", err)
	}
	if decoded.Status != "ok" {
		return "", fmt.Errorf("bypasser error: %s", decoded.Message)
	}
	if decoded.Solution.Status != 0 && decoded.Solution.Status >= 400 {
		return "", fmt.Errorf("bypasser returned status %d for %s", decoded.Solution.Status, url)
	}
	return decoded.Solution.Response, nil
}
