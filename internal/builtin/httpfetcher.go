// Package builtin provides sitesync's default Fetcher and Plugin
// implementations: a plain HTTP fetcher and an HTML link-extraction
// plugin. These are host-provided collaborators in the sense of §6 —
// the core crawl orchestration packages depend only on the domain.Fetcher
// and domain.Plugin contracts, never on this package.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
)

// HTTPFetcher is a plain net/http Fetcher. It does not execute JavaScript
// or wait for client-side rendering; sites that require that need a
// headless-browser Fetcher, which is out of scope here.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher builds an HTTPFetcher that sends userAgent (a default
// sitesync User-Agent when empty). The client sets no timeout of its own;
// each fetch is bounded only by the context deadline the Worker passes in.
func NewHTTPFetcher(userAgent string) *HTTPFetcher {
	if userAgent == "" {
		userAgent = "sitesync/1.0 (+https://github.com/sitesync/sitesync)"
	}
	return &HTTPFetcher{
		client:    &http.Client{},
		userAgent: userAgent,
	}
}

// Fetch implements domain.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, profile domain.SourceProfile) (*domain.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.NewPermanentFetchError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewTransientFetchError("fetch timeout")
		}
		return nil, domain.NewTransientFetchError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientFetchError(fmt.Sprintf("read body: %v", err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewTransientFetchError(fmt.Sprintf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, domain.NewPermanentFetchError(fmt.Sprintf("status %d", resp.StatusCode))
	}

	return &domain.FetchResult{
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		FetchedAt:  time.Now(),
	}, nil
}
