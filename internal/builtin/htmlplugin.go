package builtin

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitesync/sitesync/internal/domain"
)

// HTMLPlugin is sitesync's default Plugin: it matches any text/html
// response and extracts the page title plus every anchor href as an
// outbound relationship. It is registered as the default plugin, so
// Select falls back to it when no other plugin's Matches returns true.
type HTMLPlugin struct{}

// NewHTMLPlugin is a domain.PluginFactory for HTMLPlugin.
func NewHTMLPlugin() (domain.Plugin, error) {
	return &HTMLPlugin{}, nil
}

// Matches implements domain.Plugin.
func (p *HTMLPlugin) Matches(assetHint string, result *domain.FetchResult) bool {
	if assetHint == "html" {
		return true
	}
	ct := http.Header(result.Headers).Get("Content-Type")
	return ct == "" || strings.Contains(ct, "text/html")
}

// Normalize implements domain.Plugin. It rejects empty bodies and bodies
// goquery cannot parse as a NormalizationError.
func (p *HTMLPlugin) Normalize(result *domain.FetchResult) (*domain.AssetRecord, error) {
	if len(result.Body) == 0 {
		return nil, &domain.NormalizationError{Message: "empty body"}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(result.Body)))
	if err != nil {
		return nil, &domain.NormalizationError{Message: fmt.Sprintf("parse html: %v", err)}
	}

	base, err := url.Parse(result.FinalURL)
	if err != nil {
		return nil, &domain.NormalizationError{Message: fmt.Sprintf("parse final url: %v", err)}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	var links []string
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved, err := resolveHref(base, href)
		if err != nil {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})

	return &domain.AssetRecord{
		AssetType:         "html",
		CanonicalURL:      result.FinalURL,
		NormalizedPayload: []byte(title),
		RawPayloadRef:     string(result.Body),
		Relationships:     links,
		Provenance:        map[string]string{"status_code": fmt.Sprintf("%d", result.StatusCode)},
	}, nil
}

func resolveHref(base *url.URL, href string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}
