package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These define the boundaries between the crawl orchestration core and its
// external collaborators (§6). Infrastructure and plugins implement them;
// the core depends only on them.

// FetchResult carries the outcome of a successful fetch.
type FetchResult struct {
	FinalURL        string
	StatusCode      int
	Headers         map[string][]string
	Body            []byte
	FetchedAt       time.Time
	SessionMetadata map[string]string
}

// Fetcher retrieves a URL's content under a source profile. Implementations
// (headless-browser or plain HTTP) are out of core scope; the core only
// depends on this contract. Fetch must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, url string, profile SourceProfile) (*FetchResult, error)
}

// AssetRecord is the plugin-normalized representation of a fetched payload.
type AssetRecord struct {
	AssetType         string
	CanonicalURL      string
	NormalizedPayload []byte
	RawPayloadRef     string
	Relationships     []string // outbound URLs discovered in the payload
	Provenance        map[string]string
}

// Plugin normalizes a FetchResult into an AssetRecord. Asset plugins and
// HTML normalization logic are out of core scope; the core only depends on
// this contract.
type Plugin interface {
	// Matches reports whether this plugin can handle the given fetch result,
	// optionally guided by an asset-type hint from the task.
	Matches(assetHint string, result *FetchResult) bool

	// Normalize converts a fetch result into an AssetRecord, or returns a
	// *NormalizationError if the payload is rejected.
	Normalize(result *FetchResult) (*AssetRecord, error)
}

// PluginFactory constructs a Plugin instance. Plugin discovery is a
// host-provided enumeration returning (name, factory) pairs; one failing
// factory must not prevent others from loading (§6). The registry built
// from these factories is closed and read-only after Orchestrator startup
// (REDESIGN FLAG: dynamic plugin dispatch → closed registry populated once).
type PluginFactory func() (Plugin, error)

// DomainRules are the per-domain allow/deny glob sets consulted by the
// Frontier Filter.
type DomainRules struct {
	AllowPaths []string
	DenyPaths  []string
}

// SourceProfile is the configuration the Frontier Filter and Fetcher
// consult for one named source.
type SourceProfile struct {
	Name           string
	StartURLs      []string
	MaxDepth       int
	AllowedDomains map[string]DomainRules
}
