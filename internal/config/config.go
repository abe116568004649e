// Package config loads sitesync's TOML configuration: crawler tuning,
// storage location, logging, and per-source crawl profiles.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sitesync/sitesync/internal/domain"
)

// Config holds all sitesync configuration.
type Config struct {
	Crawler CrawlerConfig            `toml:"crawler"`
	Storage StorageConfig            `toml:"storage"`
	Logging LoggingConfig            `toml:"logging"`
	Sources map[string]SourceConfig  `toml:"source"`
}

// CrawlerConfig controls worker pool sizing, retries, and timeouts (§6).
type CrawlerConfig struct {
	ParallelAgents       int     `toml:"parallel_agents"`
	PagesPerAgent        int     `toml:"pages_per_agent"`
	MaxRetries           int     `toml:"max_retries"`
	FetchTimeoutSeconds  int     `toml:"fetch_timeout_seconds"`
	LeaseTTLSeconds      int     `toml:"lease_ttl_seconds"`
	MaxInFlight          int     `toml:"max_in_flight"` // 0 = derive from ParallelAgents*PagesPerAgent
	BackoffBaseSeconds   float64 `toml:"backoff_base_seconds"`
	BackoffCapSeconds    float64 `toml:"backoff_cap_seconds"`
	JitterFraction       float64 `toml:"jitter_fraction"`
	AuthRedirectPrefixes []string `toml:"auth_redirect_prefixes"`
}

// StorageConfig controls the embedded database location.
type StorageConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// DomainRuleConfig is the TOML shape of domain.DomainRules.
type DomainRuleConfig struct {
	AllowPaths []string `toml:"allow_paths"`
	DenyPaths  []string `toml:"deny_paths"`
}

// SourceConfig is one named crawl profile.
type SourceConfig struct {
	StartURLs      []string                    `toml:"start_urls"`
	MaxDepth       int                         `toml:"max_depth"`
	AllowedDomains map[string]DomainRuleConfig `toml:"allowed_domains"`
}

// Profile converts a SourceConfig into the domain.SourceProfile the
// Frontier Filter and Fetcher consume.
func (s SourceConfig) Profile(name string) domain.SourceProfile {
	rules := make(map[string]domain.DomainRules, len(s.AllowedDomains))
	for host, r := range s.AllowedDomains {
		rules[host] = domain.DomainRules{AllowPaths: r.AllowPaths, DenyPaths: r.DenyPaths}
	}
	return domain.SourceProfile{
		Name:           name,
		StartURLs:      s.StartURLs,
		MaxDepth:       s.MaxDepth,
		AllowedDomains: rules,
	}
}

// DefaultConfig returns production-sane defaults (§6's configuration table).
func DefaultConfig() Config {
	return Config{
		Crawler: CrawlerConfig{
			ParallelAgents:       4,
			PagesPerAgent:        8,
			MaxRetries:           3,
			FetchTimeoutSeconds:  30,
			LeaseTTLSeconds:      90,
			MaxInFlight:          0,
			BackoffBaseSeconds:   2,
			BackoffCapSeconds:    120,
			JitterFraction:       0.25,
			AuthRedirectPrefixes: []string{"/auth/login"},
		},
		Storage: StorageConfig{Path: "./sitesync.sqlite"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Sources: map[string]SourceConfig{},
	}
}

// Load reads config from path, falling back to defaults if the file does
// not exist.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EffectiveMaxInFlight returns the effective backpressure ceiling: the
// configured MaxInFlight override when positive, or
// ParallelAgents*PagesPerAgent when unset (Open Question in spec.md §9,
// resolved here by deriving the ceiling unless an override is given).
func (c CrawlerConfig) EffectiveMaxInFlight() int {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	return c.ParallelAgents * c.PagesPerAgent
}

// AbsStoragePath resolves the configured storage path to an absolute path.
func (c StorageConfig) AbsStoragePath() (string, error) {
	if c.Path == "" {
		return filepath.Abs("./sitesync.sqlite")
	}
	return filepath.Abs(c.Path)
}
