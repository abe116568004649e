package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/domain"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(ctx context.Context, url string, profile domain.SourceProfile) (*domain.FetchResult, error) {
	return &domain.FetchResult{FinalURL: url, StatusCode: 200, Body: []byte("<html></html>"), FetchedAt: time.Now()}, nil
}

func testRegistry(t *testing.T) *domain.PluginRegistry {
	t.Helper()
	reg, failures := domain.NewPluginRegistry(nil, nil, func() (domain.Plugin, error) { return noopPlugin{}, nil })
	require.Empty(t, failures)
	return reg
}

type noopPlugin struct{}

func (noopPlugin) Matches(hint string, result *domain.FetchResult) bool { return true }
func (noopPlugin) Normalize(result *domain.FetchResult) (*domain.AssetRecord, error) {
	return &domain.AssetRecord{AssetType: "html", CanonicalURL: result.FinalURL}, nil
}

func TestNew_OpensStoreAndBuildsCollaborators(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "state.db")

	a, err := New(cfg, noopFetcher{}, testRegistry(t))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Store)
	require.NoError(t, a.Store.Ping())
	require.True(t, a.Health.IsHealthy(), "IsHealthy() should be vacuously true before the checker runs")
}

func TestClose_IsIdempotentSafe(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "state.db")

	a, err := New(cfg, noopFetcher{}, testRegistry(t))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "a second Close should also succeed")
}
