package store

import (
	"testing"
	"time"

	"github.com/sitesync/sitesync/internal/domain"
)

func TestRecordAssetVersion_NewUpdatedUnchanged(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	run := domain.Run{ID: "run-1", SourceName: "example", StartedAt: now, Status: domain.RunRunning}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	asset := domain.Asset{ID: "a1", SourceName: "example", URL: "https://example.com/page", AssetType: "html"}

	v1 := domain.AssetVersion{ID: "v1", RunID: "run-1", NormalizedHash: "hash-a", RawHash: "raw-a", CreatedAt: now}
	gotAsset, gotVersion, err := s.RecordAssetVersion(asset, v1)
	if err != nil {
		t.Fatalf("RecordAssetVersion() error: %v", err)
	}
	if gotVersion.DiffClass != domain.DiffNew {
		t.Errorf("first version DiffClass = %v, want new", gotVersion.DiffClass)
	}
	if gotAsset.ID != "a1" {
		t.Errorf("asset ID = %q, want a1", gotAsset.ID)
	}

	// Same hash again -> unchanged, not persisted.
	v2 := domain.AssetVersion{ID: "v2", RunID: "run-1", NormalizedHash: "hash-a", RawHash: "raw-a", CreatedAt: now.Add(time.Minute)}
	_, gotVersion2, err := s.RecordAssetVersion(asset, v2)
	if err != nil {
		t.Fatalf("RecordAssetVersion() error: %v", err)
	}
	if gotVersion2.DiffClass != domain.DiffUnchanged {
		t.Errorf("second version DiffClass = %v, want unchanged", gotVersion2.DiffClass)
	}

	latest, err := s.LatestAssetVersion("a1")
	if err != nil {
		t.Fatalf("LatestAssetVersion() error: %v", err)
	}
	if latest.ID != "v1" {
		t.Errorf("latest version = %q, want v1 (v2 must not have been persisted)", latest.ID)
	}

	// Different hash -> updated, persisted.
	v3 := domain.AssetVersion{ID: "v3", RunID: "run-1", NormalizedHash: "hash-b", RawHash: "raw-b", CreatedAt: now.Add(2 * time.Minute)}
	_, gotVersion3, err := s.RecordAssetVersion(asset, v3)
	if err != nil {
		t.Fatalf("RecordAssetVersion() error: %v", err)
	}
	if gotVersion3.DiffClass != domain.DiffUpdated {
		t.Errorf("third version DiffClass = %v, want updated", gotVersion3.DiffClass)
	}

	latest, err = s.LatestAssetVersion("a1")
	if err != nil {
		t.Fatalf("LatestAssetVersion() error: %v", err)
	}
	if latest.ID != "v3" {
		t.Errorf("latest version = %q, want v3", latest.ID)
	}
}

func TestGetAsset_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAsset("example", "https://example.com/missing")
	if err != domain.ErrAssetNotFound {
		t.Errorf("GetAsset() error = %v, want ErrAssetNotFound", err)
	}
}

func TestSweepMissingAssets(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	run1 := domain.Run{ID: "run-1", SourceName: "example", StartedAt: now, Status: domain.RunRunning}
	if err := s.CreateRun(run1); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	seen := domain.Asset{ID: "a-seen", SourceName: "example", URL: "https://example.com/seen", AssetType: "html"}
	vSeen := domain.AssetVersion{ID: "v-seen", RunID: "run-1", NormalizedHash: "h1", RawHash: "r1", CreatedAt: now}
	if _, _, err := s.RecordAssetVersion(seen, vSeen); err != nil {
		t.Fatalf("RecordAssetVersion() error: %v", err)
	}

	gone := domain.Asset{ID: "a-gone", SourceName: "example", URL: "https://example.com/gone", AssetType: "html"}
	vGone := domain.AssetVersion{ID: "v-gone", RunID: "run-1", NormalizedHash: "h2", RawHash: "r2", CreatedAt: now}
	if _, _, err := s.RecordAssetVersion(gone, vGone); err != nil {
		t.Fatalf("RecordAssetVersion() error: %v", err)
	}

	run2Start := now.Add(time.Hour)
	run2 := domain.Run{ID: "run-2", SourceName: "example", StartedAt: run2Start, Status: domain.RunRunning}
	if err := s.CreateRun(run2); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	// run-2 re-observes "seen" but never touches "gone".
	vSeenAgain := domain.AssetVersion{ID: "v-seen-2", RunID: "run-2", NormalizedHash: "h1", RawHash: "r1", CreatedAt: run2Start.Add(time.Minute)}
	if _, _, err := s.RecordAssetVersion(seen, vSeenAgain); err != nil {
		t.Fatalf("RecordAssetVersion() error: %v", err)
	}

	missing, err := s.SweepMissingAssets("run-2", "example", run2Start)
	if err != nil {
		t.Fatalf("SweepMissingAssets() error: %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("len(missing) = %d, want 1", len(missing))
	}
	if missing[0].URL != "https://example.com/gone" {
		t.Errorf("missing[0].URL = %q, want .../gone", missing[0].URL)
	}
	if missing[0].Kind != "missing" {
		t.Errorf("missing[0].Kind = %q, want missing", missing[0].Kind)
	}

	exceptions, err := s.ListExceptions("run-2")
	if err != nil {
		t.Fatalf("ListExceptions() error: %v", err)
	}
	if len(exceptions) != 1 {
		t.Fatalf("len(exceptions) = %d, want 1", len(exceptions))
	}
}

func TestListAssetsBySource(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	run := domain.Run{ID: "run-1", SourceName: "example", StartedAt: now, Status: domain.RunRunning}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}

	for i, url := range []string{"https://example.com/a", "https://example.com/b"} {
		asset := domain.Asset{ID: idFor(i), SourceName: "example", URL: url, AssetType: "html"}
		version := domain.AssetVersion{ID: "v" + idFor(i), RunID: "run-1", NormalizedHash: "h" + idFor(i), RawHash: "r" + idFor(i), CreatedAt: now}
		if _, _, err := s.RecordAssetVersion(asset, version); err != nil {
			t.Fatalf("RecordAssetVersion() error: %v", err)
		}
	}

	assets, err := s.ListAssetsBySource("example")
	if err != nil {
		t.Fatalf("ListAssetsBySource() error: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("len(assets) = %d, want 2", len(assets))
	}
}
