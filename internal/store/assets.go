package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/metrics"
)

// RecordAssetVersion upserts the Asset for (sourceName, url) and inserts a
// new AssetVersion unless normalizedHash matches the asset's most recent
// version, in which case it is classified "unchanged" and no row is
// inserted (P8). Runs in one transaction so the asset-exists invariant (I6)
// always holds. newVersion.DiffClass is set on return.
func (s *Store) RecordAssetVersion(asset domain.Asset, newVersion domain.AssetVersion) (domain.Asset, domain.AssetVersion, error) {
	var resultAsset domain.Asset
	var resultVersion domain.AssetVersion

	err := s.withTx(func(tx *sql.Tx) error {
		existing, err := txGetAssetBySourceURL(tx, asset.SourceName, asset.URL)
		if err != nil {
			return err
		}

		now := newVersion.CreatedAt
		if existing == nil {
			if _, err := tx.Exec(
				`INSERT INTO assets (id, source_name, url, asset_type, first_seen_at, last_seen_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				asset.ID, asset.SourceName, asset.URL, asset.AssetType, now.Unix(), now.Unix(),
			); err != nil {
				return err
			}
			resultAsset = asset
			resultAsset.FirstSeenAt = now
			resultAsset.LastSeenAt = now
		} else {
			if _, err := tx.Exec(
				`UPDATE assets SET last_seen_at = ?, asset_type = ? WHERE id = ?`,
				now.Unix(), asset.AssetType, existing.ID,
			); err != nil {
				return err
			}
			resultAsset = *existing
			resultAsset.LastSeenAt = now
			resultAsset.AssetType = asset.AssetType
		}

		prior, err := txLatestAssetVersion(tx, resultAsset.ID)
		if err != nil {
			return err
		}

		newVersion.AssetID = resultAsset.ID
		if prior != nil && prior.NormalizedHash == newVersion.NormalizedHash {
			newVersion.DiffClass = domain.DiffUnchanged
			resultVersion = newVersion
			return nil // P8: unchanged versions are never persisted
		}

		if prior == nil {
			newVersion.DiffClass = domain.DiffNew
		} else {
			newVersion.DiffClass = domain.DiffUpdated
		}

		_, err = tx.Exec(
			`INSERT INTO asset_versions (id, asset_id, run_id, normalized_hash, raw_hash, payload_ref, diff_class, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			newVersion.ID, newVersion.AssetID, newVersion.RunID, newVersion.NormalizedHash,
			newVersion.RawHash, newVersion.PayloadRef, string(newVersion.DiffClass), now.Unix(),
		)
		if err != nil {
			return err
		}
		resultVersion = newVersion
		return nil
	})
	if err != nil {
		return domain.Asset{}, domain.AssetVersion{}, err
	}
	if resultVersion.DiffClass != domain.DiffUnchanged {
		metrics.AssetVersionsRecorded.WithLabelValues(string(resultVersion.DiffClass)).Inc()
	}
	return resultAsset, resultVersion, nil
}

// GetAsset retrieves an asset by (sourceName, url), or domain.ErrAssetNotFound
// if none is tracked yet.
func (s *Store) GetAsset(sourceName, url string) (*domain.Asset, error) {
	row := s.db.QueryRow(
		`SELECT id, source_name, url, asset_type, first_seen_at, last_seen_at
		 FROM assets WHERE source_name = ? AND url = ?`, sourceName, url,
	)
	asset, err := scanAsset(row)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, domain.ErrAssetNotFound
	}
	return asset, nil
}

// LatestAssetVersion returns the most recent version of an asset, or nil.
func (s *Store) LatestAssetVersion(assetID string) (*domain.AssetVersion, error) {
	row := s.db.QueryRow(
		`SELECT id, asset_id, run_id, normalized_hash, raw_hash, payload_ref, diff_class, created_at
		 FROM asset_versions WHERE asset_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, assetID,
	)
	return scanAssetVersion(row)
}

// SweepMissingAssets implements §7's "assets absent from a later run become
// missing exceptions" policy: every asset for sourceName whose last_seen_at
// predates cutoff (the run's start time) was not observed during the run
// that just finished, so it gets a `missing` exception instead of being
// deleted. Runs in one transaction so the sweep sees a consistent snapshot
// of assets alongside the exceptions it inserts.
func (s *Store) SweepMissingAssets(runID, sourceName string, cutoff time.Time) ([]domain.Exception, error) {
	var missing []domain.Exception
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT id, source_name, url, asset_type, first_seen_at, last_seen_at
			 FROM assets WHERE source_name = ? AND last_seen_at < ? ORDER BY url`,
			sourceName, cutoff.Unix(),
		)
		if err != nil {
			return err
		}
		var assets []domain.Asset
		for rows.Next() {
			a, err := scanAsset(rows)
			if err != nil {
				rows.Close()
				return err
			}
			assets = append(assets, *a)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		now := time.Now()
		for _, a := range assets {
			e := domain.Exception{
				ID:        uuid.New().String(),
				RunID:     runID,
				URL:       a.URL,
				Kind:      "missing",
				Message:   "asset not observed during this run",
				CreatedAt: now,
			}
			if _, err := tx.Exec(
				`INSERT INTO exceptions (id, run_id, task_id, url, kind, message, context_json, created_at, resolved_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.RunID, nullStr(e.TaskID), e.URL, e.Kind, e.Message, e.ContextJSON,
				e.CreatedAt.Unix(), nullableUnix(e.ResolvedAt),
			); err != nil {
				return err
			}
			missing = append(missing, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// ListAssetsBySource returns every asset tracked for a source.
func (s *Store) ListAssetsBySource(sourceName string) ([]domain.Asset, error) {
	rows, err := s.db.Query(
		`SELECT id, source_name, url, asset_type, first_seen_at, last_seen_at
		 FROM assets WHERE source_name = ? ORDER BY url`, sourceName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func txGetAssetBySourceURL(tx *sql.Tx, sourceName, url string) (*domain.Asset, error) {
	row := tx.QueryRow(
		`SELECT id, source_name, url, asset_type, first_seen_at, last_seen_at
		 FROM assets WHERE source_name = ? AND url = ?`, sourceName, url,
	)
	return scanAsset(row)
}

func txLatestAssetVersion(tx *sql.Tx, assetID string) (*domain.AssetVersion, error) {
	row := tx.QueryRow(
		`SELECT id, asset_id, run_id, normalized_hash, raw_hash, payload_ref, diff_class, created_at
		 FROM asset_versions WHERE asset_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, assetID,
	)
	return scanAssetVersion(row)
}

func scanAsset(s scanner) (*domain.Asset, error) {
	var a domain.Asset
	var firstSeen, lastSeen int64
	err := s.Scan(&a.ID, &a.SourceName, &a.URL, &a.AssetType, &firstSeen, &lastSeen)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	a.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
	a.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	return &a, nil
}

func scanAssetVersion(s scanner) (*domain.AssetVersion, error) {
	var v domain.AssetVersion
	var createdAt int64
	var diffClass string
	err := s.Scan(&v.ID, &v.AssetID, &v.RunID, &v.NormalizedHash, &v.RawHash, &v.PayloadRef, &diffClass, &createdAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset version: %w", err)
	}
	v.DiffClass = domain.DiffClass(diffClass)
	v.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &v, nil
}
