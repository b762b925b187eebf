/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SnapshotRepository persists accepted captures.
type SnapshotRepository struct {
	q      sqlx.ExtContext
	logger *zap.Logger
}

const snapshotColumns = `id, archive_id, capture_timestamp, warc_path, screenshot_path,
	html_path, text_path, pdf_path, content_hash, status, size_bytes, error_message, metadata`

// NextID reserves the next snapshot id. The capture worker needs the id
// before the row exists because artifact paths embed it; the row itself
// is inserted only after every artifact is on disk.
func (r *SnapshotRepository) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, r.q, &id,
		`SELECT nextval(pg_get_serial_sequence('snapshots', 'id'))`)
	if err != nil {
		return 0, dbErr(err, "reserve snapshot id")
	}
	return id, nil
}

// Create inserts the snapshot row with its pre-reserved id.
func (r *SnapshotRepository) Create(ctx context.Context, snap *Snapshot) error {
	const query = `
		INSERT INTO snapshots (id, archive_id, capture_timestamp, warc_path, screenshot_path,
			html_path, text_path, pdf_path, content_hash, status, size_bytes, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.q.ExecContext(ctx, query,
		snap.ID, snap.SiteID, snap.CaptureTimestamp, snap.WARCPath, snap.ScreenshotPath,
		snap.HTMLPath, snap.TextPath, snap.PDFPath, snap.ContentHash, snap.Status,
		snap.SizeBytes, snap.ErrorMessage, snap.Metadata)
	if err != nil {
		return dbErr(err, "insert snapshot")
	}
	r.logger.Debug("snapshot persisted",
		zap.Int64("snapshot_id", snap.ID),
		zap.Int64("site_id", snap.SiteID))
	return nil
}

// GetByID loads one snapshot.
func (r *SnapshotRepository) GetByID(ctx context.Context, id int64) (*Snapshot, error) {
	var snap Snapshot
	err := sqlx.GetContext(ctx, r.q, &snap,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("snapshot", id)
	}
	if err != nil {
		return nil, dbErr(err, "get snapshot by id")
	}
	return &snap, nil
}

// LatestForSite returns the most recent snapshot for the site, or nil
// when the site has none.
func (r *SnapshotRepository) LatestForSite(ctx context.Context, siteID int64) (*Snapshot, error) {
	var snap Snapshot
	err := sqlx.GetContext(ctx, r.q, &snap,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE archive_id = $1 ORDER BY capture_timestamp DESC LIMIT 1`, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get latest snapshot")
	}
	return &snap, nil
}

// LatestForSiteExcluding returns the most recent snapshot for the site
// other than excludeID, or nil when none exists. The change detector
// uses this to find the predecessor of a just-written snapshot.
func (r *SnapshotRepository) LatestForSiteExcluding(ctx context.Context, siteID, excludeID int64) (*Snapshot, error) {
	var snap Snapshot
	err := sqlx.GetContext(ctx, r.q, &snap,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE archive_id = $1 AND id <> $2
		 ORDER BY capture_timestamp DESC LIMIT 1`, siteID, excludeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get previous snapshot")
	}
	return &snap, nil
}

// Latest returns up to n most recent snapshots for the site, newest
// first.
func (r *SnapshotRepository) Latest(ctx context.Context, siteID int64, n int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := sqlx.SelectContext(ctx, r.q, &snaps,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE archive_id = $1 ORDER BY capture_timestamp DESC LIMIT $2`, siteID, n)
	if err != nil {
		return nil, dbErr(err, "list latest snapshots")
	}
	return snaps, nil
}

// ListForSite returns snapshots for a site with pagination, newest
// first.
func (r *SnapshotRepository) ListForSite(ctx context.Context, siteID int64, limit, offset int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := sqlx.SelectContext(ctx, r.q, &snaps,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE archive_id = $1 ORDER BY capture_timestamp DESC LIMIT $2 OFFSET $3`,
		siteID, limit, offset)
	if err != nil {
		return nil, dbErr(err, "list snapshots")
	}
	return snaps, nil
}
