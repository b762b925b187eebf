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

// DiffRepository persists structured deltas between snapshot pairs.
type DiffRepository struct {
	q      sqlx.ExtContext
	logger *zap.Logger
}

const diffColumns = `id, archive_id, old_snapshot_id, new_snapshot_id, diff_timestamp,
	diff_path, stats, significance, visual_diff_path`

// Create inserts the diff and sets its id.
func (r *DiffRepository) Create(ctx context.Context, diff *Diff) error {
	const query = `
		INSERT INTO diffs (archive_id, old_snapshot_id, new_snapshot_id, diff_timestamp,
			diff_path, stats, significance, visual_diff_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	row := r.q.QueryRowxContext(ctx, query,
		diff.SiteID, diff.OldSnapshotID, diff.NewSnapshotID, diff.DiffTimestamp,
		diff.DiffPath, diff.Stats, diff.Significance, diff.VisualDiffPath)
	if err := row.Scan(&diff.ID); err != nil {
		return dbErr(err, "insert diff")
	}
	r.logger.Debug("diff persisted",
		zap.Int64("diff_id", diff.ID),
		zap.Int64("old_snapshot_id", diff.OldSnapshotID),
		zap.Int64("new_snapshot_id", diff.NewSnapshotID))
	return nil
}

// GetByID loads one diff.
func (r *DiffRepository) GetByID(ctx context.Context, id int64) (*Diff, error) {
	var diff Diff
	err := sqlx.GetContext(ctx, r.q, &diff,
		`SELECT `+diffColumns+` FROM diffs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("diff", id)
	}
	if err != nil {
		return nil, dbErr(err, "get diff by id")
	}
	return &diff, nil
}

// GetByPair returns the diff for the ordered snapshot pair, or nil when
// none exists. This is the idempotency check for diff generation.
func (r *DiffRepository) GetByPair(ctx context.Context, oldID, newID int64) (*Diff, error) {
	var diff Diff
	err := sqlx.GetContext(ctx, r.q, &diff,
		`SELECT `+diffColumns+` FROM diffs
		 WHERE old_snapshot_id = $1 AND new_snapshot_id = $2`, oldID, newID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get diff by pair")
	}
	return &diff, nil
}

// Exists reports whether a diff exists for the ordered snapshot pair.
func (r *DiffRepository) Exists(ctx context.Context, oldID, newID int64) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.q, &exists,
		`SELECT EXISTS (SELECT 1 FROM diffs WHERE old_snapshot_id = $1 AND new_snapshot_id = $2)`,
		oldID, newID)
	if err != nil {
		return false, dbErr(err, "check diff exists")
	}
	return exists, nil
}

// SetVisualPath records the visual delta location after the best-effort
// visual step succeeds.
func (r *DiffRepository) SetVisualPath(ctx context.Context, id int64, path string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE diffs SET visual_diff_path = $2 WHERE id = $1`, id, path)
	if err != nil {
		return dbErr(err, "set visual diff path")
	}
	return requireRow(res, "diff", id)
}
