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
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// QueueEntryRepository persists the durable shadow of work-queue jobs.
// The partial unique index on (archive_id, operation) for outstanding
// statuses enforces the one-outstanding-entry invariant at the database
// level; HasOutstanding lets the scheduler observe it before enqueuing.
type QueueEntryRepository struct {
	q      sqlx.ExtContext
	logger *zap.Logger
}

const entryColumns = `id, archive_id, operation, status, priority, scheduled_for,
	started_at, completed_at, error_message, retries`

// Create inserts a pending entry and sets its id.
func (r *QueueEntryRepository) Create(ctx context.Context, entry *QueueEntry) error {
	const query = `
		INSERT INTO archive_queue (archive_id, operation, status, priority, scheduled_for, retries)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	row := r.q.QueryRowxContext(ctx, query,
		entry.SiteID, entry.Operation, entry.Status, entry.Priority, entry.ScheduledFor, entry.Retries)
	if err := row.Scan(&entry.ID); err != nil {
		return dbErr(err, "insert queue entry")
	}
	return nil
}

// GetByID loads one entry.
func (r *QueueEntryRepository) GetByID(ctx context.Context, id int64) (*QueueEntry, error) {
	var entry QueueEntry
	err := sqlx.GetContext(ctx, r.q, &entry,
		`SELECT `+entryColumns+` FROM archive_queue WHERE id = $1`, id)
	if err != nil {
		return nil, dbErr(err, "get queue entry")
	}
	return &entry, nil
}

// HasOutstanding reports whether the site already has a pending or
// in-progress entry for the operation.
func (r *QueueEntryRepository) HasOutstanding(ctx context.Context, siteID int64, op Operation) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, r.q, &exists,
		`SELECT EXISTS (SELECT 1 FROM archive_queue
		  WHERE archive_id = $1 AND operation = $2 AND status IN ('pending', 'in_progress'))`,
		siteID, op)
	if err != nil {
		return false, dbErr(err, "check outstanding queue entry")
	}
	return exists, nil
}

// MarkInProgress transitions pending -> in_progress and records
// started_at.
func (r *QueueEntryRepository) MarkInProgress(ctx context.Context, id int64, startedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archive_queue SET status = 'in_progress', started_at = $2 WHERE id = $1`,
		id, startedAt)
	if err != nil {
		return dbErr(err, "mark queue entry in progress")
	}
	return requireRow(res, "queue entry", id)
}

// MarkCompleted transitions in_progress -> completed and records
// completed_at.
func (r *QueueEntryRepository) MarkCompleted(ctx context.Context, id int64, completedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archive_queue SET status = 'completed', completed_at = $2 WHERE id = $1`,
		id, completedAt)
	if err != nil {
		return dbErr(err, "mark queue entry completed")
	}
	return requireRow(res, "queue entry", id)
}

// MarkCompletedWithNote completes the entry while keeping a note, used
// for terminal non-200 captures that should not retry.
func (r *QueueEntryRepository) MarkCompletedWithNote(ctx context.Context, id int64, completedAt time.Time, note string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archive_queue SET status = 'completed', completed_at = $2, error_message = $3 WHERE id = $1`,
		id, completedAt, note)
	if err != nil {
		return dbErr(err, "mark queue entry completed with note")
	}
	return requireRow(res, "queue entry", id)
}

// MarkFailed transitions the entry to failed with an error message.
func (r *QueueEntryRepository) MarkFailed(ctx context.Context, id int64, message string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archive_queue SET status = 'failed', error_message = $2 WHERE id = $1`,
		id, message)
	if err != nil {
		return dbErr(err, "mark queue entry failed")
	}
	return requireRow(res, "queue entry", id)
}

// MarkRetry returns the entry to pending and counts the attempt.
func (r *QueueEntryRepository) MarkRetry(ctx context.Context, id int64, message string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archive_queue
		 SET status = 'pending', started_at = NULL, error_message = $2, retries = retries + 1
		 WHERE id = $1`,
		id, message)
	if err != nil {
		return dbErr(err, "mark queue entry for retry")
	}
	return requireRow(res, "queue entry", id)
}

// PendingDiffEntries returns up to limit pending diff entries ordered by
// (priority, scheduled_for).
func (r *QueueEntryRepository) PendingDiffEntries(ctx context.Context, limit int) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := sqlx.SelectContext(ctx, r.q, &entries,
		`SELECT `+entryColumns+` FROM archive_queue
		 WHERE operation = 'diff' AND status = 'pending'
		 ORDER BY priority ASC, scheduled_for ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, dbErr(err, "query pending diff entries")
	}
	return entries, nil
}

// Outstanding returns all pending and in-progress entries for the
// operation, oldest first. Used to rebuild the in-memory queue after a
// restart.
func (r *QueueEntryRepository) Outstanding(ctx context.Context, op Operation) ([]QueueEntry, error) {
	var entries []QueueEntry
	err := sqlx.SelectContext(ctx, r.q, &entries,
		`SELECT `+entryColumns+` FROM archive_queue
		 WHERE operation = $1 AND status IN ('pending', 'in_progress')
		 ORDER BY scheduled_for ASC`, op)
	if err != nil {
		return nil, dbErr(err, "query outstanding entries")
	}
	return entries, nil
}

// RequeueInProgress returns in-progress entries of the operation to
// pending. A crashed worker leaves its entry in_progress; on restart the
// job is delivered again (at-least-once).
func (r *QueueEntryRepository) RequeueInProgress(ctx context.Context, op Operation) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archive_queue SET status = 'pending', started_at = NULL
		 WHERE operation = $1 AND status = 'in_progress'`, op)
	if err != nil {
		return 0, dbErr(err, "requeue in-progress entries")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, dbErr(err, "rows affected")
	}
	if affected > 0 {
		r.logger.Info("requeued interrupted entries",
			zap.String("operation", string(op)),
			zap.Int64("count", affected))
	}
	return affected, nil
}

// Stats counts entries by status for the operation.
func (r *QueueEntryRepository) Stats(ctx context.Context, op Operation) (map[string]int64, error) {
	rows, err := r.q.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS n FROM archive_queue WHERE operation = $1 GROUP BY status`, op)
	if err != nil {
		return nil, dbErr(err, "queue entry stats")
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbErr(err, "scan queue entry stats")
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
