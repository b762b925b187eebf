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

// Package detect decides whether a freshly written snapshot represents
// change against its predecessor. The comparison is the cheap content
// fingerprint only; the diff engine does the expensive work after this
// gate passes.
package detect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/workqueue"
)

// diffPriority is the queue priority for diff jobs.
const diffPriority = 3

// DiffJob is the payload of a queued diff job.
type DiffJob struct {
	SiteID        int64 `json:"site_id"`
	OldSnapshotID int64 `json:"old_snapshot_id"`
	NewSnapshotID int64 `json:"new_snapshot_id"`
}

// Detector compares snapshot fingerprints and enqueues diff work.
type Detector struct {
	catalog *catalog.Catalog
	queue   *workqueue.Queue
	logger  *zap.Logger
}

// New creates a detector.
func New(cat *catalog.Catalog, queue *workqueue.Queue, logger *zap.Logger) *Detector {
	return &Detector{catalog: cat, queue: queue, logger: logger}
}

// Process inspects newSnap against the site's previous snapshot.
// First snapshot or unchanged content advance last_checked_at only; a
// changed fingerprint advances both timestamps and enqueues exactly one
// diff job with a durable queue entry.
func (d *Detector) Process(ctx context.Context, site *catalog.Site, newSnap *catalog.Snapshot) error {
	now := time.Now()

	prev, err := d.catalog.Snapshots.LatestForSiteExcluding(ctx, site.ID, newSnap.ID)
	if err != nil {
		return err
	}

	if prev == nil {
		d.logger.Info("first snapshot for site",
			zap.String("domain", site.Domain),
			zap.Int64("snapshot_id", newSnap.ID))
		return d.catalog.Sites.UpdateCheckTime(ctx, site.ID, now)
	}

	if hashEqual(prev.ContentHash, newSnap.ContentHash) {
		d.logger.Info("no changes detected",
			zap.String("domain", site.Domain),
			zap.Int64("snapshot_id", newSnap.ID))
		return d.catalog.Sites.UpdateCheckTime(ctx, site.ID, now)
	}

	err = d.catalog.WithTx(ctx, func(tx *catalog.Catalog) error {
		if err := tx.Sites.UpdateChangeTime(ctx, site.ID, now); err != nil {
			return err
		}
		return tx.Queue.Create(ctx, &catalog.QueueEntry{
			SiteID:       site.ID,
			Operation:    catalog.OperationDiff,
			Status:       catalog.StatusPending,
			Priority:     diffPriority,
			ScheduledFor: now,
		})
	})
	if err != nil {
		return err
	}

	job := DiffJob{
		SiteID:        site.ID,
		OldSnapshotID: prev.ID,
		NewSnapshotID: newSnap.ID,
	}
	jobID, err := d.queue.Enqueue(ctx, workqueue.QueueDiff, job, diffPriority)
	if err != nil {
		return err
	}

	d.logger.Info("changes detected, queued diff generation",
		zap.String("domain", site.Domain),
		zap.Int64("old_snapshot_id", prev.ID),
		zap.Int64("new_snapshot_id", newSnap.ID),
		zap.String("job_id", jobID))
	return nil
}

func hashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
