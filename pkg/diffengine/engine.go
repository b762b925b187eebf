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

package diffengine

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DevelopmentCats/govwatcher/internal/config"
	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
	"github.com/DevelopmentCats/govwatcher/pkg/artifact"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/metrics"
	"github.com/DevelopmentCats/govwatcher/pkg/notify"
	"github.com/DevelopmentCats/govwatcher/pkg/workqueue"
)

// Engine generates structured diffs between snapshot pairs and drives
// the durable diff queue entries through their state machine.
type Engine struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	store    *artifact.Store
	queue    *workqueue.Queue
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New wires a diff engine. queue may be nil when no in-memory queue
// mirrors the diff requests (e.g. the one-shot CLI path).
func New(
	cfg *config.Config,
	cat *catalog.Catalog,
	store *artifact.Store,
	queue *workqueue.Queue,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:      cfg,
		catalog:  cat,
		store:    store,
		queue:    queue,
		notifier: notify.Nop{},
		logger:   logger,
		metrics:  m,
	}
}

// WithNotifier replaces the webhook notifier capability. The default
// discards notifications.
func (e *Engine) WithNotifier(n notify.Notifier) *Engine {
	e.notifier = n
	return e
}

// Generate produces the diff between two snapshots of one site. When a
// diff for the ordered pair already exists it is returned unchanged, so
// repeated invocations yield the same diff id and an untouched diff
// document.
func (e *Engine) Generate(ctx context.Context, siteID, oldID, newID int64) (*catalog.Diff, error) {
	start := time.Now()
	defer func() {
		e.metrics.DiffDuration.Observe(time.Since(start).Seconds())
	}()

	if existing, err := e.catalog.Diffs.GetByPair(ctx, oldID, newID); err != nil {
		return nil, err
	} else if existing != nil {
		e.logger.Info("diff already exists",
			zap.Int64("diff_id", existing.ID),
			zap.Int64("old_snapshot_id", oldID),
			zap.Int64("new_snapshot_id", newID))
		return existing, nil
	}

	oldSnap, err := e.catalog.Snapshots.GetByID(ctx, oldID)
	if err != nil {
		return nil, err
	}
	newSnap, err := e.catalog.Snapshots.GetByID(ctx, newID)
	if err != nil {
		return nil, err
	}

	if oldSnap.SiteID != newSnap.SiteID || oldSnap.SiteID != siteID {
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation,
			"snapshots %d and %d do not both belong to site %d", oldID, newID, siteID)
	}
	if !oldSnap.CaptureTimestamp.Before(newSnap.CaptureTimestamp) {
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation,
			"snapshot %d does not precede snapshot %d", oldID, newID)
	}
	if oldSnap.ContentHash != nil && newSnap.ContentHash != nil &&
		*oldSnap.ContentHash == *newSnap.ContentHash {
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation,
			"snapshots %d and %d have identical content", oldID, newID)
	}

	oldContent, err := e.snapshotContent(oldSnap)
	if err != nil {
		return nil, err
	}
	newContent, err := e.snapshotContent(newSnap)
	if err != nil {
		return nil, err
	}

	doc := BuildDocument(oldContent, newContent)
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDiff, "encode diff document")
	}

	diffPath, err := e.store.StoreDiff(siteID, oldID, newID, payload)
	if err != nil {
		return nil, err
	}

	stats := doc.Stats()
	significance := Classify(stats, e.cfg.Diff.SizeThreshold)

	diff := &catalog.Diff{
		SiteID:        siteID,
		OldSnapshotID: oldID,
		NewSnapshotID: newID,
		DiffTimestamp: time.Now(),
		DiffPath:      diffPath,
		Stats:         stats,
		Significance:  significance,
	}
	if err := e.catalog.WithTx(ctx, func(tx *catalog.Catalog) error {
		return tx.Diffs.Create(ctx, diff)
	}); err != nil {
		return nil, err
	}

	e.metrics.DiffsGenerated.WithLabelValues(strconv.Itoa(significance)).Inc()
	e.logger.Info("diff created",
		zap.Int64("diff_id", diff.ID),
		zap.Int64("site_id", siteID),
		zap.Int("significance", significance),
		zap.Int("total_changes", stats.Total))

	// The visual step is best effort: any failure leaves the textual
	// diff valid and persisted.
	e.generateVisual(ctx, diff, oldSnap, newSnap)

	if e.cfg.Features.Webhooks {
		site, siteErr := e.catalog.Sites.GetByID(ctx, siteID)
		if siteErr != nil {
			e.logger.Warn("webhook skipped: site lookup failed", zap.Error(siteErr))
		} else if notifyErr := e.notifier.DiffCreated(ctx, site, diff); notifyErr != nil {
			e.logger.Warn("webhook notification failed",
				zap.Int64("diff_id", diff.ID), zap.Error(notifyErr))
		}
	}

	return diff, nil
}

func (e *Engine) snapshotContent(snap *catalog.Snapshot) (string, error) {
	if snap.HTMLPath != nil {
		if data, err := e.store.Read(*snap.HTMLPath); err == nil {
			return string(data), nil
		} else {
			e.logger.Warn("html artifact unreadable, trying text",
				zap.Int64("snapshot_id", snap.ID), zap.Error(err))
		}
	}
	if snap.TextPath != nil {
		if data, err := e.store.Read(*snap.TextPath); err == nil {
			return string(data), nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrorTypeDiff,
		"no readable content for snapshot %d", snap.ID)
}

func (e *Engine) generateVisual(ctx context.Context, diff *catalog.Diff, oldSnap, newSnap *catalog.Snapshot) {
	if !e.cfg.Features.VisualDiff {
		return
	}
	if oldSnap.ScreenshotPath == nil || newSnap.ScreenshotPath == nil {
		return
	}

	oldPNG, err := e.store.Read(*oldSnap.ScreenshotPath)
	if err != nil {
		e.logger.Warn("visual diff skipped: old screenshot unreadable",
			zap.Int64("diff_id", diff.ID), zap.Error(err))
		return
	}
	newPNG, err := e.store.Read(*newSnap.ScreenshotPath)
	if err != nil {
		e.logger.Warn("visual diff skipped: new screenshot unreadable",
			zap.Int64("diff_id", diff.ID), zap.Error(err))
		return
	}

	annotated, err := BuildVisualDiff(oldPNG, newPNG)
	if err != nil {
		e.logger.Warn("visual diff generation failed",
			zap.Int64("diff_id", diff.ID), zap.Error(err))
		return
	}

	visualPath, err := e.store.StoreVisualDiff(diff.SiteID, diff.OldSnapshotID, diff.NewSnapshotID, annotated)
	if err != nil {
		e.logger.Warn("visual diff not stored",
			zap.Int64("diff_id", diff.ID), zap.Error(err))
		return
	}
	if err := e.catalog.Diffs.SetVisualPath(ctx, diff.ID, visualPath); err != nil {
		e.logger.Warn("visual diff path not recorded",
			zap.Int64("diff_id", diff.ID), zap.Error(err))
		return
	}
	diff.VisualDiffPath = &visualPath
}

// ProcessPending drains up to one batch of pending diff queue entries,
// walking each through pending -> in_progress -> completed/failed.
// Entries for distinct sites proceed in parallel on a small pool; a
// failed entry records its error and does not retry.
func (e *Engine) ProcessPending(ctx context.Context) error {
	entries, err := e.catalog.Queue.PendingDiffEntries(ctx, e.cfg.Queue.DiffBatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Queue.DiffWorkers)
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			e.processEntry(gctx, entry)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	e.drainMirrorJobs(ctx, len(entries))
	return nil
}

func (e *Engine) processEntry(ctx context.Context, entry catalog.QueueEntry) {
	if err := e.catalog.Queue.MarkInProgress(ctx, entry.ID, time.Now()); err != nil {
		e.logger.Error("diff entry not claimable", zap.Int64("entry_id", entry.ID), zap.Error(err))
		return
	}

	err := e.generateForSite(ctx, entry.SiteID)
	if err != nil {
		e.logger.Error("diff entry failed",
			zap.Int64("entry_id", entry.ID),
			zap.Int64("site_id", entry.SiteID),
			zap.Error(err))
		if markErr := e.catalog.Queue.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			e.logger.Error("diff entry not marked failed", zap.Int64("entry_id", entry.ID), zap.Error(markErr))
		}
		return
	}

	if err := e.catalog.Queue.MarkCompleted(ctx, entry.ID, time.Now()); err != nil {
		e.logger.Error("diff entry not marked completed", zap.Int64("entry_id", entry.ID), zap.Error(err))
	}
}

// generateForSite pairs the site's two most recent snapshots and diffs
// them.
func (e *Engine) generateForSite(ctx context.Context, siteID int64) error {
	snaps, err := e.catalog.Snapshots.Latest(ctx, siteID, 2)
	if err != nil {
		return err
	}
	if len(snaps) < 2 {
		return apperrors.Newf(apperrors.ErrorTypeDiff,
			"site %d has fewer than two snapshots", siteID)
	}

	newSnap, oldSnap := snaps[0], snaps[1]
	if oldSnap.ID == newSnap.ID {
		return nil
	}
	_, err = e.Generate(ctx, siteID, oldSnap.ID, newSnap.ID)
	return err
}

// drainMirrorJobs pops diff jobs from the in-memory queue that mirror
// the durable entries just processed. The entries are authoritative;
// the mirror keeps queue depth and stats honest.
func (e *Engine) drainMirrorJobs(ctx context.Context, n int) {
	if e.queue == nil {
		return
	}
	for i := 0; i < n; i++ {
		job, err := e.queue.Next(ctx, workqueue.QueueDiff)
		if err != nil || job == nil {
			return
		}
		if err := e.queue.Complete(ctx, workqueue.QueueDiff, job.ID, nil); err != nil {
			e.logger.Warn("diff mirror job not completed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}
