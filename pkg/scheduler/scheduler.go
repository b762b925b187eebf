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

// Package scheduler runs the process-wide control loop: poll the catalog
// for due sites, enqueue capture jobs under the concurrency cap, dispatch
// them onto the worker pool, and drain pending diff entries.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/internal/config"
	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/diffengine"
	"github.com/DevelopmentCats/govwatcher/pkg/metrics"
	"github.com/DevelopmentCats/govwatcher/pkg/workqueue"
)

const (
	schedulerLock     = "scheduler"
	lockWait          = 500 * time.Millisecond
	lockTTL           = 30 * time.Second
	shutdownDrainWait = 5 * time.Second
)

// CapturePayload is the capture job body carried through the work queue.
type CapturePayload struct {
	SiteID  int64  `json:"site_id"`
	Domain  string `json:"domain"`
	EntryID int64  `json:"entry_id"`
}

// CaptureFunc captures one site. The scheduler is parameterized over
// this capability instead of depending on the capture package directly.
type CaptureFunc func(ctx context.Context, site *catalog.Site) (*catalog.Snapshot, error)

// Scheduler coordinates capture and diff work.
type Scheduler struct {
	cfg     *config.Config
	catalog *catalog.Catalog
	queue   *workqueue.Queue
	lock    *workqueue.Lock
	capture CaptureFunc
	diffs   *diffengine.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[int64]struct{}
	wg     sync.WaitGroup

	workCtx    context.Context
	cancelWork context.CancelFunc
}

// New wires a scheduler.
func New(
	cfg *config.Config,
	cat *catalog.Catalog,
	queue *workqueue.Queue,
	lock *workqueue.Lock,
	capture CaptureFunc,
	diffs *diffengine.Engine,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Scheduler {
	workCtx, cancelWork := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		catalog:    cat,
		queue:      queue,
		lock:       lock,
		capture:    capture,
		diffs:      diffs,
		logger:     logger,
		metrics:    m,
		active:     make(map[int64]struct{}),
		workCtx:    workCtx,
		cancelWork: cancelWork,
	}
}

// Run executes the control loop until ctx is cancelled, then drains
// in-flight captures within the configured shutdown grace.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}

	interval := s.cfg.Queue.ProcessingInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("interval", interval),
		zap.Int("max_concurrent_crawls", s.cfg.Queue.MaxConcurrentCrawls))

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			s.tick(s.workCtx)
		}
	}
}

// Recover rebuilds dispatchable state after a restart: interrupted
// entries return to pending and each outstanding capture entry gets a
// fresh in-memory job. Delivery is at-least-once; the durable entry
// state machine absorbs duplicates.
func (s *Scheduler) Recover(ctx context.Context) error {
	for _, op := range []catalog.Operation{catalog.OperationCapture, catalog.OperationDiff} {
		if _, err := s.catalog.Queue.RequeueInProgress(ctx, op); err != nil {
			return err
		}
	}

	entries, err := s.catalog.Queue.Outstanding(ctx, catalog.OperationCapture)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		site, err := s.catalog.Sites.GetByID(ctx, entry.SiteID)
		if err != nil {
			s.logger.Warn("outstanding entry references missing site",
				zap.Int64("entry_id", entry.ID), zap.Error(err))
			continue
		}
		payload := CapturePayload{SiteID: site.ID, Domain: site.Domain, EntryID: entry.ID}
		if _, err := s.queue.Enqueue(ctx, workqueue.QueueCapture, payload, entry.Priority); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		s.logger.Info("rebuilt capture queue from durable entries", zap.Int("count", len(entries)))
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	identifier, err := s.lock.Acquire(ctx, schedulerLock, lockWait, lockTTL)
	if err != nil {
		s.logger.Error("scheduler lock error", zap.Error(err))
		return
	}
	if identifier == "" {
		// Another instance owns this tick.
		return
	}
	defer func() {
		if _, err := s.lock.Release(ctx, schedulerLock, identifier); err != nil {
			s.logger.Warn("scheduler lock release failed", zap.Error(err))
		}
	}()

	if available := s.cfg.Queue.MaxConcurrentCrawls - s.activeCount(); available > 0 {
		s.enqueuePending(ctx, available)
	}
	s.dispatchCaptures(ctx)

	if err := s.diffs.ProcessPending(ctx); err != nil {
		s.logger.Error("diff drain failed", zap.Error(err))
	}

	s.observeQueueDepth(ctx)
}

// enqueuePending queries due sites and enqueues a capture job plus its
// durable entry for each, in one transaction per site.
func (s *Scheduler) enqueuePending(ctx context.Context, available int) {
	now := time.Now()
	window := catalog.WindowAt(now,
		s.cfg.Queue.HighPriorityThreshold,
		s.cfg.Queue.NormalPriorityThreshold,
		s.cfg.Queue.HighPriorityInterval.Std(),
		s.cfg.Queue.NormalPriorityInterval.Std(),
		s.cfg.Queue.LowPriorityInterval.Std())

	sites, err := s.catalog.Sites.Pending(ctx, window, available)
	if err != nil {
		s.logger.Error("pending sites query failed", zap.Error(err))
		return
	}
	if len(sites) == 0 {
		return
	}
	s.logger.Info("scheduling captures", zap.Int("count", len(sites)))

	for _, site := range sites {
		site := site
		queuePriority := s.queuePriority(site.Priority)

		entry := &catalog.QueueEntry{
			SiteID:       site.ID,
			Operation:    catalog.OperationCapture,
			Status:       catalog.StatusPending,
			Priority:     queuePriority,
			ScheduledFor: now,
		}
		err := s.catalog.WithTx(ctx, func(tx *catalog.Catalog) error {
			outstanding, err := tx.Queue.HasOutstanding(ctx, site.ID, catalog.OperationCapture)
			if err != nil {
				return err
			}
			if outstanding {
				return apperrors.Newf(apperrors.ErrorTypeConflict, "site %d already queued", site.ID)
			}
			return tx.Queue.Create(ctx, entry)
		})
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
				s.logger.Debug("site already queued", zap.String("domain", site.Domain))
				continue
			}
			s.logger.Error("queue entry not created",
				zap.String("domain", site.Domain), zap.Error(err))
			continue
		}

		payload := CapturePayload{SiteID: site.ID, Domain: site.Domain, EntryID: entry.ID}
		if _, err := s.queue.Enqueue(ctx, workqueue.QueueCapture, payload, queuePriority); err != nil {
			s.logger.Error("capture job not enqueued",
				zap.String("domain", site.Domain), zap.Error(err))
		}
	}
}

// dispatchCaptures pops capture jobs while the pool has room and runs
// each on its own goroutine, pacing dispatches by the crawl delay.
func (s *Scheduler) dispatchCaptures(ctx context.Context) {
	first := true
	for s.activeCount() < s.cfg.Queue.MaxConcurrentCrawls {
		job, err := s.queue.Next(ctx, workqueue.QueueCapture)
		if err != nil {
			s.logger.Error("capture queue pop failed", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		var payload CapturePayload
		if err := job.Decode(&payload); err != nil {
			s.logger.Error("capture job payload invalid", zap.String("job_id", job.ID), zap.Error(err))
			if failErr := s.queue.Fail(ctx, workqueue.QueueCapture, job.ID, err, false, 0, 0); failErr != nil {
				s.logger.Error("capture job not failed", zap.Error(failErr))
			}
			continue
		}

		if !s.markActive(payload.SiteID) {
			// A capture for this site is still running; put the job back.
			if failErr := s.queue.Fail(ctx, workqueue.QueueCapture, job.ID,
				apperrors.Newf(apperrors.ErrorTypeConflict, "site %d capture in flight", payload.SiteID),
				true, s.cfg.Crawler.MaxRetries, s.cfg.Crawler.RetryDelay.Std()); failErr != nil {
				s.logger.Error("capture job not requeued", zap.Error(failErr))
			}
			continue
		}

		if !first {
			time.Sleep(s.cfg.Crawler.Delay.Std())
		}
		first = false

		s.wg.Add(1)
		go s.runCapture(s.workCtx, job, payload)
	}
}

func (s *Scheduler) runCapture(ctx context.Context, job *workqueue.Job, payload CapturePayload) {
	defer s.wg.Done()
	defer s.unmarkActive(payload.SiteID)

	if err := s.catalog.Queue.MarkInProgress(ctx, payload.EntryID, time.Now()); err != nil {
		s.logger.Error("capture entry not claimable",
			zap.Int64("entry_id", payload.EntryID), zap.Error(err))
	}

	site, err := s.catalog.Sites.GetByID(ctx, payload.SiteID)
	if err != nil {
		s.finishCapture(ctx, job, payload, err)
		return
	}

	_, err = s.capture(ctx, site)
	s.finishCapture(ctx, job, payload, err)
}

// finishCapture maps the capture outcome onto the work queue and the
// durable entry per the error taxonomy: success completes, remote errors
// complete with a note, transient errors retry until the budget is
// spent, everything else fails terminally.
func (s *Scheduler) finishCapture(ctx context.Context, job *workqueue.Job, payload CapturePayload, captureErr error) {
	now := time.Now()

	switch {
	case captureErr == nil:
		if err := s.queue.Complete(ctx, workqueue.QueueCapture, job.ID, nil); err != nil {
			s.logger.Error("capture job not completed", zap.Error(err))
		}
		if err := s.catalog.Queue.MarkCompleted(ctx, payload.EntryID, now); err != nil {
			s.logger.Error("capture entry not completed", zap.Error(err))
		}
		s.metrics.QueueJobs.WithLabelValues(workqueue.QueueCapture, "completed").Inc()

	case apperrors.IsType(captureErr, apperrors.ErrorTypeRemote):
		if err := s.queue.Complete(ctx, workqueue.QueueCapture, job.ID, captureErr.Error()); err != nil {
			s.logger.Error("capture job not completed", zap.Error(err))
		}
		if err := s.catalog.Queue.MarkCompletedWithNote(ctx, payload.EntryID, now, captureErr.Error()); err != nil {
			s.logger.Error("capture entry not completed", zap.Error(err))
		}
		s.metrics.QueueJobs.WithLabelValues(workqueue.QueueCapture, "completed").Inc()

	case apperrors.IsRetryable(captureErr):
		// Transient failures retry with RETRY_DELAY spacing: the job
		// parks in the delayed set and is not deliverable before the
		// delay elapses.
		willRetry := job.Retries < s.cfg.Crawler.MaxRetries
		if err := s.queue.Fail(ctx, workqueue.QueueCapture, job.ID, captureErr,
			true, s.cfg.Crawler.MaxRetries, s.cfg.Crawler.RetryDelay.Std()); err != nil {
			s.logger.Error("capture job not failed", zap.Error(err))
		}
		if willRetry {
			if err := s.catalog.Queue.MarkRetry(ctx, payload.EntryID, captureErr.Error()); err != nil {
				s.logger.Error("capture entry not marked for retry", zap.Error(err))
			}
			s.metrics.QueueJobs.WithLabelValues(workqueue.QueueCapture, "retried").Inc()
		} else {
			if err := s.catalog.Queue.MarkFailed(ctx, payload.EntryID, captureErr.Error()); err != nil {
				s.logger.Error("capture entry not failed", zap.Error(err))
			}
			s.metrics.QueueJobs.WithLabelValues(workqueue.QueueCapture, "failed").Inc()
		}

	default:
		if err := s.queue.Fail(ctx, workqueue.QueueCapture, job.ID, captureErr, false, 0, 0); err != nil {
			s.logger.Error("capture job not failed", zap.Error(err))
		}
		if err := s.catalog.Queue.MarkFailed(ctx, payload.EntryID, captureErr.Error()); err != nil {
			s.logger.Error("capture entry not failed", zap.Error(err))
		}
		s.metrics.QueueJobs.WithLabelValues(workqueue.QueueCapture, "failed").Inc()
		s.logger.Error("capture failed terminally",
			zap.String("domain", payload.Domain), zap.Error(captureErr))
	}
}

func (s *Scheduler) queuePriority(sitePriority int) int {
	switch {
	case sitePriority <= s.cfg.Queue.HighPriorityThreshold:
		return 1
	case sitePriority <= s.cfg.Queue.NormalPriorityThreshold:
		return 3
	default:
		return 5
	}
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) markActive(siteID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[siteID]; exists {
		return false
	}
	s.active[siteID] = struct{}{}
	s.metrics.ActiveCaptures.Set(float64(len(s.active)))
	return true
}

func (s *Scheduler) unmarkActive(siteID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, siteID)
	s.metrics.ActiveCaptures.Set(float64(len(s.active)))
}

func (s *Scheduler) observeQueueDepth(ctx context.Context) {
	for _, queue := range []string{workqueue.QueueCapture, workqueue.QueueDiff} {
		stats, err := s.queue.Stats(ctx, queue)
		if err != nil {
			continue
		}
		s.metrics.QueueDepth.WithLabelValues(queue).Set(float64(stats.Pending))
	}
}

func (s *Scheduler) shutdown() error {
	grace := s.cfg.Queue.ShutdownGrace.Std()
	s.logger.Info("scheduler stopping, draining in-flight captures",
		zap.Duration("grace", grace))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("shutdown grace exceeded, cancelling in-flight captures")
		s.cancelWork()
		select {
		case <-done:
		case <-time.After(shutdownDrainWait):
			s.logger.Error("captures did not unwind before exit")
		}
	}

	s.cancelWork()
	s.logger.Info("scheduler stopped")
	return nil
}
