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

package scheduler

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/internal/config"
	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/diffengine"
	"github.com/DevelopmentCats/govwatcher/pkg/metrics"
	"github.com/DevelopmentCats/govwatcher/pkg/workqueue"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx         context.Context
		cfg         *config.Config
		db          *sqlx.DB
		mock        sqlmock.Sqlmock
		redisServer *miniredis.Miniredis
		rdb         *redis.Client
		queue       *workqueue.Queue
		sched       *Scheduler

		captureFn CaptureFunc
	)

	siteColumns := []string{
		"id", "domain", "domain_type", "agency", "organization_name", "city", "state",
		"security_contact_email", "priority", "enabled", "created_at", "last_checked_at", "last_changed_at",
	}

	build := func() {
		cat := catalog.New(db, zap.NewNop())
		m := metrics.New(prometheus.NewRegistry())
		engine := diffengine.New(cfg, cat, nil, queue, zap.NewNop(), m)
		sched = New(cfg, cat, queue, workqueue.NewLock(rdb, zap.NewNop()), captureFn, engine, zap.NewNop(), m)
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.Default()
		cfg.Crawler.Delay = 0

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL

		redisServer, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
		queue = workqueue.New(rdb, zap.NewNop())

		captureFn = func(ctx context.Context, site *catalog.Site) (*catalog.Snapshot, error) {
			return &catalog.Snapshot{ID: 1, SiteID: site.ID}, nil
		}
		build()
	})

	AfterEach(func() {
		rdb.Close()
		redisServer.Close()
		if err := mock.ExpectationsWereMet(); err != nil {
			Fail(err.Error())
		}
	})

	Describe("queuePriority", func() {
		It("should map site priority tiers onto queue priorities", func() {
			Expect(sched.queuePriority(1)).To(Equal(1))
			Expect(sched.queuePriority(2)).To(Equal(3))
			Expect(sched.queuePriority(3)).To(Equal(3))
			Expect(sched.queuePriority(4)).To(Equal(5))
			Expect(sched.queuePriority(5)).To(Equal(5))
		})
	})

	Describe("enqueuePending", func() {
		It("should create a durable entry and a queue job per due site", func() {
			now := time.Now()
			mock.ExpectQuery(`SELECT (.+) FROM archives a`).
				WillReturnRows(sqlmock.NewRows(siteColumns).
					AddRow(1, "urgent.gov", nil, nil, nil, nil, nil, nil, 1, true, now, nil, nil).
					AddRow(2, "relaxed.gov", nil, nil, nil, nil, nil, nil, 5, true, now, nil, nil))

			for _, siteID := range []int64{1, 2} {
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs(siteID, catalog.OperationCapture).
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
				mock.ExpectQuery(`INSERT INTO archive_queue`).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(siteID * 10))
				mock.ExpectCommit()
			}

			sched.enqueuePending(ctx, 3)

			first, err := queue.Next(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(BeNil())
			Expect(first.Priority).To(Equal(1))

			var payload CapturePayload
			Expect(first.Decode(&payload)).To(Succeed())
			Expect(payload.Domain).To(Equal("urgent.gov"))
			Expect(payload.EntryID).To(Equal(int64(10)))

			second, err := queue.Next(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Priority).To(Equal(5))
		})

		It("should skip a site that acquired an entry since the query", func() {
			now := time.Now()
			mock.ExpectQuery(`SELECT (.+) FROM archives a`).
				WillReturnRows(sqlmock.NewRows(siteColumns).
					AddRow(1, "raced.gov", nil, nil, nil, nil, nil, nil, 1, true, now, nil, nil))
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT EXISTS`).
				WithArgs(int64(1), catalog.OperationCapture).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			mock.ExpectRollback()

			sched.enqueuePending(ctx, 3)

			stats, err := queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(int64(0)))
		})
	})

	Describe("dispatchCaptures", func() {
		It("should run at most the configured number of captures", func() {
			cfg.Queue.MaxConcurrentCrawls = 2
			mock.MatchExpectationsInOrder(false)

			release := make(chan struct{})
			started := make(chan int64, 3)
			captureFn = func(ctx context.Context, site *catalog.Site) (*catalog.Snapshot, error) {
				started <- site.ID
				<-release
				return &catalog.Snapshot{ID: site.ID * 100, SiteID: site.ID}, nil
			}
			build()

			now := time.Now()
			for _, siteID := range []int64{1, 2, 3} {
				payload := CapturePayload{SiteID: siteID, Domain: "site.gov", EntryID: siteID * 10}
				_, err := queue.Enqueue(ctx, workqueue.QueueCapture, payload, 3)
				Expect(err).NotTo(HaveOccurred())

				mock.ExpectExec(`UPDATE archive_queue SET status = 'in_progress'`).
					WithArgs(siteID*10, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery(`SELECT (.+) FROM archives WHERE id = \$1`).
					WithArgs(siteID).
					WillReturnRows(sqlmock.NewRows(siteColumns).
						AddRow(siteID, "site.gov", nil, nil, nil, nil, nil, nil, 3, true, now, nil, nil))
				mock.ExpectExec(`UPDATE archive_queue SET status = 'completed'`).
					WithArgs(siteID*10, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}

			sched.dispatchCaptures(ctx)

			Eventually(started).Should(HaveLen(2))
			Expect(sched.activeCount()).To(Equal(2))

			stats, err := queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(int64(1)))

			close(release)
			sched.wg.Wait()
			Expect(sched.activeCount()).To(Equal(0))

			// Room is available again: the third job dispatches.
			sched.dispatchCaptures(ctx)
			sched.wg.Wait()

			stats, err = queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(int64(0)))
			Expect(stats.Completed).To(Equal(int64(3)))
		})
	})

	Describe("finishCapture", func() {
		popJob := func(entryID int64) *workqueue.Job {
			payload := CapturePayload{SiteID: 4, Domain: "example.gov", EntryID: entryID}
			_, err := queue.Enqueue(ctx, workqueue.QueueCapture, payload, 3)
			Expect(err).NotTo(HaveOccurred())
			job, err := queue.Next(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			return job
		}

		It("should complete entry and job on success", func() {
			job := popJob(8)
			mock.ExpectExec(`UPDATE archive_queue SET status = 'completed'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			sched.finishCapture(ctx, job, CapturePayload{SiteID: 4, EntryID: 8}, nil)

			stats, err := queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Completed).To(Equal(int64(1)))
		})

		It("should complete with a note on a remote error and not retry", func() {
			job := popJob(8)
			mock.ExpectExec(`UPDATE archive_queue SET status = 'completed', completed_at = \$2, error_message = \$3`).
				WithArgs(int64(8), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			remoteErr := apperrors.New(apperrors.ErrorTypeRemote, "capture aborted").
				WithDetails("HTTP status code: 503")
			sched.finishCapture(ctx, job, CapturePayload{SiteID: 4, EntryID: 8}, remoteErr)

			stats, err := queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Completed).To(Equal(int64(1)))
			Expect(stats.Pending).To(Equal(int64(0)))
			Expect(stats.Failed).To(Equal(int64(0)))
		})

		It("should requeue a transient failure while attempts remain", func() {
			job := popJob(8)
			mock.ExpectExec(`UPDATE archive_queue\s+SET status = 'pending'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			timeoutErr := apperrors.New(apperrors.ErrorTypeTimeout, "deadline exceeded")
			sched.finishCapture(ctx, job, CapturePayload{SiteID: 4, EntryID: 8}, timeoutErr)

			stats, err := queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(int64(1)))
			Expect(stats.Failed).To(Equal(int64(0)))

			// The retry is spaced by RETRY_DELAY: the job is parked and
			// not deliverable yet.
			parked, err := queue.Next(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(parked).To(BeNil())
		})

		It("should fail terminally once the retry budget is spent", func() {
			cfg.Crawler.MaxRetries = 0
			job := popJob(8)
			mock.ExpectExec(`UPDATE archive_queue SET status = 'failed'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			timeoutErr := apperrors.New(apperrors.ErrorTypeTimeout, "deadline exceeded")
			sched.finishCapture(ctx, job, CapturePayload{SiteID: 4, EntryID: 8}, timeoutErr)

			stats, err := queue.Stats(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(int64(0)))
			Expect(stats.Failed).To(Equal(int64(1)))
		})
	})

	Describe("markActive", func() {
		It("should admit a site only once", func() {
			Expect(sched.markActive(4)).To(BeTrue())
			Expect(sched.markActive(4)).To(BeFalse())
			sched.unmarkActive(4)
			Expect(sched.markActive(4)).To(BeTrue())
		})
	})

	Describe("Recover", func() {
		It("should requeue interrupted entries and rebuild capture jobs", func() {
			now := time.Now()

			mock.ExpectExec(`UPDATE archive_queue SET status = 'pending', started_at = NULL`).
				WithArgs(catalog.OperationCapture).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`UPDATE archive_queue SET status = 'pending', started_at = NULL`).
				WithArgs(catalog.OperationDiff).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT (.+) FROM archive_queue`).
				WithArgs(catalog.OperationCapture).
				WillReturnRows(sqlmock.NewRows([]string{"id", "archive_id", "operation", "status",
					"priority", "scheduled_for", "started_at", "completed_at", "error_message", "retries"}).
					AddRow(10, 1, "capture", "pending", 1, now, nil, nil, nil, 0))
			mock.ExpectQuery(`SELECT (.+) FROM archives WHERE id = \$1`).
				WithArgs(int64(1)).
				WillReturnRows(sqlmock.NewRows(siteColumns).
					AddRow(1, "urgent.gov", nil, nil, nil, nil, nil, nil, 1, true, now, nil, nil))

			Expect(sched.Recover(ctx)).To(Succeed())

			job, err := queue.Next(ctx, workqueue.QueueCapture)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())

			var payload CapturePayload
			Expect(job.Decode(&payload)).To(Succeed())
			Expect(payload).To(Equal(CapturePayload{SiteID: 1, Domain: "urgent.gov", EntryID: 10}))
		})
	})
})
