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
	"fmt"
	"os"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/internal/config"
	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
	"github.com/DevelopmentCats/govwatcher/pkg/artifact"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/metrics"
)

var _ = Describe("Engine", func() {
	var (
		ctx     context.Context
		cfg     *config.Config
		tempDir string
		store   *artifact.Store
		db      *sqlx.DB
		mock    sqlmock.Sqlmock
		engine  *Engine

		oldTime time.Time
		newTime time.Time
	)

	snapshotRow := func(id, siteID int64, ts time.Time, htmlPath *string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "archive_id", "capture_timestamp", "warc_path", "screenshot_path",
			"html_path", "text_path", "pdf_path", "content_hash", "status", "size_bytes",
			"error_message", "metadata",
		}).AddRow(id, siteID, ts, nil, nil, htmlPath, nil, nil, fmt.Sprintf("hash-%d", id), 200, 10, nil, nil)
	}

	diffRowColumns := []string{
		"id", "archive_id", "old_snapshot_id", "new_snapshot_id", "diff_timestamp",
		"diff_path", "stats", "significance", "visual_diff_path",
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = config.Default()
		cfg.Features.VisualDiff = false
		cfg.Features.Webhooks = false

		var err error
		tempDir, err = os.MkdirTemp("", "engine-test")
		Expect(err).NotTo(HaveOccurred())
		store, err = artifact.NewStore(tempDir, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL

		cat := catalog.New(db, zap.NewNop())
		engine = New(cfg, cat, store, nil, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

		oldTime = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		newTime = oldTime.Add(24 * time.Hour)
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		if err := mock.ExpectationsWereMet(); err != nil {
			Fail(err.Error())
		}
	})

	Describe("Generate", func() {
		It("should build, store and persist a diff", func() {
			oldHTML := "line one\nline two\nline three"
			newHTML := "line one\nline two changed\nline three"

			oldPath, err := store.StoreHTML(4, 2, []byte(oldHTML))
			Expect(err).NotTo(HaveOccurred())
			newPath, err := store.StoreHTML(4, 3, []byte(newHTML))
			Expect(err).NotTo(HaveOccurred())

			mock.ExpectQuery(`SELECT (.+) FROM diffs`).
				WithArgs(int64(2), int64(3)).
				WillReturnRows(sqlmock.NewRows(diffRowColumns))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(2)).
				WillReturnRows(snapshotRow(2, 4, oldTime, &oldPath))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(3)).
				WillReturnRows(snapshotRow(3, 4, newTime, &newPath))
			mock.ExpectBegin()
			mock.ExpectQuery(`INSERT INTO diffs`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
			mock.ExpectCommit()

			diff, err := engine.Generate(ctx, 4, 2, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(diff.ID).To(Equal(int64(9)))
			Expect(diff.Stats.Additions).To(Equal(1))
			Expect(diff.Stats.Deletions).To(Equal(1))
			Expect(diff.Stats.Total).To(Equal(2))
			Expect(diff.Significance).To(Equal(1))

			// The stored document matches a direct build byte for byte.
			stored, err := store.Read(diff.DiffPath)
			Expect(err).NotTo(HaveOccurred())
			direct, err := json.Marshal(BuildDocument(oldHTML, newHTML))
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(Equal(direct))
		})

		It("should return the existing diff unchanged for a known pair", func() {
			mock.ExpectQuery(`SELECT (.+) FROM diffs`).
				WithArgs(int64(2), int64(3)).
				WillReturnRows(sqlmock.NewRows(diffRowColumns).
					AddRow(9, 4, 2, 3, newTime, "/stored/diff.json", []byte(`{"additions":1,"deletions":1,"changes":0,"total":2}`), 1, nil))

			diff, err := engine.Generate(ctx, 4, 2, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(diff.ID).To(Equal(int64(9)))
			Expect(diff.DiffPath).To(Equal("/stored/diff.json"))
		})

		It("should reject a pair that is not in capture order", func() {
			oldPath, err := store.StoreHTML(4, 2, []byte("a"))
			Expect(err).NotTo(HaveOccurred())

			mock.ExpectQuery(`SELECT (.+) FROM diffs`).
				WithArgs(int64(3), int64(2)).
				WillReturnRows(sqlmock.NewRows(diffRowColumns))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(3)).
				WillReturnRows(snapshotRow(3, 4, newTime, &oldPath))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(2)).
				WillReturnRows(snapshotRow(2, 4, oldTime, &oldPath))

			_, err = engine.Generate(ctx, 4, 3, 2)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
		})

		It("should reject a pair with identical content fingerprints", func() {
			sameHash := "hash-same"
			snapWithHash := func(id int64, ts time.Time) *sqlmock.Rows {
				return sqlmock.NewRows([]string{
					"id", "archive_id", "capture_timestamp", "warc_path", "screenshot_path",
					"html_path", "text_path", "pdf_path", "content_hash", "status", "size_bytes",
					"error_message", "metadata",
				}).AddRow(id, 4, ts, nil, nil, nil, nil, nil, sameHash, 200, 10, nil, nil)
			}

			mock.ExpectQuery(`SELECT (.+) FROM diffs`).
				WithArgs(int64(2), int64(3)).
				WillReturnRows(sqlmock.NewRows(diffRowColumns))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(2)).
				WillReturnRows(snapWithHash(2, oldTime))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(3)).
				WillReturnRows(snapWithHash(3, newTime))

			_, err := engine.Generate(ctx, 4, 2, 3)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeValidation)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("identical content"))
		})

		It("should fail with a diff error when neither side has readable content", func() {
			mock.ExpectQuery(`SELECT (.+) FROM diffs`).
				WithArgs(int64(2), int64(3)).
				WillReturnRows(sqlmock.NewRows(diffRowColumns))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(2)).
				WillReturnRows(snapshotRow(2, 4, oldTime, nil))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1`).
				WithArgs(int64(3)).
				WillReturnRows(snapshotRow(3, 4, newTime, nil))

			_, err := engine.Generate(ctx, 4, 2, 3)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeDiff)).To(BeTrue())
		})
	})

	Describe("ProcessPending", func() {
		entryColumns := []string{
			"id", "archive_id", "operation", "status", "priority", "scheduled_for",
			"started_at", "completed_at", "error_message", "retries",
		}

		It("should walk a pending entry to completed", func() {
			now := time.Now()

			mock.ExpectQuery(`SELECT (.+) FROM archive_queue`).
				WithArgs(cfg.Queue.DiffBatchSize).
				WillReturnRows(sqlmock.NewRows(entryColumns).
					AddRow(8, 4, "diff", "pending", 3, now, nil, nil, nil, 0))
			mock.ExpectExec(`UPDATE archive_queue SET status = 'in_progress'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots`).
				WithArgs(int64(4), 2).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "archive_id", "capture_timestamp", "warc_path", "screenshot_path",
					"html_path", "text_path", "pdf_path", "content_hash", "status", "size_bytes",
					"error_message", "metadata",
				}).
					AddRow(3, 4, newTime, nil, nil, nil, nil, nil, "h2", 200, 10, nil, nil).
					AddRow(2, 4, oldTime, nil, nil, nil, nil, nil, "h1", 200, 10, nil, nil))
			// The pair already has a diff: generation short-circuits.
			mock.ExpectQuery(`SELECT (.+) FROM diffs`).
				WithArgs(int64(2), int64(3)).
				WillReturnRows(sqlmock.NewRows(diffRowColumns).
					AddRow(9, 4, 2, 3, newTime, "/stored/diff.json", []byte(`{"additions":0,"deletions":0,"changes":0,"total":0}`), 1, nil))
			mock.ExpectExec(`UPDATE archive_queue SET status = 'completed'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(engine.ProcessPending(ctx)).To(Succeed())
		})

		It("should mark the entry failed when the site lacks two snapshots", func() {
			now := time.Now()

			mock.ExpectQuery(`SELECT (.+) FROM archive_queue`).
				WithArgs(cfg.Queue.DiffBatchSize).
				WillReturnRows(sqlmock.NewRows(entryColumns).
					AddRow(8, 4, "diff", "pending", 3, now, nil, nil, nil, 0))
			mock.ExpectExec(`UPDATE archive_queue SET status = 'in_progress'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(`SELECT (.+) FROM snapshots`).
				WithArgs(int64(4), 2).
				WillReturnRows(sqlmock.NewRows([]string{"id", "archive_id", "capture_timestamp",
					"warc_path", "screenshot_path", "html_path", "text_path", "pdf_path",
					"content_hash", "status", "size_bytes", "error_message", "metadata"}).
					AddRow(3, 4, newTime, nil, nil, nil, nil, nil, "h2", 200, 10, nil, nil))
			mock.ExpectExec(`UPDATE archive_queue SET status = 'failed'`).
				WithArgs(int64(8), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(engine.ProcessPending(ctx)).To(Succeed())
		})

		It("should do nothing when no entries are pending", func() {
			mock.ExpectQuery(`SELECT (.+) FROM archive_queue`).
				WithArgs(cfg.Queue.DiffBatchSize).
				WillReturnRows(sqlmock.NewRows(entryColumns))

			Expect(engine.ProcessPending(ctx)).To(Succeed())
		})
	})
})
