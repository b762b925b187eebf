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

// Package capture produces one snapshot for one site: fetch the root
// URL, persist the raw HTML and its derivatives, fingerprint the
// content, commit the snapshot row, and hand the result to the change
// detector.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/internal/config"
	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
	"github.com/DevelopmentCats/govwatcher/pkg/artifact"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/detect"
	"github.com/DevelopmentCats/govwatcher/pkg/metrics"
)

// Worker captures sites. One worker serves many captures; concurrency is
// bounded by the scheduler's admission check.
type Worker struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	store    *artifact.Store
	fetcher  Fetcher
	renderer Renderer
	detector *detect.Detector
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewWorker wires a capture worker. renderer may be nil when both
// screenshots and PDF rendering are disabled.
func NewWorker(
	cfg *config.Config,
	cat *catalog.Catalog,
	store *artifact.Store,
	fetcher Fetcher,
	renderer Renderer,
	detector *detect.Detector,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Worker {
	return &Worker{
		cfg:      cfg,
		catalog:  cat,
		store:    store,
		fetcher:  fetcher,
		renderer: renderer,
		detector: detector,
		logger:   logger,
		metrics:  m,
	}
}

// Capture runs the full capture procedure for site and returns the
// committed snapshot. The snapshot row is inserted only after every
// artifact is on disk; a failure before that point leaves no partial
// snapshot behind.
func (w *Worker) Capture(ctx context.Context, site *catalog.Site) (*catalog.Snapshot, error) {
	start := time.Now()
	defer func() {
		w.metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	}()

	targetURL := fmt.Sprintf("https://%s", site.Domain)
	w.logger.Info("starting capture",
		zap.String("domain", site.Domain),
		zap.Int64("site_id", site.ID))

	cctx, cancel := context.WithTimeout(ctx, w.cfg.Crawler.Timeout.Std())
	defer cancel()

	res, err := w.fetcher.Fetch(cctx, targetURL)
	if err != nil {
		if apperrors.IsRetryable(err) {
			w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeRetryable).Inc()
		} else {
			w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		// Terminal for this cycle. The check time still advances so the
		// site does not hot-loop back into the pending query.
		w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeRemote).Inc()
		if updateErr := w.catalog.Sites.UpdateCheckTime(ctx, site.ID, time.Now()); updateErr != nil {
			w.logger.Error("failed to advance check time after remote error",
				zap.String("domain", site.Domain), zap.Error(updateErr))
		}
		return nil, apperrors.Newf(apperrors.ErrorTypeRemote, "unexpected status for %s", site.Domain).
			WithDetailsf("HTTP status code: %d", res.StatusCode)
	}

	capturedAt := time.Now()
	snapshotID, err := w.catalog.Snapshots.NextID(ctx)
	if err != nil {
		w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeRetryable).Inc()
		return nil, err
	}

	snap, err := w.persistArtifacts(cctx, site, snapshotID, targetURL, res, capturedAt)
	if err != nil {
		w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, err
	}

	if err := w.catalog.WithTx(ctx, func(tx *catalog.Catalog) error {
		return tx.Snapshots.Create(ctx, snap)
	}); err != nil {
		w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeRetryable).Inc()
		return nil, err
	}
	w.metrics.SnapshotsWritten.Inc()
	w.metrics.CapturesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()

	w.logger.Info("snapshot created",
		zap.String("domain", site.Domain),
		zap.Int64("snapshot_id", snap.ID),
		zap.String("content_hash", *snap.ContentHash))

	if err := w.detector.Process(ctx, site, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (w *Worker) persistArtifacts(
	ctx context.Context,
	site *catalog.Site,
	snapshotID int64,
	targetURL string,
	res *FetchResult,
	capturedAt time.Time,
) (*catalog.Snapshot, error) {
	meta := catalog.Metadata{
		"url":       targetURL,
		"final_url": res.FinalURL,
		"domain":    site.Domain,
		"timestamp": capturedAt.Unix(),
	}

	htmlPath, err := w.store.StoreHTML(site.ID, snapshotID, res.Body)
	if err != nil {
		return nil, err
	}

	var textPath *string
	if w.cfg.Features.TextExtraction {
		if text, extractErr := ExtractText(res.Body); extractErr != nil {
			w.logger.Warn("text extraction failed",
				zap.String("domain", site.Domain), zap.Error(extractErr))
		} else {
			path, storeErr := w.store.StoreText(site.ID, snapshotID, []byte(text))
			if storeErr != nil {
				return nil, storeErr
			}
			textPath = &path
		}
	}

	var screenshotPath *string
	if w.cfg.Features.Screenshots && w.renderer != nil {
		if png, renderErr := w.renderer.RenderPNG(ctx, targetURL); renderErr != nil {
			w.logger.Warn("screenshot failed",
				zap.String("domain", site.Domain), zap.Error(renderErr))
		} else {
			path, storeErr := w.store.StoreScreenshot(site.ID, snapshotID, png)
			if storeErr != nil {
				return nil, storeErr
			}
			screenshotPath = &path
		}
		meta["screenshot_taken"] = screenshotPath != nil
	}

	var pdfPath *string
	if w.cfg.Features.PDF && w.renderer != nil {
		if pdf, renderErr := w.renderer.RenderPDF(ctx, targetURL); renderErr != nil {
			w.logger.Warn("pdf rendering failed",
				zap.String("domain", site.Domain), zap.Error(renderErr))
		} else {
			path, storeErr := w.store.StorePDF(site.ID, snapshotID, pdf)
			if storeErr != nil {
				return nil, storeErr
			}
			pdfPath = &path
		}
		meta["pdf_generated"] = pdfPath != nil
	}

	warcPath, err := w.store.StoreWARC(site.ID, snapshotID, BuildWARC(targetURL, res, capturedAt))
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(res.Body)
	contentHash := hex.EncodeToString(sum[:])
	status := res.StatusCode
	size := int64(len(res.Body))

	return &catalog.Snapshot{
		ID:               snapshotID,
		SiteID:           site.ID,
		CaptureTimestamp: capturedAt,
		WARCPath:         &warcPath,
		ScreenshotPath:   screenshotPath,
		HTMLPath:         &htmlPath,
		TextPath:         textPath,
		PDFPath:          pdfPath,
		ContentHash:      &contentHash,
		Status:           &status,
		SizeBytes:        &size,
		Metadata:         meta,
	}, nil
}
