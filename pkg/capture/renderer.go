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

package capture

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// Fixed capture viewport.
const (
	viewportWidth  = 1280
	viewportHeight = 1024
)

// Renderer drives a headless browser to produce visual derivatives of a
// page. The worker holds one renderer for all captures, so
// implementations must be safe for concurrent use; ChromeRenderer
// creates and disposes a browser per call.
type Renderer interface {
	RenderPNG(ctx context.Context, url string) ([]byte, error)
	RenderPDF(ctx context.Context, url string) ([]byte, error)
}

// ChromeRenderer renders through a headless Chrome spawned per call, so
// no browser state leaks between captures.
type ChromeRenderer struct {
	userAgent   string
	settleDelay time.Duration
	logger      *zap.Logger
}

// NewChromeRenderer builds a renderer. settleDelay bounds how long the
// page gets to settle after load before the capture is taken.
func NewChromeRenderer(userAgent string, settleDelay time.Duration, logger *zap.Logger) *ChromeRenderer {
	return &ChromeRenderer{
		userAgent:   userAgent,
		settleDelay: settleDelay,
		logger:      logger,
	}
}

// RenderPNG captures a full-viewport screenshot.
func (r *ChromeRenderer) RenderPNG(ctx context.Context, url string) ([]byte, error) {
	var buf []byte
	err := r.run(ctx, url, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "screenshot %s", url)
	}
	return buf, nil
}

// RenderPDF prints the page to PDF.
func (r *ChromeRenderer) RenderPDF(ctx context.Context, url string) ([]byte, error) {
	var buf []byte
	err := r.run(ctx, url, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "print %s to pdf", url)
	}
	return buf, nil
}

func (r *ChromeRenderer) run(ctx context.Context, url string, capture chromedp.Action) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(r.userAgent),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	return chromedp.Run(browserCtx,
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
		chromedp.Navigate(url),
		chromedp.Sleep(r.settleDelay),
		capture,
	)
}
