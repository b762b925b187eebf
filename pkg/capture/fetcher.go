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
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// maxBodyBytes caps how much of a response the fetcher will buffer.
const maxBodyBytes = 32 << 20

// FetchResult is the raw HTTP outcome of fetching a site's root URL.
type FetchResult struct {
	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
	Body       []byte
	FinalURL   string
}

// Fetcher retrieves a URL. Implementations classify failures into the
// error taxonomy so callers can decide retry vs. degrade.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*FetchResult, error)
}

// HTTPFetcher fetches with net/http behind a per-host circuit breaker,
// so a host that keeps failing starts failing fast instead of burning a
// capture slot for the full timeout.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPFetcher builds a fetcher with the given User-Agent and total
// per-request timeout.
func NewHTTPFetcher(userAgent string, timeout time.Duration, logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *HTTPFetcher) breakerFor(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("fetch circuit state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	f.breakers[host] = cb
	return cb
}

// Fetch issues a GET for rawURL and buffers the response.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse url %s", rawURL)
	}

	result, err := f.breakerFor(parsed.Host).Execute(func() (any, error) {
		return f.fetch(ctx, rawURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "circuit open for %s", parsed.Host)
		}
		return nil, err
	}
	return result.(*FetchResult), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "build request for %s", rawURL)
	}
	req.Header.Set("User-Agent", f.userAgent)

	res, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}

	return &FetchResult{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Proto:      res.Proto,
		Header:     res.Header,
		Body:       body,
		FinalURL:   res.Request.URL.String(),
	}, nil
}

func classifyTransportError(err error, rawURL string) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrapf(err, apperrors.ErrorTypeTimeout, "fetch %s timed out", rawURL)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperrors.Wrapf(err, apperrors.ErrorTypeTimeout, "fetch %s timed out", rawURL)
	default:
		return apperrors.Wrapf(err, apperrors.ErrorTypeNetwork, "fetch %s", rawURL)
	}
}
