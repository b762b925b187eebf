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

// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Capture outcomes reported on CapturesTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeRemote    = "remote_error"
	OutcomeRetryable = "retryable_error"
	OutcomeFailed    = "failed"
)

// Metrics bundles all collectors for the capture-and-diff pipeline.
type Metrics struct {
	CapturesTotal    *prometheus.CounterVec
	CaptureDuration  prometheus.Histogram
	SnapshotsWritten prometheus.Counter
	DiffsGenerated   *prometheus.CounterVec
	DiffDuration     prometheus.Histogram
	QueueJobs        *prometheus.CounterVec
	ActiveCaptures   prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
}

// New registers the collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CapturesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govwatcher",
			Name:      "captures_total",
			Help:      "Captures by outcome.",
		}, []string{"outcome"}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govwatcher",
			Name:      "capture_duration_seconds",
			Help:      "Wall-clock duration of a capture.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		SnapshotsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "govwatcher",
			Name:      "snapshots_written_total",
			Help:      "Snapshot rows committed to the catalog.",
		}),
		DiffsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govwatcher",
			Name:      "diffs_generated_total",
			Help:      "Diffs generated by significance class.",
		}, []string{"significance"}),
		DiffDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "govwatcher",
			Name:      "diff_duration_seconds",
			Help:      "Wall-clock duration of diff generation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueueJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govwatcher",
			Name:      "queue_jobs_total",
			Help:      "Work queue job outcomes.",
		}, []string{"queue", "outcome"}),
		ActiveCaptures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "govwatcher",
			Name:      "active_captures",
			Help:      "Capture workers currently running.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "govwatcher",
			Name:      "queue_depth",
			Help:      "Pending jobs per queue.",
		}, []string{"queue"}),
	}
}
