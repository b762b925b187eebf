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

// Package catalog is the durable record of sites, snapshots, diffs and
// queue entries, and the single source of truth for scheduling state.
package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Operation identifies the kind of work a queue entry shadows.
type Operation string

const (
	OperationCapture Operation = "capture"
	OperationDiff    Operation = "diff"
)

// Entry statuses for archive_queue rows.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Metadata is the free-form JSON map stored on snapshots. Values are
// strings, numbers or booleans.
type Metadata map[string]any

// Value implements driver.Valuer, serializing to JSONB.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
}

// Site is a monitored origin.
type Site struct {
	ID                   int64      `db:"id"`
	Domain               string     `db:"domain"`
	DomainType           *string    `db:"domain_type"`
	Agency               *string    `db:"agency"`
	OrganizationName     *string    `db:"organization_name"`
	City                 *string    `db:"city"`
	State                *string    `db:"state"`
	SecurityContactEmail *string    `db:"security_contact_email"`
	Priority             int        `db:"priority"`
	Enabled              bool       `db:"enabled"`
	CreatedAt            time.Time  `db:"created_at"`
	LastCheckedAt        *time.Time `db:"last_checked_at"`
	LastChangedAt        *time.Time `db:"last_changed_at"`
}

// Snapshot is an accepted capture of a site at a moment. Written exactly
// once, never mutated afterward.
type Snapshot struct {
	ID               int64     `db:"id"`
	SiteID           int64     `db:"archive_id"`
	CaptureTimestamp time.Time `db:"capture_timestamp"`
	WARCPath         *string   `db:"warc_path"`
	ScreenshotPath   *string   `db:"screenshot_path"`
	HTMLPath         *string   `db:"html_path"`
	TextPath         *string   `db:"text_path"`
	PDFPath          *string   `db:"pdf_path"`
	ContentHash      *string   `db:"content_hash"`
	Status           *int      `db:"status"`
	SizeBytes        *int64    `db:"size_bytes"`
	ErrorMessage     *string   `db:"error_message"`
	Metadata         Metadata  `db:"metadata"`
}

// DiffStats summarizes a diff document. Changes counts replace entries;
// the hunk projection emits replace as paired delete+insert, so Changes
// stays zero in practice. The field is kept for schema stability.
type DiffStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Changes   int `json:"changes"`
	Total     int `json:"total"`
}

// Value implements driver.Valuer.
func (s DiffStats) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *DiffStats) Scan(src any) error {
	if src == nil {
		*s = DiffStats{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into DiffStats", src)
	}
}

// Diff is a structured delta between two snapshots of the same site.
type Diff struct {
	ID             int64     `db:"id"`
	SiteID         int64     `db:"archive_id"`
	OldSnapshotID  int64     `db:"old_snapshot_id"`
	NewSnapshotID  int64     `db:"new_snapshot_id"`
	DiffTimestamp  time.Time `db:"diff_timestamp"`
	DiffPath       string    `db:"diff_path"`
	Stats          DiffStats `db:"stats"`
	Significance   int       `db:"significance"`
	VisualDiffPath *string   `db:"visual_diff_path"`
}

// QueueEntry is the durable shadow of a work-queue job, used for
// admission control and restart recovery.
type QueueEntry struct {
	ID           int64      `db:"id"`
	SiteID       int64      `db:"archive_id"`
	Operation    Operation  `db:"operation"`
	Status       string     `db:"status"`
	Priority     int        `db:"priority"`
	ScheduledFor time.Time  `db:"scheduled_for"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	ErrorMessage *string    `db:"error_message"`
	Retries      int        `db:"retries"`
}
