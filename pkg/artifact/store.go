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

// Package artifact persists immutable capture and diff artifacts in a
// content-addressable directory layout:
//
//	<base>/<site_id>/snapshots/<snapshot_id>/{original.warc, content.html, content.txt, screenshot.png, content.pdf}
//	<base>/<site_id>/diffs/<old_id>_<new_id>/{diff.json, visual-diff.png}
//
// Writes go to a temporary file in the target directory followed by a
// rename, so readers never observe a partial file. Stored files are
// never modified in place.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// Artifact file names within a snapshot directory.
const (
	FileWARC       = "original.warc"
	FileHTML       = "content.html"
	FileText       = "content.txt"
	FileScreenshot = "screenshot.png"
	FilePDF        = "content.pdf"
	FileDiff       = "diff.json"
	FileVisualDiff = "visual-diff.png"
)

// Store is the filesystem artifact store.
type Store struct {
	base   string
	logger *zap.Logger
}

// NewStore creates the store, making sure the base directory exists.
func NewStore(base string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "create storage root %s", base)
	}
	return &Store{base: base, logger: logger}, nil
}

// SiteDir returns the directory for a site.
func (s *Store) SiteDir(siteID int64) string {
	return filepath.Join(s.base, strconv.FormatInt(siteID, 10))
}

// SnapshotDir returns the directory for a snapshot.
func (s *Store) SnapshotDir(siteID, snapshotID int64) string {
	return filepath.Join(s.SiteDir(siteID), "snapshots", strconv.FormatInt(snapshotID, 10))
}

// DiffDir returns the directory for a diff between two snapshots.
func (s *Store) DiffDir(siteID, oldSnapshotID, newSnapshotID int64) string {
	return filepath.Join(s.SiteDir(siteID), "diffs",
		fmt.Sprintf("%d_%d", oldSnapshotID, newSnapshotID))
}

// StoreHTML persists the raw HTML of a snapshot.
func (s *Store) StoreHTML(siteID, snapshotID int64, content []byte) (string, error) {
	return s.write(s.SnapshotDir(siteID, snapshotID), FileHTML, content)
}

// StoreText persists the extracted text projection of a snapshot.
func (s *Store) StoreText(siteID, snapshotID int64, content []byte) (string, error) {
	return s.write(s.SnapshotDir(siteID, snapshotID), FileText, content)
}

// StoreWARC persists the WARC record of a snapshot.
func (s *Store) StoreWARC(siteID, snapshotID int64, content []byte) (string, error) {
	return s.write(s.SnapshotDir(siteID, snapshotID), FileWARC, content)
}

// StoreScreenshot persists the PNG screenshot of a snapshot.
func (s *Store) StoreScreenshot(siteID, snapshotID int64, content []byte) (string, error) {
	return s.write(s.SnapshotDir(siteID, snapshotID), FileScreenshot, content)
}

// StorePDF persists the PDF rendering of a snapshot.
func (s *Store) StorePDF(siteID, snapshotID int64, content []byte) (string, error) {
	return s.write(s.SnapshotDir(siteID, snapshotID), FilePDF, content)
}

// StoreDiff persists the serialized diff document.
func (s *Store) StoreDiff(siteID, oldSnapshotID, newSnapshotID int64, doc []byte) (string, error) {
	return s.write(s.DiffDir(siteID, oldSnapshotID, newSnapshotID), FileDiff, doc)
}

// StoreVisualDiff persists the annotated visual delta PNG.
func (s *Store) StoreVisualDiff(siteID, oldSnapshotID, newSnapshotID int64, content []byte) (string, error) {
	return s.write(s.DiffDir(siteID, oldSnapshotID, newSnapshotID), FileVisualDiff, content)
}

// Read loads a stored artifact.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "read %s", path)
	}
	return data, nil
}

// Size returns the size of a stored artifact in bytes, or 0 when the
// path does not name a regular file.
func (s *Store) Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

func (s *Store) write(dir, name string, content []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "write %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "close %s", name)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeArtifact, "rename %s into place", name)
	}

	s.logger.Debug("artifact stored", zap.String("path", target), zap.Int("bytes", len(content)))
	return target, nil
}
