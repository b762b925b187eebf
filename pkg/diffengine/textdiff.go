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

// Package diffengine turns two captures into a structured line-level
// delta with statistics and a 1-3 significance class, plus an optional
// visual delta over their screenshots.
package diffengine

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
)

// Hunk shaping constants: context lines kept on either side of a
// change, and the equal-run length above which a hunk is split.
const (
	contextLines  = 3
	equalSplitRun = 10
)

// Change types within a hunk.
const (
	ChangeContext = "context"
	ChangeDelete  = "delete"
	ChangeInsert  = "insert"
)

// Change is one line entry of a hunk. Content carries the original line
// prefixed with ' ', '-' or '+'. OldLine/NewLine are 1-based and nil on
// the side the entry does not touch.
type Change struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	OldLine *int   `json:"oldLine"`
	NewLine *int   `json:"newLine"`
}

// Hunk is a contiguous region of the delta bounded by context lines.
type Hunk struct {
	Content  string   `json:"content"`
	OldStart int      `json:"oldStart"`
	OldLines int      `json:"oldLines"`
	NewStart int      `json:"newStart"`
	NewLines int      `json:"newLines"`
	Changes  []Change `json:"changes"`
}

// Document is the serialized diff payload.
type Document struct {
	Hunks []Hunk `json:"hunks"`
}

// Stats counts the document's change entries.
func (d *Document) Stats() catalog.DiffStats {
	var stats catalog.DiffStats
	for _, hunk := range d.Hunks {
		for _, change := range hunk.Changes {
			switch change.Type {
			case ChangeInsert:
				stats.Additions++
			case ChangeDelete:
				stats.Deletions++
			case "replace":
				// Replace opcodes are projected into delete+insert
				// pairs, so this never counts in practice. Kept for
				// schema stability.
				stats.Changes++
			}
		}
	}
	stats.Total = stats.Additions + stats.Deletions + stats.Changes
	return stats
}

// Classify maps a stats total onto the 1-3 significance scale using the
// configured size threshold.
func Classify(stats catalog.DiffStats, sizeThreshold int) int {
	switch {
	case stats.Total < sizeThreshold:
		return 1
	case stats.Total < sizeThreshold*5:
		return 2
	default:
		return 3
	}
}

// BuildDocument computes the structured delta between two contents.
// Opcodes come from a Ratcliff/Obershelp sequence matcher over the line
// arrays; they are projected into hunks with up to three context lines
// around changes, splitting whenever an equal run exceeds ten lines.
func BuildDocument(oldContent, newContent string) *Document {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	matcher := difflib.NewMatcher(oldLines, newLines)
	b := &hunkBuilder{oldLines: oldLines, newLines: newLines}

	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			b.equal(op)
		case 'r':
			b.deleteRange(op.I1, op.I2)
			b.insertRange(op.J1, op.J2)
		case 'd':
			b.deleteRange(op.I1, op.I2)
		case 'i':
			b.insertRange(op.J1, op.J2)
		}
	}
	b.finish()

	return &Document{Hunks: b.hunks}
}

type hunkBuilder struct {
	oldLines []string
	newLines []string

	hunks   []Hunk
	changes []Change
	open    bool

	// pending holds up to contextLines of leading context for the next
	// hunk; discarded if no further change arrives.
	pending []Change
}

func (b *hunkBuilder) equal(op difflib.OpCode) {
	runLen := op.I2 - op.I1
	if !b.open {
		b.setPending(op, max(op.I1, op.I2-contextLines), op.I2)
		return
	}
	if runLen > equalSplitRun {
		b.appendContext(op, op.I1, op.I1+contextLines)
		b.closeHunk()
		b.setPending(op, max(op.I1, op.I2-contextLines), op.I2)
		return
	}
	b.appendContext(op, op.I1, op.I2)
}

func (b *hunkBuilder) deleteRange(from, to int) {
	b.ensureOpen()
	for i := from; i < to; i++ {
		oldLine := i + 1
		b.changes = append(b.changes, Change{
			Type:    ChangeDelete,
			Content: "-" + b.oldLines[i],
			OldLine: &oldLine,
		})
	}
}

func (b *hunkBuilder) insertRange(from, to int) {
	b.ensureOpen()
	for j := from; j < to; j++ {
		newLine := j + 1
		b.changes = append(b.changes, Change{
			Type:    ChangeInsert,
			Content: "+" + b.newLines[j],
			NewLine: &newLine,
		})
	}
}

func (b *hunkBuilder) appendContext(op difflib.OpCode, from, to int) {
	for i := from; i < to; i++ {
		oldLine := i + 1
		newLine := op.J1 + (i - op.I1) + 1
		b.changes = append(b.changes, Change{
			Type:    ChangeContext,
			Content: " " + b.oldLines[i],
			OldLine: &oldLine,
			NewLine: &newLine,
		})
	}
}

func (b *hunkBuilder) setPending(op difflib.OpCode, from, to int) {
	b.pending = b.pending[:0]
	for i := from; i < to; i++ {
		oldLine := i + 1
		newLine := op.J1 + (i - op.I1) + 1
		b.pending = append(b.pending, Change{
			Type:    ChangeContext,
			Content: " " + b.oldLines[i],
			OldLine: &oldLine,
			NewLine: &newLine,
		})
	}
}

func (b *hunkBuilder) ensureOpen() {
	if b.open {
		return
	}
	b.open = true
	b.changes = append(b.changes, b.pending...)
	b.pending = b.pending[:0]
}

func (b *hunkBuilder) closeHunk() {
	if !b.open {
		return
	}
	b.open = false

	oldStart, oldCount := sideBounds(b.changes, func(c Change) *int { return c.OldLine })
	newStart, newCount := sideBounds(b.changes, func(c Change) *int { return c.NewLine })

	hunk := Hunk{
		Content:  fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart, oldCount, newStart, newCount),
		OldStart: oldStart,
		OldLines: oldCount,
		NewStart: newStart,
		NewLines: newCount,
		Changes:  b.changes,
	}
	b.hunks = append(b.hunks, hunk)
	b.changes = nil
}

func (b *hunkBuilder) finish() {
	if !b.open {
		return
	}
	b.trimTrailingContext()
	b.closeHunk()
}

// trimTrailingContext caps the context after the last change at
// contextLines. Needed when the document ends in a short equal run that
// was appended whole.
func (b *hunkBuilder) trimTrailingContext() {
	lastChange := -1
	for i, change := range b.changes {
		if change.Type != ChangeContext {
			lastChange = i
		}
	}
	if keep := lastChange + 1 + contextLines; keep < len(b.changes) {
		b.changes = b.changes[:keep]
	}
}

func sideBounds(changes []Change, side func(Change) *int) (start, count int) {
	for _, change := range changes {
		if line := side(change); line != nil {
			if count == 0 {
				start = *line
			}
			count++
		}
	}
	return start, count
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}
