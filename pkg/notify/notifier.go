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

// Package notify declares the capability boundary to the external
// webhook notifier. The notifier implementation lives outside this
// service; the pipeline only ever calls this interface.
package notify

import (
	"context"

	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
)

// Notifier is told about newly created diffs. Implementations must be
// safe for concurrent use.
type Notifier interface {
	DiffCreated(ctx context.Context, site *catalog.Site, diff *catalog.Diff) error
}

// Nop discards notifications. Used when webhooks are disabled.
type Nop struct{}

// DiffCreated implements Notifier.
func (Nop) DiffCreated(ctx context.Context, site *catalog.Site, diff *catalog.Diff) error {
	return nil
}
