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

// Package ingest loads the monitored site list from the CISA .gov
// dataset CSV. Rows listed in the optional priority CSV are imported at
// priority 1; everything else at priority 3.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
)

// Result summarizes an import run.
type Result struct {
	Total   int
	Created int
	Updated int
}

// Importer ingests site rows into the catalog.
type Importer struct {
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// New creates an importer.
func New(cat *catalog.Catalog, logger *zap.Logger) *Importer {
	return &Importer{catalog: cat, logger: logger}
}

// ImportFile ingests csvPath, optionally elevating domains found in
// priorityPath.
func (im *Importer) ImportFile(ctx context.Context, csvPath, priorityPath string) (Result, error) {
	priorityDomains, err := im.loadPriorityDomains(priorityPath)
	if err != nil {
		return Result{}, err
	}

	file, err := os.Open(csvPath)
	if err != nil {
		return Result{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "open import file %s", csvPath)
	}
	defer file.Close()

	result, err := im.importRows(ctx, file, priorityDomains)
	if err != nil {
		return result, err
	}

	im.logger.Info("import complete",
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated))
	return result, nil
}

func (im *Importer) loadPriorityDomains(path string) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	if path == "" {
		return domains, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "open priority file %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "read priority csv header")
	}
	domainIdx := columnIndex(header, "domain")
	if domainIdx < 0 {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "priority csv has no domain column")
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "read priority csv row")
		}
		if domainIdx < len(record) && record[domainIdx] != "" {
			domains[strings.ToLower(record[domainIdx])] = struct{}{}
		}
	}

	im.logger.Info("loaded priority domains", zap.Int("count", len(domains)))
	return domains, nil
}

func (im *Importer) importRows(ctx context.Context, r io.Reader, priorityDomains map[string]struct{}) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "read csv header")
	}
	cols := headerMap(header)
	if _, ok := cols["domain"]; !ok {
		return Result{}, apperrors.New(apperrors.ErrorTypeValidation, "csv has no domain column")
	}

	var result Result
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "read csv row")
		}
		result.Total++

		field := func(names ...string) *string {
			for _, name := range names {
				if idx, ok := cols[strings.ToLower(name)]; ok && idx < len(record) && record[idx] != "" {
					value := record[idx]
					return &value
				}
			}
			return nil
		}

		domainField := field("domain")
		if domainField == nil {
			continue
		}
		domain := strings.ToLower(*domainField)

		priority := 3
		if _, elevated := priorityDomains[domain]; elevated {
			priority = 1
		}

		site := &catalog.Site{
			Domain:               domain,
			DomainType:           field("domainType"),
			Agency:               field("agency", "federalAgency"),
			OrganizationName:     field("organizationName"),
			City:                 field("city"),
			State:                field("state"),
			SecurityContactEmail: field("securityContact"),
			Priority:             priority,
			Enabled:              true,
		}

		created, err := im.catalog.Sites.Upsert(ctx, site)
		if err != nil {
			return result, err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}

		if processed := result.Created + result.Updated; processed%100 == 0 {
			im.logger.Info("import progress", zap.Int("processed", processed))
		}
	}
	return result, nil
}

func headerMap(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func columnIndex(header []string, name string) int {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), name) {
			return i
		}
	}
	return -1
}
