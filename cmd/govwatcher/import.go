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

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/pkg/ingest"
)

func newImportCmd() *cobra.Command {
	var (
		file         string
		priorityFile string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import sites from a CISA-format CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			importer := ingest.New(a.catalog, a.logger)
			result, err := importer.ImportFile(cmd.Context(), file, priorityFile)
			if err != nil {
				return err
			}
			a.logger.Info("import finished",
				zap.Int("total", result.Total),
				zap.Int("created", result.Created),
				zap.Int("updated", result.Updated))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to CSV file")
	cmd.Flags().StringVar(&priorityFile, "priority-file", "", "path to priority CSV file")
	cmd.MarkFlagRequired("file") //nolint:errcheck
	return cmd
}
