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
)

func newDiffCmd() *cobra.Command {
	var (
		archiveID int64
		snapshot1 int64
		snapshot2 int64
	)

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Force generation of a diff between two snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			diff, err := a.engine.Generate(cmd.Context(), archiveID, snapshot1, snapshot2)
			if err != nil {
				return err
			}
			a.logger.Info("diff generated",
				zap.Int64("diff_id", diff.ID),
				zap.String("diff_path", diff.DiffPath),
				zap.Int("significance", diff.Significance),
				zap.Int("total_changes", diff.Stats.Total))
			return nil
		},
	}
	cmd.Flags().Int64Var(&archiveID, "archive-id", 0, "site (archive) id")
	cmd.Flags().Int64Var(&snapshot1, "snapshot1", 0, "older snapshot id")
	cmd.Flags().Int64Var(&snapshot2, "snapshot2", 0, "newer snapshot id")
	cmd.MarkFlagRequired("archive-id") //nolint:errcheck
	cmd.MarkFlagRequired("snapshot1")  //nolint:errcheck
	cmd.MarkFlagRequired("snapshot2")  //nolint:errcheck
	return cmd
}
