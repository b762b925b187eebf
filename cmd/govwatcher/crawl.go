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

func newCrawlCmd() *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one capture for a specific domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			site, err := a.catalog.Sites.GetByDomain(cmd.Context(), domain)
			if err != nil {
				return err
			}

			snap, err := a.worker.Capture(cmd.Context(), site)
			if err != nil {
				return err
			}
			a.logger.Info("capture finished",
				zap.String("domain", site.Domain),
				zap.Int64("snapshot_id", snap.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "domain to capture")
	cmd.MarkFlagRequired("domain") //nolint:errcheck
	return cmd
}
