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
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DevelopmentCats/govwatcher/internal/server"
	"github.com/DevelopmentCats/govwatcher/pkg/scheduler"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the continuous archiving server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			admin := server.New(a.cfg.Server.ListenAddr, a.db, a.rdb, a.queue, a.registry, a.logger)
			go func() {
				a.logger.Info("admin server listening", zap.String("addr", admin.Addr))
				if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("admin server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := admin.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("admin server shutdown failed", zap.Error(err))
				}
			}()

			sched := scheduler.New(
				a.cfg, a.catalog, a.queue, a.lock,
				a.worker.Capture, a.engine, a.logger, a.metrics)
			return sched.Run(ctx)
		},
	}
}
