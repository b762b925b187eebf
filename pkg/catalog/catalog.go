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

package catalog

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// Catalog bundles the per-table repositories over one connection pool.
// WithTx produces a catalog whose repositories share a single
// transaction.
type Catalog struct {
	db     *sqlx.DB
	logger *zap.Logger

	Sites     *SiteRepository
	Snapshots *SnapshotRepository
	Diffs     *DiffRepository
	Queue     *QueueEntryRepository
}

// New creates a catalog bound to the given connection pool.
func New(db *sqlx.DB, logger *zap.Logger) *Catalog {
	return bind(db, db, logger)
}

func bind(db *sqlx.DB, q sqlx.ExtContext, logger *zap.Logger) *Catalog {
	return &Catalog{
		db:        db,
		logger:    logger,
		Sites:     &SiteRepository{q: q, logger: logger},
		Snapshots: &SnapshotRepository{q: q, logger: logger},
		Diffs:     &DiffRepository{q: q, logger: logger},
		Queue:     &QueueEntryRepository{q: q, logger: logger},
	}
}

// WithTx runs fn with a catalog scoped to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
// Calling WithTx on an already transaction-scoped catalog reuses the
// open transaction.
func (c *Catalog) WithTx(ctx context.Context, fn func(tx *Catalog) error) error {
	if _, ok := c.Sites.q.(*sqlx.Tx); ok {
		return fn(c)
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "begin transaction")
	}

	scoped := bind(c.db, tx, c.logger)
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "commit transaction")
	}
	return nil
}

// DB exposes the underlying pool for health checks.
func (c *Catalog) DB() *sqlx.DB {
	return c.db
}

func dbErr(err error, op string) error {
	return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, op)
}

func notFound(what string, id int64) error {
	return apperrors.Newf(apperrors.ErrorTypeNotFound, "%s %d not found", what, id)
}
