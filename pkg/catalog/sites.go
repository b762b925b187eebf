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
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// SiteRepository persists monitored sites.
type SiteRepository struct {
	q      sqlx.ExtContext
	logger *zap.Logger
}

const siteColumns = `id, domain, domain_type, agency, organization_name, city, state,
	security_contact_email, priority, enabled, created_at, last_checked_at, last_changed_at`

// GetByID loads one site.
func (r *SiteRepository) GetByID(ctx context.Context, id int64) (*Site, error) {
	var site Site
	err := sqlx.GetContext(ctx, r.q, &site,
		`SELECT `+siteColumns+` FROM archives WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("site", id)
	}
	if err != nil {
		return nil, dbErr(err, "get site by id")
	}
	return &site, nil
}

// GetByDomain loads one site by its case-folded domain.
func (r *SiteRepository) GetByDomain(ctx context.Context, domain string) (*Site, error) {
	var site Site
	err := sqlx.GetContext(ctx, r.q, &site,
		`SELECT `+siteColumns+` FROM archives WHERE domain = $1`, strings.ToLower(domain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrorTypeNotFound, "site %q not found", domain)
	}
	if err != nil {
		return nil, dbErr(err, "get site by domain")
	}
	return &site, nil
}

// List returns sites ordered by scheduling urgency.
func (r *SiteRepository) List(ctx context.Context, enabledOnly bool, limit int) ([]Site, error) {
	query := `SELECT ` + siteColumns + ` FROM archives`
	if enabledOnly {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY priority ASC, last_checked_at ASC NULLS FIRST LIMIT $1`

	var sites []Site
	if err := sqlx.SelectContext(ctx, r.q, &sites, query, limit); err != nil {
		return nil, dbErr(err, "list sites")
	}
	return sites, nil
}

// ScheduleWindow carries the priority tier boundaries and the per-tier
// re-check cutoffs for the pending-sites query. A site is due when its
// last_checked_at is NULL or at/before the cutoff of its tier.
type ScheduleWindow struct {
	HighThreshold   int
	NormalThreshold int
	HighCutoff      time.Time
	NormalCutoff    time.Time
	LowCutoff       time.Time
}

// WindowAt derives the schedule window for the given instant from the
// tier thresholds and intervals.
func WindowAt(now time.Time, highThreshold, normalThreshold int, high, normal, low time.Duration) ScheduleWindow {
	return ScheduleWindow{
		HighThreshold:   highThreshold,
		NormalThreshold: normalThreshold,
		HighCutoff:      now.Add(-high),
		NormalCutoff:    now.Add(-normal),
		LowCutoff:       now.Add(-low),
	}
}

// Pending returns enabled sites that are due for a check and have no
// outstanding queue entry, ordered by (priority, last_checked_at NULLS
// FIRST).
func (r *SiteRepository) Pending(ctx context.Context, w ScheduleWindow, limit int) ([]Site, error) {
	const query = `
		SELECT a.id, a.domain, a.domain_type, a.agency, a.organization_name, a.city, a.state,
		       a.security_contact_email, a.priority, a.enabled, a.created_at, a.last_checked_at, a.last_changed_at
		FROM archives a
		LEFT JOIN archive_queue q ON a.id = q.archive_id AND q.status IN ('pending', 'in_progress')
		WHERE a.enabled = TRUE
		  AND q.id IS NULL
		  AND (a.last_checked_at IS NULL
		    OR (a.priority <= $1 AND a.last_checked_at <= $3)
		    OR (a.priority > $1 AND a.priority <= $2 AND a.last_checked_at <= $4)
		    OR (a.priority > $2 AND a.last_checked_at <= $5))
		ORDER BY a.priority ASC, a.last_checked_at ASC NULLS FIRST
		LIMIT $6`

	var sites []Site
	err := sqlx.SelectContext(ctx, r.q, &sites, query,
		w.HighThreshold, w.NormalThreshold, w.HighCutoff, w.NormalCutoff, w.LowCutoff, limit)
	if err != nil {
		return nil, dbErr(err, "query pending sites")
	}
	return sites, nil
}

// Upsert inserts the site or updates the existing row with the same
// domain. Reports whether a new row was created. The site's ID is set on
// return.
func (r *SiteRepository) Upsert(ctx context.Context, site *Site) (bool, error) {
	site.Domain = strings.ToLower(site.Domain)

	const query = `
		INSERT INTO archives (domain, domain_type, agency, organization_name, city, state,
			security_contact_email, priority, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (domain) DO UPDATE SET
			domain_type = EXCLUDED.domain_type,
			agency = EXCLUDED.agency,
			organization_name = EXCLUDED.organization_name,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			security_contact_email = EXCLUDED.security_contact_email,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled
		RETURNING id, (xmax = 0) AS inserted`

	row := r.q.QueryRowxContext(ctx, query,
		site.Domain, site.DomainType, site.Agency, site.OrganizationName,
		site.City, site.State, site.SecurityContactEmail, site.Priority, site.Enabled)

	var inserted bool
	if err := row.Scan(&site.ID, &inserted); err != nil {
		return false, dbErr(err, "upsert site")
	}
	return inserted, nil
}

// UpdateCheckTime advances last_checked_at.
func (r *SiteRepository) UpdateCheckTime(ctx context.Context, id int64, checkedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archives SET last_checked_at = $2 WHERE id = $1`, id, checkedAt)
	if err != nil {
		return dbErr(err, "update site check time")
	}
	return requireRow(res, "site", id)
}

// UpdateChangeTime advances both last_changed_at and last_checked_at so
// the invariant last_changed_at <= last_checked_at holds.
func (r *SiteRepository) UpdateChangeTime(ctx context.Context, id int64, changedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archives SET last_changed_at = $2, last_checked_at = $2 WHERE id = $1`, id, changedAt)
	if err != nil {
		return dbErr(err, "update site change time")
	}
	return requireRow(res, "site", id)
}

// SetEnabled toggles whether the scheduler considers the site.
func (r *SiteRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE archives SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return dbErr(err, "set site enabled")
	}
	return requireRow(res, "site", id)
}

func requireRow(res sql.Result, what string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return dbErr(err, "rows affected")
	}
	if affected == 0 {
		return notFound(what, id)
	}
	return nil
}
