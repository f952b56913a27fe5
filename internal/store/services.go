// Copyright (c) 2026 The Claimsflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Service is the per-tenant mailbox-polling configuration and run state.
type Service struct {
	ID               int64      `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Active           bool       `json:"active"`
	Running          bool       `json:"running"`
	IntervalMinutes  int        `json:"interval_minutes"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	TotalProcessed   int64      `json:"total_processed"`
	LastRunProcessed int        `json:"last_run_processed"`
	MarkAsRead       bool       `json:"mark_as_read"`
	Folder           string     `json:"folder"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const serviceColumns = `
	id, tenant_id, active, running, interval_minutes, next_run_at,
	last_run_at, total_processed, last_run_processed, mark_as_read,
	folder, created_at, updated_at`

// EnsureService creates the service row for a tenant on first
// configuration of a mailbox, or returns the existing one.
func (s *Store) EnsureService(ctx context.Context, tenantID string) (*Service, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_services (tenant_id)
		VALUES ($1)
		ON CONFLICT (tenant_id) DO UPDATE SET updated_at = NOW()
		RETURNING `+serviceColumns, tenantID)
	return scanService(row)
}

// GetService retrieves a service by id.
func (s *Store) GetService(ctx context.Context, id int64) (*Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+serviceColumns+` FROM ingestion_services WHERE id = $1
	`, id)
	return scanService(row)
}

// GetServiceByTenant retrieves a service by tenant id.
func (s *Store) GetServiceByTenant(ctx context.Context, tenantID string) (*Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+serviceColumns+` FROM ingestion_services WHERE tenant_id = $1
	`, tenantID)
	return scanService(row)
}

// ListDue returns services that should run at the given instant:
// active, not running, and with next_run_at unset or in the past.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM ingestion_services
		WHERE active AND NOT running
		  AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at NULLS FIRST
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		svc, err := scanServiceRows(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	return services, rows.Err()
}

// ClaimService atomically transitions a service to running=true. The
// single UPDATE is the only concurrency-control point: of two
// concurrent claims exactly one matches running=FALSE and wins.
func (s *Store) ClaimService(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_services
		SET running = TRUE, updated_at = NOW()
		WHERE id = $1 AND active AND NOT running
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish "already running" from "inactive or missing".
	svc, err := s.GetService(ctx, id)
	if err != nil {
		return err
	}
	if !svc.Active {
		return ErrServiceInactive
	}
	return ErrAlreadyRunning
}

// nextRunAt computes when a service should poll again after a run that
// finished at the given instant. Services deactivated during the run
// are not rescheduled.
func nextRunAt(finishedAt time.Time, intervalMinutes int, active bool) *time.Time {
	if !active {
		return nil
	}
	next := finishedAt.Add(time.Duration(intervalMinutes) * time.Minute)
	return &next
}

// ReleaseService clears the running flag after a run, records its
// outcome, and schedules the next run. The row lock pins the active
// flag and interval between the read and the write, so a concurrent
// deactivation or interval change cannot be half-applied.
func (s *Store) ReleaseService(ctx context.Context, id int64, processed int, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var active bool
	var intervalMinutes int
	err = tx.QueryRow(ctx, `
		SELECT active, interval_minutes FROM ingestion_services
		WHERE id = $1 FOR UPDATE
	`, id).Scan(&active, &intervalMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ingestion_services
		SET running = FALSE,
		    last_run_at = $2,
		    last_run_processed = $3,
		    total_processed = total_processed + $3,
		    next_run_at = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, id, now, processed, nextRunAt(now, intervalMinutes, active)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetServiceActive flips the active flag. Deactivation clears
// next_run_at; activation schedules an immediate run.
func (s *Store) SetServiceActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_services
		SET active = $2,
		    next_run_at = CASE WHEN $2 THEN NOW() ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetServiceInterval updates the polling interval and, for active
// services, recomputes next_run_at from the last run.
func (s *Store) SetServiceInterval(ctx context.Context, id int64, minutes int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_services
		SET interval_minutes = $2,
		    next_run_at = CASE WHEN active
		        THEN COALESCE(last_run_at, NOW()) + make_interval(mins => $2)
		        ELSE next_run_at END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, minutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduleNow moves next_run_at to the current instant regardless of
// the configured interval.
func (s *Store) ScheduleNow(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_services
		SET next_run_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateServiceSettings changes the mailbox behavior flags.
func (s *Store) UpdateServiceSettings(ctx context.Context, id int64, markAsRead bool, folder string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_services
		SET mark_as_read = $2, folder = $3, updated_at = NOW()
		WHERE id = $1
	`, id, markAsRead, folder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	err := row.Scan(
		&svc.ID, &svc.TenantID, &svc.Active, &svc.Running,
		&svc.IntervalMinutes, &svc.NextRunAt, &svc.LastRunAt,
		&svc.TotalProcessed, &svc.LastRunProcessed, &svc.MarkAsRead,
		&svc.Folder, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func scanServiceRows(rows pgx.Rows) (*Service, error) {
	var svc Service
	err := rows.Scan(
		&svc.ID, &svc.TenantID, &svc.Active, &svc.Running,
		&svc.IntervalMinutes, &svc.NextRunAt, &svc.LastRunAt,
		&svc.TotalProcessed, &svc.LastRunProcessed, &svc.MarkAsRead,
		&svc.Folder, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}
