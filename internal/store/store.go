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

// Package store provides the Postgres-backed persistence layer for the
// ingestion engine: per-tenant service state, execution records,
// ingested messages with attachments, filter rules, the rule
// application audit trail, daily statistics, and the activity log.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimsflow/ingestion/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyRunning is returned by ClaimService when another run
	// holds the claim for the service.
	ErrAlreadyRunning = errors.New("service already running")

	// ErrServiceInactive is returned by ClaimService for deactivated services.
	ErrServiceInactive = errors.New("service inactive")
)

// Store provides all persistence operations on one Postgres pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool.
// It ensures the schema exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ingestion schema: %w", err)
	}
	slog.Info("ingestion store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingestion_services (
			id                 BIGSERIAL PRIMARY KEY,
			tenant_id          TEXT NOT NULL UNIQUE,
			active             BOOLEAN NOT NULL DEFAULT TRUE,
			running            BOOLEAN NOT NULL DEFAULT FALSE,
			interval_minutes   INT NOT NULL DEFAULT 5,
			next_run_at        TIMESTAMPTZ,
			last_run_at        TIMESTAMPTZ,
			total_processed    BIGINT NOT NULL DEFAULT 0,
			last_run_processed INT NOT NULL DEFAULT 0,
			mark_as_read       BOOLEAN NOT NULL DEFAULT TRUE,
			folder             TEXT NOT NULL DEFAULT 'INBOX',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_services_due
			ON ingestion_services(next_run_at) WHERE active AND NOT running;

		CREATE TABLE IF NOT EXISTS execution_records (
			id                    UUID PRIMARY KEY,
			service_id            BIGINT NOT NULL REFERENCES ingestion_services(id),
			started_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at           TIMESTAMPTZ,
			status                TEXT NOT NULL DEFAULT 'RUNNING',
			messages_seen         INT NOT NULL DEFAULT 0,
			messages_new          INT NOT NULL DEFAULT 0,
			attachments_processed INT NOT NULL DEFAULT 0,
			items_extracted       INT NOT NULL DEFAULT 0,
			error_message         TEXT,
			details               JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_runs_service ON execution_records(service_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS ingested_messages (
			id              BIGSERIAL PRIMARY KEY,
			service_id      BIGINT NOT NULL REFERENCES ingestion_services(id),
			tenant_id       TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			sender          TEXT NOT NULL DEFAULT '',
			recipients      TEXT NOT NULL DEFAULT '',
			subject         TEXT NOT NULL DEFAULT '',
			received_at     TIMESTAMPTZ,
			text_body       TEXT,
			html_body       TEXT,
			status          TEXT NOT NULL DEFAULT 'PENDING',
			matched_rule_id BIGINT,
			items_extracted INT NOT NULL DEFAULT 0,
			processed_at    TIMESTAMPTZ,
			error_message   TEXT,
			tags            JSONB NOT NULL DEFAULT '[]',
			metadata        JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_status ON ingested_messages(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_messages_received ON ingested_messages(tenant_id, received_at DESC);

		CREATE TABLE IF NOT EXISTS message_attachments (
			id            BIGSERIAL PRIMARY KEY,
			message_id    BIGINT NOT NULL REFERENCES ingested_messages(id),
			filename      TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT '',
			size_bytes    BIGINT NOT NULL DEFAULT 0,
			blob_key      TEXT NOT NULL DEFAULT '',
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			process_error TEXT,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_message ON message_attachments(message_id);

		CREATE TABLE IF NOT EXISTS filter_rules (
			id              BIGSERIAL PRIMARY KEY,
			service_id      BIGINT NOT NULL REFERENCES ingestion_services(id),
			name            TEXT NOT NULL,
			priority        INT NOT NULL DEFAULT 0,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			active_from     TIMESTAMPTZ,
			active_until    TIMESTAMPTZ,
			is_composite    BOOLEAN NOT NULL DEFAULT FALSE,
			field           TEXT,
			operator        TEXT,
			value           TEXT,
			logical_op      TEXT,
			action          TEXT NOT NULL DEFAULT 'PROCESS',
			action_params   JSONB NOT NULL DEFAULT '{}',
			times_applied   BIGINT NOT NULL DEFAULT 0,
			last_applied_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_rules_service ON filter_rules(service_id, priority, created_at);

		CREATE TABLE IF NOT EXISTS rule_conditions (
			id       BIGSERIAL PRIMARY KEY,
			rule_id  BIGINT NOT NULL REFERENCES filter_rules(id) ON DELETE CASCADE,
			field    TEXT NOT NULL,
			operator TEXT NOT NULL,
			value    TEXT NOT NULL,
			ord      INT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_conditions_rule ON rule_conditions(rule_id, ord);

		CREATE TABLE IF NOT EXISTS rule_applications (
			id         BIGSERIAL PRIMARY KEY,
			rule_id    BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			tenant_id  TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			matched    BOOLEAN NOT NULL,
			action     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_applications_tenant ON rule_applications(tenant_id, applied_at DESC);

		CREATE TABLE IF NOT EXISTS daily_stats (
			id              BIGSERIAL PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			day             DATE NOT NULL,
			processed       INT NOT NULL DEFAULT 0,
			items_extracted INT NOT NULL DEFAULT 0,
			pending         INT NOT NULL DEFAULT 0,
			errors          INT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, day)
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id         BIGSERIAL PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			event      TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_activity_tenant ON activity_log(tenant_id, created_at DESC);
	`)
	return err
}

// LogActivity appends an entry to the tenant's activity log.
func (s *Store) LogActivity(ctx context.Context, tenantID string, event models.ActivityEvent, details string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (tenant_id, event, details) VALUES ($1, $2, $3)
	`, tenantID, event, details)
	return err
}

// ActivityEntry is one row of the activity log.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	TenantID  string `json:"tenant_id"`
	Event     string `json:"event"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ListActivity returns recent activity log entries for a tenant.
func (s *Store) ListActivity(ctx context.Context, tenantID string, limit, offset int) ([]ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event, details, created_at::text
		FROM activity_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Event, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
