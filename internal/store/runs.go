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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/claimsflow/ingestion/internal/models"
)

// Run is one execution attempt of the ingestion pipeline for a service.
type Run struct {
	ID                   uuid.UUID        `json:"id"`
	ServiceID            int64            `json:"service_id"`
	StartedAt            time.Time        `json:"started_at"`
	FinishedAt           *time.Time       `json:"finished_at,omitempty"`
	Status               models.RunStatus `json:"status"`
	MessagesSeen         int              `json:"messages_seen"`
	MessagesNew          int              `json:"messages_new"`
	AttachmentsProcessed int              `json:"attachments_processed"`
	ItemsExtracted       int              `json:"items_extracted"`
	ErrorMessage         *string          `json:"error_message,omitempty"`
	Details              map[string]any   `json:"details,omitempty"`
}

// RunOutcome carries the terminal field set for FinalizeRun.
type RunOutcome struct {
	Status               models.RunStatus
	MessagesSeen         int
	MessagesNew          int
	AttachmentsProcessed int
	ItemsExtracted       int
	ErrorMessage         string
	Details              map[string]any
}

const runColumns = `
	id, service_id, started_at, finished_at, status, messages_seen,
	messages_new, attachments_processed, items_extracted, error_message, details`

// CreateRun inserts a new execution record in RUNNING state.
func (s *Store) CreateRun(ctx context.Context, serviceID int64) (*Run, error) {
	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO execution_records (id, service_id, status)
		VALUES ($1, $2, 'RUNNING')
		RETURNING `+runColumns, id, serviceID)
	return scanRun(row)
}

// FinalizeRun performs the single RUNNING→terminal transition. A record
// that already reached a terminal state is left untouched.
func (s *Store) FinalizeRun(ctx context.Context, id uuid.UUID, out RunOutcome) error {
	var errMsg *string
	if out.ErrorMessage != "" {
		errMsg = &out.ErrorMessage
	}
	details := out.Details
	if details == nil {
		details = map[string]any{}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE execution_records
		SET status = $2,
		    finished_at = NOW(),
		    messages_seen = $3,
		    messages_new = $4,
		    attachments_processed = $5,
		    items_extracted = $6,
		    error_message = $7,
		    details = $8
		WHERE id = $1 AND status = 'RUNNING'
	`, id, out.Status, out.MessagesSeen, out.MessagesNew,
		out.AttachmentsProcessed, out.ItemsExtracted, errMsg, details)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a single execution record.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM execution_records WHERE id = $1
	`, id)
	return scanRun(row)
}

// LastRun returns the most recent execution record for a service, or
// ErrNotFound if the service never ran.
func (s *Store) LastRun(ctx context.Context, serviceID int64) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM execution_records
		WHERE service_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, serviceID)
	return scanRun(row)
}

// ListRuns returns execution records for a service within a date range,
// newest first.
func (s *Store) ListRuns(ctx context.Context, serviceID int64, from, to time.Time, limit, offset int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM execution_records
		WHERE service_id = $1 AND started_at >= $2 AND started_at < $3
		ORDER BY started_at DESC
		LIMIT $4 OFFSET $5
	`, serviceID, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.ServiceID, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.MessagesSeen, &r.MessagesNew, &r.AttachmentsProcessed,
			&r.ItemsExtracted, &r.ErrorMessage, &r.Details,
		); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.ServiceID, &r.StartedAt, &r.FinishedAt, &r.Status,
		&r.MessagesSeen, &r.MessagesNew, &r.AttachmentsProcessed,
		&r.ItemsExtracted, &r.ErrorMessage, &r.Details,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
