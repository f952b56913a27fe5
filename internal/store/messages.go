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
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/claimsflow/ingestion/internal/models"
)

// Message is one ingested mail message as persisted.
type Message struct {
	ID             int64                `json:"id"`
	ServiceID      int64                `json:"service_id"`
	TenantID       string               `json:"tenant_id"`
	MessageID      string               `json:"message_id"`
	Sender         string               `json:"sender"`
	Recipients     string               `json:"recipients"`
	Subject        string               `json:"subject"`
	ReceivedAt     *time.Time           `json:"received_at,omitempty"`
	Status         models.MessageStatus `json:"status"`
	MatchedRuleID  *int64               `json:"matched_rule_id,omitempty"`
	ItemsExtracted int                  `json:"items_extracted"`
	ProcessedAt    *time.Time           `json:"processed_at,omitempty"`
	ErrorMessage   *string              `json:"error_message,omitempty"`
	Tags           []string             `json:"tags"`
	CreatedAt      time.Time            `json:"created_at"`
}

// InsertMessage persists a freshly fetched message in PENDING state,
// keyed by the provider-native source identifier. The
// (tenant_id, message_id) unique index enforces the all-time dedup
// invariant: a duplicate insert is a no-op and returns created=false.
func (s *Store) InsertMessage(ctx context.Context, serviceID int64, tenantID string, msg *models.MailMessage) (int64, bool, error) {
	recipients := make([]string, 0, len(msg.To))
	for _, to := range msg.To {
		recipients = append(recipients, to.Address)
	}

	var receivedAt *time.Time
	if !msg.ReceivedAt.IsZero() {
		t := msg.ReceivedAt
		receivedAt = &t
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingested_messages
			(service_id, tenant_id, message_id, sender, recipients,
			 subject, received_at, text_body, html_body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, message_id) DO NOTHING
		RETURNING id
	`, serviceID, tenantID, msg.SourceID, msg.From.Address,
		strings.Join(recipients, ", "), msg.Subject, receivedAt,
		msg.TextBody, msg.HTMLBody).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// MessageExists reports whether a provider message identifier was
// already ingested for the tenant.
func (s *Store) MessageExists(ctx context.Context, tenantID, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ingested_messages
			WHERE tenant_id = $1 AND message_id = $2
		)
	`, tenantID, messageID).Scan(&exists)
	return exists, err
}

// ListMessages returns a service's ingested messages newest-first,
// optionally filtered by lifecycle status.
func (s *Store) ListMessages(ctx context.Context, serviceID int64, status models.MessageStatus, limit, offset int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, service_id, tenant_id, message_id, sender, recipients,
		       subject, received_at, status, matched_rule_id,
		       items_extracted, processed_at, error_message, tags, created_at
		FROM ingested_messages
		WHERE service_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, serviceID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ServiceID, &m.TenantID, &m.MessageID,
			&m.Sender, &m.Recipients, &m.Subject, &m.ReceivedAt, &m.Status,
			&m.MatchedRuleID, &m.ItemsExtracted, &m.ProcessedAt,
			&m.ErrorMessage, &m.Tags, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SetMessageStatus moves a message through its lifecycle. PROCESSED
// also stamps processed_at.
func (s *Store) SetMessageStatus(ctx context.Context, id int64, status models.MessageStatus, errMsg string) error {
	var errText *string
	if errMsg != "" {
		errText = &errMsg
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ingested_messages
		SET status = $2,
		    error_message = COALESCE($3, error_message),
		    processed_at = CASE WHEN $2 = 'PROCESSED' THEN NOW() ELSE processed_at END
		WHERE id = $1
	`, id, status, errText)
	return err
}

// SetMessageRule records which rule classified the message.
func (s *Store) SetMessageRule(ctx context.Context, id, ruleID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingested_messages SET matched_rule_id = $2 WHERE id = $1
	`, id, ruleID)
	return err
}

// SetMessageItems records how many items the extraction collaborator produced.
func (s *Store) SetMessageItems(ctx context.Context, id int64, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingested_messages SET items_extracted = $2 WHERE id = $1
	`, id, count)
	return err
}

// AddMessageTag appends a tag to the message's tag list, deduplicated.
func (s *Store) AddMessageTag(ctx context.Context, id int64, tag string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingested_messages
		SET tags = tags || to_jsonb($2::text)
		WHERE id = $1 AND NOT tags ? $2
	`, id, tag)
	return err
}

// SetMessageMetadata sets one key in the message's metadata bag.
func (s *Store) SetMessageMetadata(ctx context.Context, id int64, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingested_messages
		SET metadata = metadata || jsonb_build_object($2::text, $3::text)
		WHERE id = $1
	`, id, key, value)
	return err
}

// InsertAttachment creates the attachment row for a stored part.
func (s *Store) InsertAttachment(ctx context.Context, messageRowID int64, filename, contentType string, size int64, blobKey string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO message_attachments (message_id, filename, content_type, size_bytes, blob_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, messageRowID, filename, contentType, size, blobKey).Scan(&id)
	return id, err
}

// MarkAttachmentProcessed flags an attachment as handed to extraction.
func (s *Store) MarkAttachmentProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE message_attachments SET processed = TRUE, process_error = NULL WHERE id = $1
	`, id)
	return err
}

// MarkAttachmentError keeps the attachment unprocessed and retains the
// error text for later inspection.
func (s *Store) MarkAttachmentError(ctx context.Context, id int64, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE message_attachments SET processed = FALSE, process_error = $2 WHERE id = $1
	`, id, errText)
	return err
}

// DailyStat is one row of the per-tenant daily aggregate counters.
type DailyStat struct {
	TenantID       string    `json:"tenant_id"`
	Day            time.Time `json:"day"`
	Processed      int       `json:"processed"`
	ItemsExtracted int       `json:"items_extracted"`
	Pending        int       `json:"pending"`
	Errors         int       `json:"errors"`
}

// BumpDailyStats increments the day's counters for a tenant and
// refreshes the pending snapshot from the message table.
func (s *Store) BumpDailyStats(ctx context.Context, tenantID string, day time.Time, processed, items, errs int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_stats (tenant_id, day, processed, items_extracted, pending, errors)
		VALUES ($1, $2, $3, $4,
			(SELECT COUNT(*) FROM ingested_messages WHERE tenant_id = $1 AND status = 'PENDING'),
			$5)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			processed       = daily_stats.processed + EXCLUDED.processed,
			items_extracted = daily_stats.items_extracted + EXCLUDED.items_extracted,
			pending         = EXCLUDED.pending,
			errors          = daily_stats.errors + EXCLUDED.errors,
			updated_at      = NOW()
	`, tenantID, day, processed, items, errs)
	return err
}

// ListDailyStats returns the aggregate counters for a tenant/date range.
func (s *Store) ListDailyStats(ctx context.Context, tenantID string, from, to time.Time) ([]DailyStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, day, processed, items_extracted, pending, errors
		FROM daily_stats
		WHERE tenant_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day
	`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var d DailyStat
		if err := rows.Scan(&d.TenantID, &d.Day, &d.Processed, &d.ItemsExtracted, &d.Pending, &d.Errors); err != nil {
			return nil, err
		}
		stats = append(stats, d)
	}
	return stats, rows.Err()
}
