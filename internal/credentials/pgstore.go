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

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/claimsflow/ingestion/internal/models"
)

// PGStore is the Postgres-backed credential store. The configuration
// layer writes these rows during mailbox setup and the OAuth consent
// flow; the engine reads and refreshes.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the credential store and ensures its table exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure credential schema: %w", err)
	}
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailbox_credentials (
			id            BIGSERIAL PRIMARY KEY,
			tenant_id     TEXT NOT NULL UNIQUE,
			protocol      TEXT NOT NULL DEFAULT 'imap',
			host          TEXT NOT NULL DEFAULT '',
			port          INT NOT NULL DEFAULT 0,
			use_tls       BOOLEAN NOT NULL DEFAULT TRUE,
			username      TEXT NOT NULL DEFAULT '',
			secret        TEXT NOT NULL DEFAULT '',
			client_id     TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_expiry  TIMESTAMPTZ,
			authorized    BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

// GetCredentials implements Store.
func (s *PGStore) GetCredentials(ctx context.Context, tenantID string) (*Credentials, error) {
	var (
		c           Credentials
		protocol    string
		accessToken string
		refresh     string
		expiry      *time.Time
		authorized  bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT protocol, host, port, use_tls, username, secret,
		       client_id, client_secret, access_token, refresh_token,
		       token_expiry, authorized
		FROM mailbox_credentials
		WHERE tenant_id = $1
	`, tenantID).Scan(
		&protocol, &c.Host, &c.Port, &c.UseTLS, &c.Username, &c.Secret,
		&c.ClientID, &c.ClientSecret, &accessToken, &refresh, &expiry, &authorized,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}

	c.Protocol = models.Protocol(protocol)
	if c.Protocol == models.ProtocolGmail {
		if !authorized {
			return nil, ErrInvalid
		}
		c.Token = &oauth2.Token{
			AccessToken:  accessToken,
			RefreshToken: refresh,
			TokenType:    "Bearer",
		}
		if expiry != nil {
			c.Token.Expiry = *expiry
		}
	}
	return &c, nil
}

// IsTokenValid implements Store. Password protocols are valid when a
// secret is present; OAuth protocols when the access token has not
// reached its expiry slack.
func (s *PGStore) IsTokenValid(ctx context.Context, tenantID string) (bool, error) {
	creds, err := s.GetCredentials(ctx, tenantID)
	if errors.Is(err, ErrInvalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch creds.Protocol {
	case models.ProtocolIMAP, models.ProtocolPOP3:
		return creds.Host != "" && creds.Username != "" && creds.Secret != "", nil
	case models.ProtocolGmail:
		if creds.Token == nil || creds.Token.AccessToken == "" {
			return false, nil
		}
		if creds.Token.Expiry.IsZero() {
			return true, nil
		}
		return time.Now().Add(expirySlack).Before(creds.Token.Expiry), nil
	default:
		return false, nil
	}
}

// RefreshToken implements Store. Only OAuth protocols refresh; password
// protocols have nothing to renew and return false so an invalid
// password stays invalid until reconfigured.
func (s *PGStore) RefreshToken(ctx context.Context, tenantID string) (bool, error) {
	creds, err := s.GetCredentials(ctx, tenantID)
	if errors.Is(err, ErrInvalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if creds.Protocol != models.ProtocolGmail {
		return false, nil
	}
	if creds.Token == nil || creds.Token.RefreshToken == "" {
		return false, nil
	}

	token, err := creds.TokenSource(ctx).Token()
	if err != nil {
		slog.Warn("oauth token refresh failed", "tenant", tenantID, "error", err)
		return false, nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE mailbox_credentials
		SET access_token = $2,
		    refresh_token = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token END,
		    token_expiry = $4,
		    updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, token.AccessToken, token.RefreshToken, token.Expiry)
	if err != nil {
		return false, fmt.Errorf("persist refreshed token: %w", err)
	}

	slog.Info("oauth token refreshed", "tenant", tenantID, "expires_at", token.Expiry)
	return true, nil
}
