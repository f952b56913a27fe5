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

// Package credentials supplies per-tenant mailbox connection secrets and
// the OAuth token lifecycle. The engine consumes this store; it never
// owns the consent flow that produced the tokens.
package credentials

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/claimsflow/ingestion/internal/models"
)

// ErrInvalid indicates missing, unauthorized, or unrefreshable
// credentials. Scheduling preconditions surface it as a precondition
// failure.
var ErrInvalid = errors.New("mailbox credentials invalid or unauthorized")

// Credentials is everything a protocol adapter needs to open a mailbox.
type Credentials struct {
	Protocol models.Protocol
	Host     string
	Port     int
	UseTLS   bool
	Username string
	// Secret is the account password for IMAP/POP3.
	Secret string
	// Token is the OAuth token for provider-API protocols (Gmail).
	Token        *oauth2.Token
	ClientID     string
	ClientSecret string
}

// TokenSource returns a self-refreshing oauth2 token source for
// provider-API protocols.
func (c *Credentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
	return conf.TokenSource(ctx, c.Token)
}

// Store is the consumed credential interface. Implementations live
// outside the engine's write path: the engine only reads, validates,
// and refreshes.
type Store interface {
	// GetCredentials returns the connection secrets for a tenant's
	// mailbox, or ErrInvalid when none are configured.
	GetCredentials(ctx context.Context, tenantID string) (*Credentials, error)

	// IsTokenValid reports whether the tenant's credentials are usable
	// right now without a refresh.
	IsTokenValid(ctx context.Context, tenantID string) (bool, error)

	// RefreshToken attempts to refresh an expired OAuth token.
	// Returns false when the refresh failed or does not apply.
	RefreshToken(ctx context.Context, tenantID string) (bool, error)
}

// Verify checks credentials end to end the way the scheduler
// preconditions need it: valid now, or refreshable. Returns ErrInvalid
// otherwise.
func Verify(ctx context.Context, s Store, tenantID string) error {
	valid, err := s.IsTokenValid(ctx, tenantID)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}

	refreshed, err := s.RefreshToken(ctx, tenantID)
	if err != nil {
		return err
	}
	if !refreshed {
		return ErrInvalid
	}
	return nil
}

// expirySlack keeps a token "invalid" slightly before its real expiry
// so a run never starts with a token about to lapse mid-connection.
const expirySlack = 2 * time.Minute
