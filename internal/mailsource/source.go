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

// Package mailsource normalizes heterogeneous mail protocols (IMAP,
// POP3, Gmail-over-OAuth) behind one capability interface: list unseen
// messages, fetch one with attachments, mark it consumed.
package mailsource

import (
	"context"
	"fmt"
	"time"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/models"
)

// ConnectionError marks failures opening or authenticating the mailbox
// session. A run that sees one aborts with status ERROR and no partial
// progress; per-message fetch errors are ordinary errors instead.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "mailbox connection: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// Source is the capability interface all protocol adapters implement.
//
// Identifiers returned by ListUnseen are the stable, opaque dedup keys
// persisted on IngestedMessage; Fetch echoes the same identifier on the
// returned message. Close must be safe on every exit path.
type Source interface {
	// Connect acquires the network session. Failures are ConnectionErrors.
	Connect(ctx context.Context) error

	// ListUnseen returns provider-native identifiers of messages not
	// yet marked consumed.
	ListUnseen(ctx context.Context) ([]string, error)

	// Fetch retrieves headers, bodies, and attachment parts for one
	// identifier.
	Fetch(ctx context.Context, id string) (*models.MailMessage, error)

	// MarkConsumed marks a message read (IMAP/Gmail) or deletes it
	// (POP3). Callers gate this on the tenant's markAsRead flag.
	MarkConsumed(ctx context.Context, id string) error

	// Close releases the session. Idempotent.
	Close() error
}

// Options tune adapter behavior common to all protocols.
type Options struct {
	// Folder is the monitored mailbox folder (default INBOX).
	Folder string
	// OpTimeout bounds each protocol operation (connect, list, fetch).
	OpTimeout time.Duration
}

func (o Options) folder() string {
	if o.Folder == "" {
		return "INBOX"
	}
	return o.Folder
}

func (o Options) timeout() time.Duration {
	if o.OpTimeout <= 0 {
		return 2 * time.Minute
	}
	return o.OpTimeout
}

// New builds the protocol adapter for the given credentials.
func New(creds *credentials.Credentials, opts Options) (Source, error) {
	switch creds.Protocol {
	case models.ProtocolIMAP:
		return newIMAPSource(creds, opts), nil
	case models.ProtocolPOP3:
		return newPOP3Source(creds, opts), nil
	case models.ProtocolGmail:
		return newGmailSource(creds, opts), nil
	default:
		return nil, fmt.Errorf("unsupported mailbox protocol %q", creds.Protocol)
	}
}

// TestConnection opens and immediately closes a session, for the admin
// surface's connection check.
func TestConnection(ctx context.Context, creds *credentials.Credentials, opts Options) error {
	src, err := New(creds, opts)
	if err != nil {
		return err
	}
	if err := src.Connect(ctx); err != nil {
		return err
	}
	return src.Close()
}
