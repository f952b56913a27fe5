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

package mailsource

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/models"
)

// deadlineConn arms the operation timeout before every read and write,
// so a stalled POP3 exchange errors out instead of pinning a worker.
// go-pop3 exposes no per-command deadline of its own.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

type deadlineDialer struct {
	timeout time.Duration
}

func (d deadlineDialer) Dial(network, address string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.timeout}).Dial(network, address)
	if err != nil {
		return nil, err
	}
	return &deadlineConn{Conn: conn, timeout: d.timeout}, nil
}

// pop3Source speaks POP3 via go-pop3. POP3 has no read flag, so every
// message on the server is "unseen" and duplicate suppression happens
// entirely downstream. Identifiers are UIDL values, which survive
// across sessions; sequence numbers are remapped on every connect.
type pop3Source struct {
	creds *credentials.Credentials
	opts  Options

	conn     *pop3.Conn
	seqByUID map[string]int
}

func newPOP3Source(creds *credentials.Credentials, opts Options) *pop3Source {
	return &pop3Source{creds: creds, opts: opts}
}

func (s *pop3Source) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Err: err}
	}

	port := s.creds.Port
	if port == 0 {
		if s.creds.UseTLS {
			port = 995
		} else {
			port = 110
		}
	}

	client := pop3.New(pop3.Opt{
		Host:       s.creds.Host,
		Port:       port,
		TLSEnabled: s.creds.UseTLS,
		Dialer:     deadlineDialer{timeout: s.opts.timeout()},
	})
	conn, err := client.NewConn()
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("dialing %s:%d: %w", s.creds.Host, port, err)}
	}
	if err := conn.Auth(s.creds.Username, s.creds.Secret); err != nil {
		conn.Quit()
		return &ConnectionError{Err: fmt.Errorf("authenticating as %s: %w", s.creds.Username, err)}
	}

	s.conn = conn
	s.seqByUID = nil
	return nil
}

func (s *pop3Source) ListUnseen(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("UIDL: %w", err)
	}

	s.seqByUID = make(map[string]int, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		s.seqByUID[e.UID] = e.ID
		ids = append(ids, e.UID)
	}
	return ids, nil
}

func (s *pop3Source) Fetch(ctx context.Context, id string) (*models.MailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, err := s.seq(id)
	if err != nil {
		return nil, err
	}
	entity, err := s.conn.Retr(seq)
	if err != nil {
		return nil, fmt.Errorf("RETR %d: %w", seq, err)
	}
	return parseEntity(entity, id)
}

// MarkConsumed deletes the message. POP3 offers no read flag, so a
// tenant with markAsRead disabled must never reach this path; dedup
// keeps re-listed messages from re-ingesting.
func (s *pop3Source) MarkConsumed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, err := s.seq(id)
	if err != nil {
		return err
	}
	if err := s.conn.Dele(seq); err != nil {
		return fmt.Errorf("DELE %d: %w", seq, err)
	}
	return nil
}

func (s *pop3Source) Close() error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return conn.Quit()
}

func (s *pop3Source) seq(id string) (int, error) {
	seq, ok := s.seqByUID[id]
	if !ok {
		return 0, fmt.Errorf("unknown POP3 message identifier %q in this session", id)
	}
	return seq, nil
}
