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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/models"
)

// imapSource speaks IMAP4rev1 via go-imap. Message identifiers are
// "uidvalidity:uid" so a stored identifier from a previous run can be
// detected as stale if the server resets its UID space.
type imapSource struct {
	creds *credentials.Credentials
	opts  Options

	conn        net.Conn
	client      *imapclient.Client
	uidValidity uint32
}

func newIMAPSource(creds *credentials.Credentials, opts Options) *imapSource {
	return &imapSource{creds: creds, opts: opts}
}

func (s *imapSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Err: err}
	}

	port := s.creds.Port
	if port == 0 {
		if s.creds.UseTLS {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(s.creds.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: s.opts.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("dialing %s: %w", addr, err)}
	}
	// Greeting, handshake, login and select share one deadline. A server
	// that accepts the connection but never answers must not hold a
	// worker-pool slot past the operation timeout.
	conn.SetDeadline(time.Now().Add(s.opts.timeout()))

	tlsConfig := &tls.Config{ServerName: s.creds.Host}
	var client *imapclient.Client
	if s.creds.UseTLS {
		client = imapclient.New(tls.Client(conn, tlsConfig), nil)
	} else {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			conn.Close()
			return &ConnectionError{Err: fmt.Errorf("starttls with %s: %w", addr, err)}
		}
	}

	if err := client.Login(s.creds.Username, s.creds.Secret).Wait(); err != nil {
		client.Close()
		return &ConnectionError{Err: fmt.Errorf("login as %s: %w", s.creds.Username, err)}
	}

	selected, err := client.Select(s.opts.folder(), nil).Wait()
	if err != nil {
		client.Close()
		return &ConnectionError{Err: fmt.Errorf("selecting %s: %w", s.opts.folder(), err)}
	}

	conn.SetDeadline(time.Time{})
	s.conn = conn
	s.client = client
	s.uidValidity = selected.UIDValidity
	return nil
}

// lease puts the operation timeout on the connection for one protocol
// exchange; the returned func lifts it again.
func (s *imapSource) lease() func() {
	s.conn.SetDeadline(time.Now().Add(s.opts.timeout()))
	return func() { s.conn.SetDeadline(time.Time{}) }
}

func (s *imapSource) ListUnseen(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.lease()()
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH UNSEEN: %w", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, fmt.Sprintf("%d:%d", s.uidValidity, uid))
	}
	return ids, nil
}

func (s *imapSource) Fetch(ctx context.Context, id string) (*models.MailMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uid, err := s.parseID(id)
	if err != nil {
		return nil, err
	}

	defer s.lease()()
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching uid %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid %d not found in %s", uid, s.opts.folder())
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("uid %d: server returned no body section", uid)
	}
	return parseRaw(bytes.NewReader(raw), id)
}

func (s *imapSource) MarkConsumed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	uid, err := s.parseID(id)
	if err != nil {
		return err
	}
	defer s.lease()()
	storeCmd := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("marking uid %d seen: %w", uid, err)
	}
	return nil
}

func (s *imapSource) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	s.conn.SetDeadline(time.Now().Add(s.opts.timeout()))
	if err := client.Logout().Wait(); err != nil {
		return client.Close()
	}
	return nil
}

// parseID splits a "uidvalidity:uid" identifier and rejects ones minted
// under a different UIDVALIDITY than the current session's.
func (s *imapSource) parseID(id string) (imap.UID, error) {
	validityPart, uidPart, ok := strings.Cut(id, ":")
	if !ok {
		return 0, fmt.Errorf("malformed IMAP message identifier %q", id)
	}
	validity, err := strconv.ParseUint(validityPart, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed IMAP message identifier %q: %w", id, err)
	}
	if uint32(validity) != s.uidValidity {
		return 0, fmt.Errorf("stale identifier %q: mailbox UIDVALIDITY is now %d", id, s.uidValidity)
	}
	uid, err := strconv.ParseUint(uidPart, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed IMAP message identifier %q: %w", id, err)
	}
	return imap.UID(uid), nil
}
