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
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/models"
)

const gmailPageSize = 500

// gmailSource reads a mailbox through the Gmail REST API using the
// tenant's OAuth token. "Unseen" maps to the UNREAD label and
// MarkConsumed removes it. Identifiers are Gmail's own message ids,
// which are stable for the life of the message.
type gmailSource struct {
	creds *credentials.Credentials
	opts  Options

	svc *gmail.Service
}

func newGmailSource(creds *credentials.Credentials, opts Options) *gmailSource {
	return &gmailSource{creds: creds, opts: opts}
}

// opCtx bounds one REST call with the operation timeout; the run
// context alone carries no deadline.
func (s *gmailSource) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.timeout())
}

func (s *gmailSource) Connect(ctx context.Context) error {
	ts := s.creds.TokenSource(ctx)
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("building gmail client: %w", err)}
	}
	// Cheap call that fails fast on revoked or malformed tokens.
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := svc.Users.GetProfile("me").Context(opCtx).Do(); err != nil {
		return &ConnectionError{Err: fmt.Errorf("gmail profile check: %w", err)}
	}
	s.svc = svc
	return nil
}

func (s *gmailSource) ListUnseen(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		resp, err := s.listPage(ctx, pageToken)
		if err != nil {
			return nil, fmt.Errorf("listing unread messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (s *gmailSource) listPage(ctx context.Context, pageToken string) (*gmail.ListMessagesResponse, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	call := s.svc.Users.Messages.List("me").
		MaxResults(gmailPageSize).
		Context(opCtx)
	if folder := s.opts.folder(); strings.EqualFold(folder, "INBOX") {
		call = call.LabelIds("UNREAD", "INBOX")
	} else {
		call = call.LabelIds("UNREAD").Q("in:" + folder)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (s *gmailSource) Fetch(ctx context.Context, id string) (*models.MailMessage, error) {
	opCtx, cancel := s.opCtx(ctx)
	gm, err := s.svc.Users.Messages.Get("me", id).Format("full").Context(opCtx).Do()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}

	msg := &models.MailMessage{
		SourceID:   id,
		ReceivedAt: time.UnixMilli(gm.InternalDate).UTC(),
	}
	if gm.Payload == nil {
		return msg, nil
	}

	for _, h := range gm.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "message-id":
			msg.MessageID = strings.Trim(h.Value, "<>")
		case "subject":
			msg.Subject = h.Value
		case "from":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				msg.From = models.EmailAddress{Name: addr.Name, Address: addr.Address}
			} else {
				msg.From = models.EmailAddress{Address: h.Value}
			}
		case "to", "cc":
			addrs, err := mail.ParseAddressList(h.Value)
			if err != nil {
				slog.Warn("unparseable recipient header", "gmail_id", id, "header", h.Name)
				continue
			}
			for _, a := range addrs {
				msg.To = append(msg.To, models.EmailAddress{Name: a.Name, Address: a.Address})
			}
		}
	}

	if err := s.walkPart(ctx, id, gm.Payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// walkPart descends the Gmail part tree, filling bodies and pulling
// attachment payloads (inline or via the attachments endpoint).
func (s *gmailSource) walkPart(ctx context.Context, msgID string, part *gmail.MessagePart, msg *models.MailMessage) error {
	if part.Filename != "" {
		data, err := s.partData(ctx, msgID, part)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", part.Filename, err)
		}
		msg.Attachments = append(msg.Attachments, models.AttachmentPart{
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Data:        data,
		})
		return nil
	}

	switch {
	case strings.HasPrefix(part.MimeType, "text/plain") && msg.TextBody == "":
		data, err := s.partData(ctx, msgID, part)
		if err != nil {
			return err
		}
		msg.TextBody = string(data)
	case strings.HasPrefix(part.MimeType, "text/html") && msg.HTMLBody == "":
		data, err := s.partData(ctx, msgID, part)
		if err != nil {
			return err
		}
		msg.HTMLBody = string(data)
	}

	for _, child := range part.Parts {
		if err := s.walkPart(ctx, msgID, child, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *gmailSource) partData(ctx context.Context, msgID string, part *gmail.MessagePart) ([]byte, error) {
	if part.Body == nil {
		return nil, nil
	}
	if part.Body.AttachmentId != "" {
		opCtx, cancel := s.opCtx(ctx)
		defer cancel()
		att, err := s.svc.Users.Messages.Attachments.Get("me", msgID, part.Body.AttachmentId).Context(opCtx).Do()
		if err != nil {
			return nil, fmt.Errorf("downloading attachment body: %w", err)
		}
		return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(att.Data)
	}
	if part.Body.Data == "" {
		return nil, nil
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
}

func (s *gmailSource) MarkConsumed(ctx context.Context, id string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.svc.Users.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(opCtx).Do()
	if err != nil {
		return fmt.Errorf("clearing UNREAD on %s: %w", id, err)
	}
	return nil
}

// Close is a no-op; the Gmail client is stateless HTTP.
func (s *gmailSource) Close() error {
	s.svc = nil
	return nil
}
