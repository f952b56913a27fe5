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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/claimsflow/ingestion/internal/models"
)

// parseEntity walks a parsed MIME entity and fills a MailMessage.
// Unknown charsets and malformed inner parts degrade to whatever could
// be decoded rather than failing the whole message.
func parseEntity(entity *message.Entity, id string) (*models.MailMessage, error) {
	mr := mail.NewReader(entity)
	header := mr.Header

	msg := &models.MailMessage{SourceID: id}

	if mid, err := header.MessageID(); err == nil && mid != "" {
		msg.MessageID = mid
	}
	if subj, err := header.Subject(); err == nil {
		msg.Subject = subj
	}
	// A missing Date header parses as the zero time, not an error.
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = models.EmailAddress{Name: addrs[0].Name, Address: addrs[0].Address}
	}
	for _, field := range []string{"To", "Cc"} {
		if addrs, err := header.AddressList(field); err == nil {
			for _, a := range addrs {
				msg.To = append(msg.To, models.EmailAddress{Name: a.Name, Address: a.Address})
			}
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// go-message surfaces unknown charsets as errors while
			// still advancing; skip the part and keep walking.
			if message.IsUnknownCharset(err) {
				slog.Warn("skipping part with unknown charset", "message_id", msg.MessageID, "error", err)
				continue
			}
			return nil, fmt.Errorf("walking MIME parts: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("reading inline part", "message_id", msg.MessageID, "error", err)
				continue
			}
			switch {
			case strings.HasPrefix(ctype, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.HasPrefix(ctype, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil || filename == "" {
				filename = "unnamed"
			}
			ctype, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				slog.Warn("reading attachment part", "message_id", msg.MessageID, "filename", filename, "error", err)
				continue
			}
			msg.Attachments = append(msg.Attachments, models.AttachmentPart{
				Filename:    filename,
				ContentType: ctype,
				Data:        data,
			})
		}
	}

	return msg, nil
}

// parseRaw parses a raw RFC 5322 message body.
func parseRaw(r io.Reader, id string) (*models.MailMessage, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return parseEntity(entity, id)
}
