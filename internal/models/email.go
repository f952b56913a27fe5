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

// Package models defines the data structures shared across the ingestion engine.
package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AttachmentPart is one attachment as pulled from the mail source.
// Size and content type are preserved byte-exact from the provider.
type AttachmentPart struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// MailMessage is the normalized form of a message pulled from any
// protocol adapter (IMAP, POP3, Gmail). The rule engine and the
// ingestion pipeline only ever see this shape.
type MailMessage struct {
	// SourceID is the provider-native identifier the message was
	// fetched under (Gmail id, POP3 UIDL, IMAP uidvalidity:uid). It is
	// the dedup key; MessageID is the RFC 5322 header and may be empty.
	SourceID    string           `json:"source_id"`
	MessageID   string           `json:"message_id"`
	From        EmailAddress     `json:"from"`
	To          []EmailAddress   `json:"to"`
	Subject     string           `json:"subject"`
	ReceivedAt  time.Time        `json:"received_at"`
	TextBody    string           `json:"text_body,omitempty"`
	HTMLBody    string           `json:"html_body,omitempty"`
	Attachments []AttachmentPart `json:"attachments,omitempty"`
}

// HasAttachments reports whether the message carries any named parts.
func (m *MailMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// AttachmentTotalSize returns the summed size of all attachment parts in bytes.
func (m *MailMessage) AttachmentTotalSize() int64 {
	var total int64
	for _, a := range m.Attachments {
		total += int64(len(a.Data))
	}
	return total
}
