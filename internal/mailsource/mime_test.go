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
	"strings"
	"testing"
	"time"
)

const multipartMessage = "Message-ID: <claim-42@insurer.example>\r\n" +
	"From: \"Acme Billing\" <billing@insurer.example>\r\n" +
	"To: intake@clinic.example\r\n" +
	"Cc: audit@clinic.example\r\n" +
	"Subject: Invoice #42\r\n" +
	"Date: Tue, 10 Mar 2026 09:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please find the invoice attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Please find the invoice attached.</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice-42.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer--\r\n"

func TestParseRaw_MultipartMessage(t *testing.T) {
	msg, err := parseRaw(strings.NewReader(multipartMessage), "100:7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if msg.SourceID != "100:7" {
		t.Errorf("source id = %q, want 100:7", msg.SourceID)
	}
	if msg.MessageID != "claim-42@insurer.example" {
		t.Errorf("message id = %q", msg.MessageID)
	}
	if msg.Subject != "Invoice #42" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.From.Address != "billing@insurer.example" || msg.From.Name != "Acme Billing" {
		t.Errorf("from = %+v", msg.From)
	}
	if len(msg.To) != 2 {
		t.Fatalf("recipients = %d, want 2 (To + Cc)", len(msg.To))
	}
	if msg.To[1].Address != "audit@clinic.example" {
		t.Errorf("cc recipient = %q", msg.To[1].Address)
	}

	want := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	if !msg.ReceivedAt.Equal(want) {
		t.Errorf("received at = %v, want %v", msg.ReceivedAt, want)
	}

	if got := strings.TrimSpace(msg.TextBody); got != "Please find the invoice attached." {
		t.Errorf("text body = %q", got)
	}
	if !strings.Contains(msg.HTMLBody, "<p>") {
		t.Errorf("html body = %q", msg.HTMLBody)
	}

	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "invoice-42.pdf" {
		t.Errorf("attachment filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("attachment content type = %q", att.ContentType)
	}
	if string(att.Data) != "%PDF-1.4" {
		t.Errorf("attachment data = %q, want decoded base64 payload", att.Data)
	}
}

func TestParseRaw_PlainMessageWithoutDate(t *testing.T) {
	raw := "From: someone@example.com\r\n" +
		"Subject: hello\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body text\r\n"

	before := time.Now().Add(-time.Second)
	msg, err := parseRaw(strings.NewReader(raw), "uidl-9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if strings.TrimSpace(msg.TextBody) != "body text" {
		t.Errorf("text body = %q", msg.TextBody)
	}
	if msg.MessageID != "" {
		t.Errorf("message id = %q, want empty", msg.MessageID)
	}
	// A missing Date header falls back to the ingestion time.
	if msg.ReceivedAt.Before(before) {
		t.Errorf("received at = %v, want roughly now", msg.ReceivedAt)
	}
}
