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

package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/store"
)

func sampleMessage() *models.MailMessage {
	return &models.MailMessage{
		SourceID:  "src-1",
		MessageID: "abc@example.com",
		From:      models.EmailAddress{Address: "Billing@Insurer.example", Name: "Billing"},
		To: []models.EmailAddress{
			{Address: "claims@clinic.example"},
			{Address: "backoffice@clinic.example"},
		},
		Subject:    "Monthly Invoice #2",
		ReceivedAt: time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		TextBody:   "Please find the invoice attached.",
		Attachments: []models.AttachmentPart{
			{Filename: "invoice-march.PDF", ContentType: "application/pdf", Data: make([]byte, 2048)},
		},
	}
}

func TestEvaluateCondition_CaseInsensitive(t *testing.T) {
	msg := sampleMessage()

	tests := []struct {
		name  string
		field models.Field
		op    models.Operator
		value string
		want  bool
	}{
		{"contains ignores case both ways", models.FieldSubject, models.OpContains, "Invoice", true},
		{"contains lowercased needle", models.FieldSubject, models.OpContains, "monthly invoice", true},
		{"contains miss", models.FieldSubject, models.OpContains, "receipt", false},
		{"not contains", models.FieldSubject, models.OpNotContains, "receipt", true},
		{"equals full subject", models.FieldSubject, models.OpEquals, "monthly invoice #2", true},
		{"not equals", models.FieldSubject, models.OpNotEquals, "something else", true},
		{"starts with", models.FieldSubject, models.OpStartsWith, "MONTHLY", true},
		{"ends with", models.FieldSubject, models.OpEndsWith, "#2", true},
		{"sender domain", models.FieldSender, models.OpEndsWith, "@insurer.example", true},
		{"recipient list", models.FieldRecipient, models.OpContains, "BACKOFFICE@clinic.example", true},
		{"body contains", models.FieldBody, models.OpContains, "ATTACHED", true},
		{"attachment name", models.FieldAttachmentName, models.OpEndsWith, ".pdf", true},
		{"attachment type", models.FieldAttachmentType, models.OpEquals, "application/pdf", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateCondition(tt.field, tt.op, tt.value, msg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_Regex(t *testing.T) {
	msg := sampleMessage()

	assert.True(t, EvaluateCondition(models.FieldSubject, models.OpRegex, `invoice #\d+`, msg),
		"regex should match case-insensitively")
	assert.False(t, EvaluateCondition(models.FieldSubject, models.OpRegex, `invoice #[`, msg),
		"invalid regex must evaluate to false, not error")
}

func TestEvaluateCondition_OrderedAndBool(t *testing.T) {
	msg := sampleMessage()

	assert.True(t, EvaluateCondition(models.FieldAttachmentTotalSize, models.OpGreaterThan, "1024", msg))
	assert.False(t, EvaluateCondition(models.FieldAttachmentTotalSize, models.OpGreaterThan, "4096", msg))
	assert.True(t, EvaluateCondition(models.FieldAttachmentTotalSize, models.OpLessThan, "4096", msg))
	assert.True(t, EvaluateCondition(models.FieldHasAttachments, models.OpIsTrue, "", msg))
	assert.False(t, EvaluateCondition(models.FieldHasAttachments, models.OpIsFalse, "", msg))
	assert.True(t, EvaluateCondition(models.FieldReceivedAt, models.OpGreaterThan, "2026-03-01T00:00:00Z", msg))
	assert.False(t, EvaluateCondition(models.FieldReceivedAt, models.OpGreaterThan, "2026-04-01T00:00:00Z", msg))

	// Unordered operands yield no ordering, hence false either way.
	assert.False(t, EvaluateCondition(models.FieldSubject, models.OpGreaterThan, "100", msg))
	assert.False(t, EvaluateCondition(models.FieldSubject, models.OpLessThan, "100", msg))
}

func TestEvaluateCondition_UnknownFieldAndOperator(t *testing.T) {
	msg := sampleMessage()

	assert.False(t, EvaluateCondition(models.Field("NONSENSE"), models.OpContains, "x", msg))
	assert.False(t, EvaluateCondition(models.FieldSubject, models.Operator("NONSENSE"), "x", msg))
}

func TestEvaluate_Composite(t *testing.T) {
	msg := sampleMessage()

	and := &store.Rule{
		Name:        "invoice with pdf",
		IsComposite: true,
		LogicalOp:   models.LogicalAnd,
		Conditions: []store.Condition{
			{Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
			{Field: models.FieldAttachmentType, Operator: models.OpContains, Value: "pdf"},
		},
	}
	require.True(t, Evaluate(and, msg))

	and.Conditions[1].Value = "zip"
	assert.False(t, Evaluate(and, msg), "AND fails when one condition fails")

	or := &store.Rule{
		Name:        "invoice or receipt",
		IsComposite: true,
		LogicalOp:   models.LogicalOr,
		Conditions: []store.Condition{
			{Field: models.FieldSubject, Operator: models.OpContains, Value: "receipt"},
			{Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
		},
	}
	assert.True(t, Evaluate(or, msg), "OR holds when any condition holds")

	or.Conditions[1].Value = "statement"
	assert.False(t, Evaluate(or, msg))

	empty := &store.Rule{Name: "broken", IsComposite: true, LogicalOp: models.LogicalAnd}
	assert.False(t, Evaluate(empty, msg), "composite without conditions is false")
}

func TestSelectRule_FirstMatchWins(t *testing.T) {
	msg := sampleMessage()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Pre-sorted by (priority, created_at) the way the store returns it.
	ruleset := []*store.Rule{
		{ID: 1, Name: "no match", Priority: 1, Active: true,
			Field: models.FieldSubject, Operator: models.OpContains, Value: "receipt"},
		{ID: 2, Name: "first match", Priority: 2, Active: true,
			Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
		{ID: 3, Name: "also matches", Priority: 3, Active: true,
			Field: models.FieldSender, Operator: models.OpContains, Value: "insurer"},
	}

	winner := SelectRule(ruleset, msg, now)
	require.NotNil(t, winner)
	assert.Equal(t, int64(2), winner.ID, "the lowest-priority matching rule wins")
}

func TestSelectRule_ValidityWindow(t *testing.T) {
	msg := sampleMessage()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)

	ruleset := []*store.Rule{
		{ID: 1, Name: "disabled", Priority: 1, Active: false,
			Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
		{ID: 2, Name: "expired", Priority: 2, Active: true, ActiveUntil: &past,
			Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
		{ID: 3, Name: "not yet", Priority: 3, Active: true, ActiveFrom: &future,
			Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
		{ID: 4, Name: "in window", Priority: 4, Active: true, ActiveFrom: &past, ActiveUntil: &future,
			Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
	}

	winner := SelectRule(ruleset, msg, now)
	require.NotNil(t, winner)
	assert.Equal(t, int64(4), winner.ID)

	assert.Nil(t, SelectRule(ruleset[:3], msg, now), "no rule in its window means no winner")
}

func TestExtractField_BodyFallbackAndReceivedAt(t *testing.T) {
	msg := sampleMessage()
	msg.TextBody = ""
	msg.HTMLBody = "<p>HTML only</p>"

	body, ok := ExtractField(models.FieldBody, msg)
	require.True(t, ok)
	assert.Contains(t, body, "HTML only")

	msg.ReceivedAt = time.Time{}
	ts, ok := ExtractField(models.FieldReceivedAt, msg)
	require.True(t, ok)
	assert.Empty(t, ts)
}

func TestExplain_ReportsEveryCondition(t *testing.T) {
	msg := sampleMessage()
	r := &store.Rule{
		Name:        "invoice with pdf",
		IsComposite: true,
		LogicalOp:   models.LogicalAnd,
		Conditions: []store.Condition{
			{Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice"},
			{Field: models.FieldAttachmentType, Operator: models.OpContains, Value: "zip"},
		},
	}

	ex := Explain(r, msg)
	assert.False(t, ex.Matched)
	assert.Len(t, ex.Lines, 3, "one line per condition plus the combination line")
}
