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

// Package rules evaluates tenant-defined filter rules against normalized
// mail messages: field extraction, simple and composite boolean
// predicates, first-match selection, and action application.
//
// Evaluation never fails: unknown fields, unknown operators, and invalid
// regular expressions all evaluate to false with a logged warning so one
// bad rule cannot abort a run.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/store"
)

// ExtractField maps a rule field to its string representation for the
// given message. ok is false for unrecognized fields.
func ExtractField(field models.Field, msg *models.MailMessage) (string, bool) {
	switch field {
	case models.FieldSender:
		return msg.From.Address, true
	case models.FieldRecipient:
		addrs := make([]string, 0, len(msg.To))
		for _, to := range msg.To {
			addrs = append(addrs, to.Address)
		}
		return strings.Join(addrs, ", "), true
	case models.FieldSubject:
		return msg.Subject, true
	case models.FieldBody:
		if msg.TextBody != "" {
			return msg.TextBody, true
		}
		return msg.HTMLBody, true
	case models.FieldAttachmentName:
		names := make([]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			names = append(names, a.Filename)
		}
		return strings.Join(names, ", "), true
	case models.FieldAttachmentType:
		types := make([]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			types = append(types, a.ContentType)
		}
		return strings.Join(types, ", "), true
	case models.FieldAttachmentTotalSize:
		return strconv.FormatInt(msg.AttachmentTotalSize(), 10), true
	case models.FieldHasAttachments:
		return strconv.FormatBool(msg.HasAttachments()), true
	case models.FieldReceivedAt:
		if msg.ReceivedAt.IsZero() {
			return "", true
		}
		return msg.ReceivedAt.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}

// EvaluateCondition applies one (field, operator, value) triple to a
// message. String comparisons are case-insensitive; both operands are
// lowercased before comparison.
func EvaluateCondition(field models.Field, op models.Operator, value string, msg *models.MailMessage) bool {
	extracted, ok := ExtractField(field, msg)
	if !ok {
		slog.Warn("rule evaluation: unrecognized field", "field", field)
		return false
	}

	haystack := strings.ToLower(extracted)
	needle := strings.ToLower(value)

	switch op {
	case models.OpContains:
		return strings.Contains(haystack, needle)
	case models.OpNotContains:
		return !strings.Contains(haystack, needle)
	case models.OpEquals:
		return haystack == needle
	case models.OpNotEquals:
		return haystack != needle
	case models.OpStartsWith:
		return strings.HasPrefix(haystack, needle)
	case models.OpEndsWith:
		return strings.HasSuffix(haystack, needle)
	case models.OpRegex:
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			slog.Warn("rule evaluation: invalid regex", "pattern", value, "error", err)
			return false
		}
		return re.MatchString(extracted)
	case models.OpGreaterThan:
		return compareOrdered(extracted, value) > 0
	case models.OpLessThan:
		return compareOrdered(extracted, value) < 0
	case models.OpIsTrue:
		return haystack == "true"
	case models.OpIsFalse:
		return haystack == "false"
	default:
		slog.Warn("rule evaluation: unrecognized operator", "operator", op)
		return false
	}
}

// compareOrdered compares two values numerically when both parse as
// numbers, as timestamps when both parse as RFC 3339, and returns 0
// (no ordering) otherwise.
func compareOrdered(a, b string) int {
	an, aerr := strconv.ParseFloat(strings.TrimSpace(a), 64)
	bn, berr := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case an > bn:
			return 1
		case an < bn:
			return -1
		default:
			return 0
		}
	}

	at, aerr2 := time.Parse(time.RFC3339, strings.TrimSpace(a))
	bt, berr2 := time.Parse(time.RFC3339, strings.TrimSpace(b))
	if aerr2 == nil && berr2 == nil {
		switch {
		case at.After(bt):
			return 1
		case at.Before(bt):
			return -1
		default:
			return 0
		}
	}

	slog.Warn("rule evaluation: operands not comparable", "left", a, "right", b)
	return 0
}

// Evaluate applies a full rule (simple or composite) to a message.
// Composite AND requires every child condition to hold; OR requires at
// least one. Children are evaluated in their stored order and may
// short-circuit since all operators are pure.
func Evaluate(r *store.Rule, msg *models.MailMessage) bool {
	if !r.IsComposite {
		return EvaluateCondition(r.Field, r.Operator, r.Value, msg)
	}

	if len(r.Conditions) == 0 {
		slog.Warn("composite rule without conditions", "rule", r.Name)
		return false
	}

	switch r.LogicalOp {
	case models.LogicalAnd:
		for _, c := range r.Conditions {
			if !EvaluateCondition(c.Field, c.Operator, c.Value, msg) {
				return false
			}
		}
		return true
	case models.LogicalOr:
		for _, c := range r.Conditions {
			if EvaluateCondition(c.Field, c.Operator, c.Value, msg) {
				return true
			}
		}
		return false
	default:
		slog.Warn("composite rule with unknown logical operator", "rule", r.Name, "op", r.LogicalOp)
		return false
	}
}

// SelectRule filters the rule set to those enabled and inside their
// validity window at now, and returns the first (lowest priority value)
// whose predicate holds. First match wins; nil means no rule matched
// and the message proceeds through default processing.
//
// The input is expected pre-sorted by (priority, created_at), which is
// how the store returns it.
func SelectRule(ruleset []*store.Rule, msg *models.MailMessage, now time.Time) *store.Rule {
	for _, r := range ruleset {
		if !r.CurrentlyActive(now) {
			continue
		}
		if Evaluate(r, msg) {
			return r
		}
	}
	return nil
}

// Explanation is the dry-run result returned by the rule test endpoint.
type Explanation struct {
	Matched bool     `json:"matched"`
	Lines   []string `json:"explanation"`
}

// Explain evaluates a rule and produces a human-readable account of
// every condition, for validating a rule before saving it.
func Explain(r *store.Rule, msg *models.MailMessage) Explanation {
	var exp Explanation

	if !r.IsComposite {
		matched := EvaluateCondition(r.Field, r.Operator, r.Value, msg)
		exp.Matched = matched
		exp.Lines = append(exp.Lines, explainCondition(r.Field, r.Operator, r.Value, msg, matched))
		return exp
	}

	results := make([]bool, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		matched := EvaluateCondition(c.Field, c.Operator, c.Value, msg)
		results = append(results, matched)
		exp.Lines = append(exp.Lines, explainCondition(c.Field, c.Operator, c.Value, msg, matched))
	}

	switch r.LogicalOp {
	case models.LogicalAnd:
		exp.Matched = true
		for _, ok := range results {
			exp.Matched = exp.Matched && ok
		}
	case models.LogicalOr:
		for _, ok := range results {
			exp.Matched = exp.Matched || ok
		}
	}
	exp.Lines = append(exp.Lines, fmt.Sprintf("%s of %d conditions → %v", r.LogicalOp, len(results), exp.Matched))
	return exp
}

func explainCondition(field models.Field, op models.Operator, value string, msg *models.MailMessage, matched bool) string {
	extracted, ok := ExtractField(field, msg)
	if !ok {
		return fmt.Sprintf("%s: unrecognized field → false", field)
	}
	return fmt.Sprintf("%s %q %s %q (case-insensitive) → %v", field, extracted, op, value, matched)
}
