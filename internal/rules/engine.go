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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/store"
)

// AuditStore is the slice of the persistence layer the engine mutates:
// rule usage counters, the application audit trail, and message state
// touched by actions.
type AuditStore interface {
	TouchRuleApplied(ctx context.Context, id int64) error
	InsertRuleApplication(ctx context.Context, a store.RuleApplication) error
	SetMessageStatus(ctx context.Context, id int64, status models.MessageStatus, errMsg string) error
	SetMessageRule(ctx context.Context, id, ruleID int64) error
	AddMessageTag(ctx context.Context, id int64, tag string) error
	SetMessageMetadata(ctx context.Context, id int64, key, value string) error
}

// Notifier emits notification events for rules with the NOTIFY action.
type Notifier interface {
	PublishRuleMatch(ctx context.Context, tenantID, ruleName string, params map[string]any, msg *models.MailMessage) error
}

// Engine classifies messages against a tenant's rule set and executes
// the matched rule's action.
type Engine struct {
	store    AuditStore
	notifier Notifier
	now      func() time.Time
}

// NewEngine creates a rule engine. notifier may be nil when the NOTIFY
// action is not wired (tests).
func NewEngine(auditStore AuditStore, notifier Notifier) *Engine {
	return &Engine{
		store:    auditStore,
		notifier: notifier,
		now:      time.Now,
	}
}

// Classify evaluates the rule set against a message in priority order
// and returns the first matching rule, or nil when none matched.
//
// Every rule actually evaluated, matched or not, gets its usage
// counters bumped and an audit row appended, so the application trail
// is complete independent of the message's own lifecycle.
func (e *Engine) Classify(ctx context.Context, ruleset []*store.Rule, tenantID string, msgRowID int64, msg *models.MailMessage) (*store.Rule, error) {
	now := e.now()

	for _, r := range ruleset {
		if !r.CurrentlyActive(now) {
			continue
		}

		matched := Evaluate(r, msg)
		e.recordApplication(ctx, r, tenantID, msgRowID, matched)

		if matched {
			slog.Info("rule matched",
				"tenant", tenantID,
				"rule", r.Name,
				"action", r.Action,
				"message_id", msg.MessageID,
			)
			if err := e.store.SetMessageRule(ctx, msgRowID, r.ID); err != nil {
				return nil, fmt.Errorf("record matched rule: %w", err)
			}
			return r, nil
		}
	}
	return nil, nil
}

// recordApplication writes the audit trail for one evaluation. Audit
// failures are logged, never propagated: the trail must not be able to
// abort message processing.
func (e *Engine) recordApplication(ctx context.Context, r *store.Rule, tenantID string, msgRowID int64, matched bool) {
	if err := e.store.TouchRuleApplied(ctx, r.ID); err != nil {
		slog.Error("failed to bump rule counters", "rule", r.Name, "error", err)
	}
	if err := e.store.InsertRuleApplication(ctx, store.RuleApplication{
		RuleID:    r.ID,
		MessageID: msgRowID,
		TenantID:  tenantID,
		Matched:   matched,
		Action:    r.Action,
	}); err != nil {
		slog.Error("failed to record rule application", "rule", r.Name, "error", err)
	}
}

// ApplyAction executes the matched rule's action against the message.
// halt=true means the message's pipeline stops here (IGNORE): no
// attachment extraction, no PROCESSED transition.
func (e *Engine) ApplyAction(ctx context.Context, r *store.Rule, tenantID string, msgRowID int64, msg *models.MailMessage) (halt bool, err error) {
	switch r.Action {
	case models.ActionProcess:
		// Default pipeline: PENDING → PROCESSED downstream.
		return false, nil

	case models.ActionIgnore:
		if err := e.store.SetMessageStatus(ctx, msgRowID, models.MessageIgnored, ""); err != nil {
			return false, fmt.Errorf("set status IGNORED: %w", err)
		}
		return true, nil

	case models.ActionFlagForReview:
		if err := e.store.SetMessageStatus(ctx, msgRowID, models.MessageReview, ""); err != nil {
			return false, fmt.Errorf("set status REVIEW: %w", err)
		}
		return false, nil

	case models.ActionTag:
		tag := paramString(r.ActionParams, "tag")
		if tag == "" {
			tag = r.Name
		}
		if err := e.store.AddMessageTag(ctx, msgRowID, tag); err != nil {
			return false, fmt.Errorf("add tag: %w", err)
		}
		return false, nil

	case models.ActionSetPriority:
		priority := paramString(r.ActionParams, "priority")
		if priority == "" {
			priority = "high"
		}
		if err := e.store.SetMessageMetadata(ctx, msgRowID, "priority", priority); err != nil {
			return false, fmt.Errorf("set priority: %w", err)
		}
		return false, nil

	case models.ActionNotify:
		if e.notifier == nil {
			slog.Warn("NOTIFY action with no notifier wired", "rule", r.Name)
			return false, nil
		}
		if err := e.notifier.PublishRuleMatch(ctx, tenantID, r.Name, r.ActionParams, msg); err != nil {
			return false, fmt.Errorf("publish notification: %w", err)
		}
		return false, nil

	default:
		slog.Warn("unknown rule action", "rule", r.Name, "action", r.Action)
		return false, nil
	}
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
