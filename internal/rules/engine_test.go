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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/store"
)

// fakeAudit records every engine write.
type fakeAudit struct {
	touched      []int64
	applications []store.RuleApplication
	statuses     map[int64]models.MessageStatus
	matchedRule  map[int64]int64
	tags         map[int64][]string
	metadata     map[int64]map[string]string

	touchErr error
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{
		statuses:    make(map[int64]models.MessageStatus),
		matchedRule: make(map[int64]int64),
		tags:        make(map[int64][]string),
		metadata:    make(map[int64]map[string]string),
	}
}

func (f *fakeAudit) TouchRuleApplied(_ context.Context, id int64) error {
	f.touched = append(f.touched, id)
	return f.touchErr
}

func (f *fakeAudit) InsertRuleApplication(_ context.Context, a store.RuleApplication) error {
	f.applications = append(f.applications, a)
	return nil
}

func (f *fakeAudit) SetMessageStatus(_ context.Context, id int64, status models.MessageStatus, _ string) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeAudit) SetMessageRule(_ context.Context, id, ruleID int64) error {
	f.matchedRule[id] = ruleID
	return nil
}

func (f *fakeAudit) AddMessageTag(_ context.Context, id int64, tag string) error {
	f.tags[id] = append(f.tags[id], tag)
	return nil
}

func (f *fakeAudit) SetMessageMetadata(_ context.Context, id int64, key, value string) error {
	if f.metadata[id] == nil {
		f.metadata[id] = make(map[string]string)
	}
	f.metadata[id][key] = value
	return nil
}

type fakeNotifier struct {
	events []string
	err    error
}

func (f *fakeNotifier) PublishRuleMatch(_ context.Context, _, ruleName string, _ map[string]any, _ *models.MailMessage) error {
	f.events = append(f.events, ruleName)
	return f.err
}

func subjectRule(id int64, name, needle string, action models.ActionType) *store.Rule {
	return &store.Rule{
		ID: id, Name: name, Active: true, Action: action,
		Field: models.FieldSubject, Operator: models.OpContains, Value: needle,
	}
}

func TestClassify_AuditsEveryEvaluatedRule(t *testing.T) {
	audit := newFakeAudit()
	engine := NewEngine(audit, nil)
	msg := sampleMessage()

	ruleset := []*store.Rule{
		subjectRule(1, "miss one", "receipt", models.ActionProcess),
		subjectRule(2, "hit", "invoice", models.ActionProcess),
		subjectRule(3, "never reached", "invoice", models.ActionProcess),
	}

	matched, err := engine.Classify(context.Background(), ruleset, "clinic-a", 77, msg)
	require.NoError(t, err)
	require.NotNil(t, matched)
	assert.Equal(t, int64(2), matched.ID)

	// Both evaluated rules are in the trail, with their outcome; the
	// rule after the winner was never evaluated.
	require.Len(t, audit.applications, 2)
	assert.False(t, audit.applications[0].Matched)
	assert.True(t, audit.applications[1].Matched)
	assert.Equal(t, []int64{1, 2}, audit.touched)
	assert.Equal(t, int64(2), audit.matchedRule[77])
}

func TestClassify_SkipsInactiveRules(t *testing.T) {
	audit := newFakeAudit()
	engine := NewEngine(audit, nil)
	msg := sampleMessage()

	off := subjectRule(1, "disabled", "invoice", models.ActionProcess)
	off.Active = false

	matched, err := engine.Classify(context.Background(), []*store.Rule{off}, "clinic-a", 1, msg)
	require.NoError(t, err)
	assert.Nil(t, matched)
	assert.Empty(t, audit.applications, "inactive rules leave no audit rows")
}

func TestClassify_AuditFailureDoesNotAbort(t *testing.T) {
	audit := newFakeAudit()
	audit.touchErr = errors.New("counters table unavailable")
	engine := NewEngine(audit, nil)

	matched, err := engine.Classify(context.Background(),
		[]*store.Rule{subjectRule(1, "hit", "invoice", models.ActionProcess)},
		"clinic-a", 5, sampleMessage())
	require.NoError(t, err)
	require.NotNil(t, matched)
}

func TestApplyAction(t *testing.T) {
	msg := sampleMessage()

	t.Run("ignore halts the pipeline", func(t *testing.T) {
		audit := newFakeAudit()
		engine := NewEngine(audit, nil)
		halt, err := engine.ApplyAction(context.Background(),
			subjectRule(1, "spam", "invoice", models.ActionIgnore), "clinic-a", 9, msg)
		require.NoError(t, err)
		assert.True(t, halt)
		assert.Equal(t, models.MessageIgnored, audit.statuses[9])
	})

	t.Run("flag for review continues the pipeline", func(t *testing.T) {
		audit := newFakeAudit()
		engine := NewEngine(audit, nil)
		halt, err := engine.ApplyAction(context.Background(),
			subjectRule(1, "suspicious", "invoice", models.ActionFlagForReview), "clinic-a", 9, msg)
		require.NoError(t, err)
		assert.False(t, halt)
		assert.Equal(t, models.MessageReview, audit.statuses[9])
	})

	t.Run("tag uses the param, falling back to the rule name", func(t *testing.T) {
		audit := newFakeAudit()
		engine := NewEngine(audit, nil)

		withParam := subjectRule(1, "taggy", "invoice", models.ActionTag)
		withParam.ActionParams = map[string]any{"tag": "billing"}
		_, err := engine.ApplyAction(context.Background(), withParam, "clinic-a", 9, msg)
		require.NoError(t, err)

		_, err = engine.ApplyAction(context.Background(),
			subjectRule(2, "untagged", "invoice", models.ActionTag), "clinic-a", 9, msg)
		require.NoError(t, err)

		assert.Equal(t, []string{"billing", "untagged"}, audit.tags[9])
	})

	t.Run("set priority defaults to high", func(t *testing.T) {
		audit := newFakeAudit()
		engine := NewEngine(audit, nil)
		_, err := engine.ApplyAction(context.Background(),
			subjectRule(1, "urgent", "invoice", models.ActionSetPriority), "clinic-a", 9, msg)
		require.NoError(t, err)
		assert.Equal(t, "high", audit.metadata[9]["priority"])
	})

	t.Run("notify publishes the event", func(t *testing.T) {
		audit := newFakeAudit()
		notifier := &fakeNotifier{}
		engine := NewEngine(audit, notifier)
		halt, err := engine.ApplyAction(context.Background(),
			subjectRule(1, "alert ops", "invoice", models.ActionNotify), "clinic-a", 9, msg)
		require.NoError(t, err)
		assert.False(t, halt)
		assert.Equal(t, []string{"alert ops"}, notifier.events)
	})

	t.Run("notify without a notifier is a no-op", func(t *testing.T) {
		audit := newFakeAudit()
		engine := NewEngine(audit, nil)
		halt, err := engine.ApplyAction(context.Background(),
			subjectRule(1, "alert ops", "invoice", models.ActionNotify), "clinic-a", 9, msg)
		require.NoError(t, err)
		assert.False(t, halt)
	})

	t.Run("notify failure surfaces the error", func(t *testing.T) {
		audit := newFakeAudit()
		notifier := &fakeNotifier{err: errors.New("queue down")}
		engine := NewEngine(audit, notifier)
		_, err := engine.ApplyAction(context.Background(),
			subjectRule(1, "alert ops", "invoice", models.ActionNotify), "clinic-a", 9, msg)
		assert.Error(t, err)
	})
}
