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

// Package notify publishes rule-match notification events to a Redis
// list. Downstream notification workers consume the queue and fan the
// event out to whatever channels the tenant configured.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/claimsflow/ingestion/internal/models"
)

// Publisher sends notification events over a Redis list queue.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{rdb: rdb, queueName: queueName}
}

// event is the wire envelope notification workers unmarshal.
type event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	TenantID  string         `json:"tenant_id"`
	RuleName  string         `json:"rule_name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PublishRuleMatch emits an event for a rule whose action is NOTIFY.
func (p *Publisher) PublishRuleMatch(ctx context.Context, tenantID, ruleName string, params map[string]any, msg *models.MailMessage) error {
	ev := event{
		ID:        uuid.New().String(),
		Kind:      "rule_match",
		TenantID:  tenantID,
		RuleName:  ruleName,
		Params:    params,
		Subject:   msg.Subject,
		Sender:    msg.From.Address,
		MessageID: msg.MessageID,
		CreatedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.queueName, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published rule-match notification",
		"event_id", ev.ID,
		"tenant", tenantID,
		"rule", ruleName,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
