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

// Package dedup is a redis-backed fast path for duplicate message
// suppression. The durable source of truth is the unique
// (tenant_id, message_id) index in Postgres; redis only absorbs the
// common case so recently seen messages skip the database round trip.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// seenTTL bounds redis memory; identifiers older than this fall through
// to the database index, which still rejects them.
const seenTTL = 7 * 24 * time.Hour

// Filter answers "has this tenant seen this message identifier".
type Filter struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Filter {
	return &Filter{rdb: rdb}
}

// Seen atomically records the identifier and reports whether it was
// already present. Redis outages degrade to "not seen" so ingestion
// keeps running on the database index alone.
func (f *Filter) Seen(ctx context.Context, tenantID, messageID string) bool {
	created, err := f.rdb.SetNX(ctx, key(tenantID, messageID), 1, seenTTL).Result()
	if err != nil {
		slog.Warn("dedup filter unavailable, falling back to database index",
			"tenant_id", tenantID, "error", err)
		return false
	}
	return !created
}

// Forget removes an identifier, used when a message insert fails after
// the filter already recorded it so a later run can retry.
func (f *Filter) Forget(ctx context.Context, tenantID, messageID string) {
	if err := f.rdb.Del(ctx, key(tenantID, messageID)).Err(); err != nil {
		slog.Warn("dedup forget failed", "tenant_id", tenantID, "error", err)
	}
}

func key(tenantID, messageID string) string {
	return fmt.Sprintf("ingest:seen:%s:%s", tenantID, messageID)
}
