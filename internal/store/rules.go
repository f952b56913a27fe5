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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/claimsflow/ingestion/internal/models"
)

// Condition is one child predicate of a composite rule.
type Condition struct {
	ID       int64           `json:"id"`
	RuleID   int64           `json:"rule_id"`
	Field    models.Field    `json:"field"`
	Operator models.Operator `json:"operator"`
	Value    string          `json:"value"`
	Ord      int             `json:"ord"`
}

// Rule is a tenant-defined predicate over a message plus the action to
// take when it matches.
type Rule struct {
	ID            int64             `json:"id"`
	ServiceID     int64             `json:"service_id"`
	Name          string            `json:"name"`
	Priority      int               `json:"priority"`
	Active        bool              `json:"active"`
	ActiveFrom    *time.Time        `json:"active_from,omitempty"`
	ActiveUntil   *time.Time        `json:"active_until,omitempty"`
	IsComposite   bool              `json:"is_composite"`
	Field         models.Field      `json:"field,omitempty"`
	Operator      models.Operator   `json:"operator,omitempty"`
	Value         string            `json:"value,omitempty"`
	LogicalOp     models.LogicalOp  `json:"logical_op,omitempty"`
	Action        models.ActionType `json:"action"`
	ActionParams  map[string]any    `json:"action_params,omitempty"`
	TimesApplied  int64             `json:"times_applied"`
	LastAppliedAt *time.Time        `json:"last_applied_at,omitempty"`
	Conditions    []Condition       `json:"conditions,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Validate checks the structural invariants: a simple rule needs its
// field/operator/value triple, a composite rule needs an operator and
// at least one condition.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.IsComposite {
		if r.LogicalOp != models.LogicalAnd && r.LogicalOp != models.LogicalOr {
			return fmt.Errorf("composite rule %q needs logical operator AND or OR", r.Name)
		}
		if len(r.Conditions) == 0 {
			return fmt.Errorf("composite rule %q needs at least one condition", r.Name)
		}
		return nil
	}
	if r.Field == "" || r.Operator == "" || r.Value == "" {
		return fmt.Errorf("simple rule %q needs field, operator and value", r.Name)
	}
	return nil
}

// CurrentlyActive reports whether the rule is enabled and inside its
// validity window at the given instant.
func (r *Rule) CurrentlyActive(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ActiveFrom != nil && now.Before(*r.ActiveFrom) {
		return false
	}
	if r.ActiveUntil != nil && now.After(*r.ActiveUntil) {
		return false
	}
	return true
}

const ruleColumns = `
	id, service_id, name, priority, active, active_from, active_until,
	is_composite, field, operator, value, logical_op, action,
	action_params, times_applied, last_applied_at, created_at, updated_at`

// CreateRule inserts a rule and its conditions in one transaction.
func (s *Store) CreateRule(ctx context.Context, r *Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	params := r.ActionParams
	if params == nil {
		params = map[string]any{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO filter_rules
			(service_id, name, priority, active, active_from, active_until,
			 is_composite, field, operator, value, logical_op, action, action_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+ruleColumns,
		r.ServiceID, r.Name, r.Priority, r.Active, r.ActiveFrom, r.ActiveUntil,
		r.IsComposite, nullIfEmpty(string(r.Field)), nullIfEmpty(string(r.Operator)),
		nullIfEmpty(r.Value), nullIfEmpty(string(r.LogicalOp)), r.Action, params)
	created, err := scanRule(row)
	if err != nil {
		return nil, err
	}

	for i, c := range r.Conditions {
		var cond Condition
		err := tx.QueryRow(ctx, `
			INSERT INTO rule_conditions (rule_id, field, operator, value, ord)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, rule_id, field, operator, value, ord
		`, created.ID, c.Field, c.Operator, c.Value, i).Scan(
			&cond.ID, &cond.RuleID, &cond.Field, &cond.Operator, &cond.Value, &cond.Ord)
		if err != nil {
			return nil, err
		}
		created.Conditions = append(created.Conditions, cond)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateRule replaces a rule's definition, including its conditions.
func (s *Store) UpdateRule(ctx context.Context, r *Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	params := r.ActionParams
	if params == nil {
		params = map[string]any{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE filter_rules
		SET name = $2, priority = $3, active = $4, active_from = $5,
		    active_until = $6, is_composite = $7, field = $8, operator = $9,
		    value = $10, logical_op = $11, action = $12, action_params = $13,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns,
		r.ID, r.Name, r.Priority, r.Active, r.ActiveFrom, r.ActiveUntil,
		r.IsComposite, nullIfEmpty(string(r.Field)), nullIfEmpty(string(r.Operator)),
		nullIfEmpty(r.Value), nullIfEmpty(string(r.LogicalOp)), r.Action, params)
	updated, err := scanRule(row)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rule_conditions WHERE rule_id = $1`, r.ID); err != nil {
		return nil, err
	}
	for i, c := range r.Conditions {
		var cond Condition
		err := tx.QueryRow(ctx, `
			INSERT INTO rule_conditions (rule_id, field, operator, value, ord)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, rule_id, field, operator, value, ord
		`, r.ID, c.Field, c.Operator, c.Value, i).Scan(
			&cond.ID, &cond.RuleID, &cond.Field, &cond.Operator, &cond.Value, &cond.Ord)
		if err != nil {
			return nil, err
		}
		updated.Conditions = append(updated.Conditions, cond)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRule removes a rule; conditions cascade.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM filter_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule retrieves one rule with its conditions.
func (s *Store) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+` FROM filter_rules WHERE id = $1
	`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadConditions(ctx, []*Rule{r}); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRules returns a service's rules ordered by priority then creation
// time, with conditions attached.
func (s *Store) ListRules(ctx context.Context, serviceID int64, activeOnly bool) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM filter_rules WHERE service_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY priority, created_at`

	rows, err := s.pool.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRuleRows(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadConditions(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// SetRulePriorities applies a reordering of rule priorities.
func (s *Store) SetRulePriorities(ctx context.Context, priorities map[int64]int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for id, priority := range priorities {
		if _, err := tx.Exec(ctx, `
			UPDATE filter_rules SET priority = $2, updated_at = NOW() WHERE id = $1
		`, id, priority); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// TouchRuleApplied bumps the usage counters after an evaluation.
func (s *Store) TouchRuleApplied(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE filter_rules
		SET times_applied = times_applied + 1, last_applied_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// RuleApplication is one audit row of a rule evaluated against a message.
type RuleApplication struct {
	ID        int64             `json:"id"`
	RuleID    int64             `json:"rule_id"`
	MessageID int64             `json:"message_id"`
	TenantID  string            `json:"tenant_id"`
	AppliedAt time.Time         `json:"applied_at"`
	Matched   bool              `json:"matched"`
	Action    models.ActionType `json:"action"`
}

// InsertRuleApplication appends to the rule application audit trail.
func (s *Store) InsertRuleApplication(ctx context.Context, a RuleApplication) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rule_applications (rule_id, message_id, tenant_id, matched, action)
		VALUES ($1, $2, $3, $4, $5)
	`, a.RuleID, a.MessageID, a.TenantID, a.Matched, a.Action)
	return err
}

// ListRuleApplications returns the audit trail for a tenant/date range,
// newest first.
func (s *Store) ListRuleApplications(ctx context.Context, tenantID string, from, to time.Time, limit, offset int) ([]RuleApplication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, message_id, tenant_id, applied_at, matched, action
		FROM rule_applications
		WHERE tenant_id = $1 AND applied_at >= $2 AND applied_at < $3
		ORDER BY applied_at DESC
		LIMIT $4 OFFSET $5
	`, tenantID, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []RuleApplication
	for rows.Next() {
		var a RuleApplication
		if err := rows.Scan(&a.ID, &a.RuleID, &a.MessageID, &a.TenantID, &a.AppliedAt, &a.Matched, &a.Action); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *Store) loadConditions(ctx context.Context, rules []*Rule) error {
	byID := make(map[int64]*Rule, len(rules))
	ids := make([]int64, 0, len(rules))
	for _, r := range rules {
		if r.IsComposite {
			byID[r.ID] = r
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, field, operator, value, ord
		FROM rule_conditions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, ord
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.RuleID, &c.Field, &c.Operator, &c.Value, &c.Ord); err != nil {
			return err
		}
		if r, ok := byID[c.RuleID]; ok {
			r.Conditions = append(r.Conditions, c)
		}
	}
	return rows.Err()
}

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	var field, operator, value, logicalOp *string
	err := row.Scan(
		&r.ID, &r.ServiceID, &r.Name, &r.Priority, &r.Active,
		&r.ActiveFrom, &r.ActiveUntil, &r.IsComposite,
		&field, &operator, &value, &logicalOp, &r.Action,
		&r.ActionParams, &r.TimesApplied, &r.LastAppliedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	assignRuleStrings(&r, field, operator, value, logicalOp)
	return &r, nil
}

func scanRuleRows(rows pgx.Rows) (*Rule, error) {
	var r Rule
	var field, operator, value, logicalOp *string
	err := rows.Scan(
		&r.ID, &r.ServiceID, &r.Name, &r.Priority, &r.Active,
		&r.ActiveFrom, &r.ActiveUntil, &r.IsComposite,
		&field, &operator, &value, &logicalOp, &r.Action,
		&r.ActionParams, &r.TimesApplied, &r.LastAppliedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	assignRuleStrings(&r, field, operator, value, logicalOp)
	return &r, nil
}

func assignRuleStrings(r *Rule, field, operator, value, logicalOp *string) {
	if field != nil {
		r.Field = models.Field(*field)
	}
	if operator != nil {
		r.Operator = models.Operator(*operator)
	}
	if value != nil {
		r.Value = *value
	}
	if logicalOp != nil {
		r.LogicalOp = models.LogicalOp(*logicalOp)
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
