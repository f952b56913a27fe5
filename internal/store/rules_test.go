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
	"testing"
	"time"

	"github.com/claimsflow/ingestion/internal/models"
)

func TestRuleValidate(t *testing.T) {
	cases := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{
			name:    "missing name",
			rule:    Rule{Action: models.ActionTag},
			wantErr: true,
		},
		{
			name: "simple ok",
			rule: Rule{
				Name: "r", Action: models.ActionTag,
				Field: models.FieldSubject, Operator: models.OpContains, Value: "x",
			},
		},
		{
			name:    "simple missing triple",
			rule:    Rule{Name: "r", Action: models.ActionTag, Field: models.FieldSubject},
			wantErr: true,
		},
		{
			name: "composite ok",
			rule: Rule{
				Name: "r", Action: models.ActionIgnore, IsComposite: true,
				LogicalOp: models.LogicalAnd,
				Conditions: []Condition{
					{Field: models.FieldSubject, Operator: models.OpContains, Value: "x"},
				},
			},
		},
		{
			name: "composite bad logical op",
			rule: Rule{
				Name: "r", Action: models.ActionIgnore, IsComposite: true,
				LogicalOp: "XOR",
				Conditions: []Condition{
					{Field: models.FieldSubject, Operator: models.OpContains, Value: "x"},
				},
			},
			wantErr: true,
		},
		{
			name: "composite no conditions",
			rule: Rule{
				Name: "r", Action: models.ActionIgnore, IsComposite: true,
				LogicalOp: models.LogicalOr,
			},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestRuleCurrentlyActive(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		rule Rule
		want bool
	}{
		{"enabled no window", Rule{Active: true}, true},
		{"disabled", Rule{Active: false}, false},
		{"inside window", Rule{Active: true, ActiveFrom: &past, ActiveUntil: &future}, true},
		{"not yet valid", Rule{Active: true, ActiveFrom: &future}, false},
		{"expired", Rule{Active: true, ActiveUntil: &past}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.CurrentlyActive(now); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
