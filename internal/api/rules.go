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

package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/rules"
	"github.com/claimsflow/ingestion/internal/store"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.repo.ListRules(r.Context(), svc.ID, activeOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var rule store.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ServiceID = svc.ID
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.repo.CreateRule(r.Context(), &rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logRuleActivity(r, svc.TenantID, models.EventRuleCreated, created)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	rule, err := s.repo.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	existing, err := s.repo.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var rule store.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = id
	rule.ServiceID = existing.ServiceID
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.repo.UpdateRule(r.Context(), &rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.repo.DeleteRule(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var body struct {
		// Rule id, in the desired evaluation order.
		Order []int64 `json:"order"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Order) == 0 {
		writeError(w, http.StatusBadRequest, "order must list at least one rule id")
		return
	}

	priorities := make(map[int64]int, len(body.Order))
	for i, id := range body.Order {
		priorities[id] = i + 1
	}
	if err := s.repo.SetRulePriorities(r.Context(), priorities); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logRuleActivity(r, svc.TenantID, models.EventRuleUpdated, nil)
	writeJSON(w, http.StatusOK, map[string]int{"reordered": len(body.Order)})
}

// testMessage is the synthetic message a rule dry-run evaluates against.
type testMessage struct {
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ReceivedAt  time.Time `json:"received_at"`
	Attachments []struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
}

const maxTestAttachmentSize = 10 << 20

func (m *testMessage) toMail() *models.MailMessage {
	msg := &models.MailMessage{
		From:       models.EmailAddress{Address: m.Sender},
		Subject:    m.Subject,
		TextBody:   m.Body,
		ReceivedAt: m.ReceivedAt,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	for _, addr := range m.Recipients {
		msg.To = append(msg.To, models.EmailAddress{Address: addr})
	}
	for _, a := range m.Attachments {
		size := min(a.Size, maxTestAttachmentSize)
		msg.Attachments = append(msg.Attachments, models.AttachmentPart{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        make([]byte, size),
		})
	}
	return msg
}

// handleTestRules dry-runs the tenant's active ruleset (or one inline
// rule) against a synthetic message, returning per-rule explanations
// and the rule that would win. Nothing is persisted.
func (s *Server) handleTestRules(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var body struct {
		Message testMessage `json:"message"`
		// Optional inline rule; when present only it is evaluated.
		Rule *store.Rule `json:"rule"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	msg := body.Message.toMail()

	var ruleset []*store.Rule
	if body.Rule != nil {
		if err := body.Rule.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		body.Rule.Active = true
		ruleset = []*store.Rule{body.Rule}
	} else {
		var err error
		ruleset, err = s.repo.ListRules(r.Context(), svc.ID, true)
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}

	type ruleResult struct {
		Rule        string            `json:"rule"`
		Matched     bool              `json:"matched"`
		Explanation rules.Explanation `json:"explanation"`
	}
	resp := struct {
		Winner  string       `json:"winner,omitempty"`
		Results []ruleResult `json:"results"`
	}{}

	now := time.Now().UTC()
	for _, rule := range ruleset {
		if !rule.CurrentlyActive(now) {
			continue
		}
		ex := rules.Explain(rule, msg)
		resp.Results = append(resp.Results, ruleResult{
			Rule:        rule.Name,
			Matched:     ex.Matched,
			Explanation: ex,
		})
		if ex.Matched && resp.Winner == "" {
			resp.Winner = rule.Name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logRuleActivity(r *http.Request, tenantID string, event models.ActivityEvent, rule *store.Rule) {
	detail := ""
	if rule != nil {
		detail = fmt.Sprintf("rule %q (id=%d)", rule.Name, rule.ID)
	}
	if err := s.repo.LogActivity(r.Context(), tenantID, event, detail); err != nil {
		slog.Warn("recording rule activity", "tenant", tenantID, "error", err)
	}
}
