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
	"net/http"

	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	from, to := queryRange(r)
	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 0)

	runs, err := s.repo.ListRuns(r.Context(), svc.ID, from, to, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 0)
	status := models.MessageStatus(r.URL.Query().Get("status"))

	messages, err := s.repo.ListMessages(r.Context(), svc.ID, status, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	from, to := queryRange(r)
	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 0)

	apps, err := s.repo.ListRuleApplications(r.Context(), svc.TenantID, from, to, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if apps == nil {
		apps = []store.RuleApplication{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applications": apps,
		"limit":        limit,
		"offset":       offset,
	})
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	from, to := queryRange(r)
	stats, err := s.repo.ListDailyStats(r.Context(), svc.TenantID, from, to)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if stats == nil {
		stats = []store.DailyStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 0)

	entries, err := s.repo.ListActivity(r.Context(), svc.TenantID, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []store.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": entries,
		"limit":    limit,
		"offset":   offset,
	})
}
