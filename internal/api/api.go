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

// Package api exposes the admin and reporting HTTP surface. Admin
// endpoints mutate service and rule state through the scheduler;
// reporting endpoints read execution history, audit trails, and
// aggregates straight from the store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/mailsource"
	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/scheduler"
	"github.com/claimsflow/ingestion/internal/store"
)

// Admin is the slice of the scheduler the API drives.
type Admin interface {
	SetActive(ctx context.Context, id int64, active bool) error
	SetInterval(ctx context.Context, id int64, minutes int) error
	RunNow(ctx context.Context, id int64) error
	CancelRun(id int64) error
	UpdateSettings(ctx context.Context, id int64, markAsRead bool, folder string) error
	Status(ctx context.Context, id int64) (*scheduler.ServiceStatus, error)
}

// Repository is the slice of the store the API reads and writes.
type Repository interface {
	EnsureService(ctx context.Context, tenantID string) (*store.Service, error)
	GetServiceByTenant(ctx context.Context, tenantID string) (*store.Service, error)
	CreateRule(ctx context.Context, r *store.Rule) (*store.Rule, error)
	UpdateRule(ctx context.Context, r *store.Rule) (*store.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	GetRule(ctx context.Context, id int64) (*store.Rule, error)
	ListRules(ctx context.Context, serviceID int64, activeOnly bool) ([]*store.Rule, error)
	SetRulePriorities(ctx context.Context, priorities map[int64]int) error
	ListRuns(ctx context.Context, serviceID int64, from, to time.Time, limit, offset int) ([]store.Run, error)
	ListMessages(ctx context.Context, serviceID int64, status models.MessageStatus, limit, offset int) ([]store.Message, error)
	ListRuleApplications(ctx context.Context, tenantID string, from, to time.Time, limit, offset int) ([]store.RuleApplication, error)
	ListDailyStats(ctx context.Context, tenantID string, from, to time.Time) ([]store.DailyStat, error)
	ListActivity(ctx context.Context, tenantID string, limit, offset int) ([]store.ActivityEntry, error)
	LogActivity(ctx context.Context, tenantID string, event models.ActivityEvent, details string) error
}

// Server wires the HTTP surface together.
type Server struct {
	admin Admin
	repo  Repository
	creds credentials.Store

	// testConn is swappable so handler tests avoid real sockets.
	testConn func(ctx context.Context, creds *credentials.Credentials, opts mailsource.Options) error
}

func NewServer(admin Admin, repo Repository, creds credentials.Store) *Server {
	return &Server{
		admin:    admin,
		repo:     repo,
		creds:    creds,
		testConn: mailsource.TestConnection,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	svc := r.PathPrefix("/services/{tenant}").Subrouter()
	svc.HandleFunc("", s.handleEnsureService).Methods(http.MethodPost)
	svc.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	svc.HandleFunc("/active", s.handleSetActive).Methods(http.MethodPut)
	svc.HandleFunc("/interval", s.handleSetInterval).Methods(http.MethodPut)
	svc.HandleFunc("/settings", s.handleSettings).Methods(http.MethodPut)
	svc.HandleFunc("/run", s.handleRunNow).Methods(http.MethodPost)
	svc.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	svc.HandleFunc("/connection-test", s.handleConnectionTest).Methods(http.MethodPost)

	svc.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	svc.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	svc.HandleFunc("/rules/reorder", s.handleReorderRules).Methods(http.MethodPost)
	svc.HandleFunc("/rules/test", s.handleTestRules).Methods(http.MethodPost)

	svc.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	svc.HandleFunc("/messages", s.handleListMessages).Methods(http.MethodGet)
	svc.HandleFunc("/applications", s.handleListApplications).Methods(http.MethodGet)
	svc.HandleFunc("/stats", s.handleDailyStats).Methods(http.MethodGet)
	svc.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)

	r.HandleFunc("/rules/{id:[0-9]+}", s.handleGetRule).Methods(http.MethodGet)
	r.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods(http.MethodDelete)

	return r
}

// Serve binds the port and runs until the context is cancelled.
func Serve(ctx context.Context, port int, server *Server) error {
	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind api port %d: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("api server listening", "port", port)
	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnsureService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.repo.EnsureService(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	status, err := s.admin.Status(r.Context(), svc.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.admin.SetActive(r.Context(), svc.ID, body.Active); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": body.Active})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var body struct {
		Minutes int `json:"minutes"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.admin.SetInterval(r.Context(), svc.ID, body.Minutes); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"minutes": body.Minutes})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	var body struct {
		MarkAsRead bool   `json:"mark_as_read"`
		Folder     string `json:"folder"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Folder == "" {
		body.Folder = "INBOX"
	}
	if err := s.admin.UpdateSettings(r.Context(), svc.ID, body.MarkAsRead, body.Folder); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	if err := s.admin.RunNow(r.Context(), svc.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "run requested"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	if err := s.admin.CancelRun(svc.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	creds, err := s.creds.GetCredentials(r.Context(), svc.TenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.testConn(ctx, creds, mailsource.Options{Folder: svc.Folder}); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// service resolves the {tenant} path variable to its service row.
func (s *Server) service(w http.ResponseWriter, r *http.Request) (*store.Service, bool) {
	svc, err := s.repo.GetServiceByTenant(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return svc, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps domain errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyRunning),
		errors.Is(err, store.ErrServiceInactive),
		errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrCredentialsRequired), errors.Is(err, credentials.ErrInvalid):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, scheduler.ErrIntervalTooSmall):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// queryRange parses from/to query parameters (RFC 3339 or YYYY-MM-DD),
// defaulting to the last seven days.
func queryRange(r *http.Request) (time.Time, time.Time) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now.Add(time.Minute)
	if t, ok := parseTime(r.URL.Query().Get("from")); ok {
		from = t
	}
	if t, ok := parseTime(r.URL.Query().Get("to")); ok {
		to = t
	}
	return from, to
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
