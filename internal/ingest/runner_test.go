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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/mailsource"
	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/rules"
	"github.com/claimsflow/ingestion/internal/store"
)

// --- Fake store ---

type fakeStore struct {
	mu sync.Mutex

	runID       uuid.UUID
	outcome     *store.RunOutcome
	released    bool
	releasedOK  int
	deactivated bool
	ruleset     []*store.Rule

	inserted    map[string]int64
	existing    map[string]bool
	inDB        map[string]bool
	statuses    map[int64]models.MessageStatus
	items       map[int64]int
	attachments int
	attErrors   []string
	activity    []models.ActivityEvent
	statsBumps  int

	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runID:    uuid.New(),
		inserted: make(map[string]int64),
		existing: make(map[string]bool),
		inDB:     make(map[string]bool),
		statuses: make(map[int64]models.MessageStatus),
		items:    make(map[int64]int),
	}
}

func (f *fakeStore) CreateRun(_ context.Context, serviceID int64) (*store.Run, error) {
	return &store.Run{ID: f.runID, ServiceID: serviceID, Status: models.RunRunning}, nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, id uuid.UUID, out store.RunOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.runID {
		return store.ErrNotFound
	}
	if f.outcome != nil {
		return store.ErrNotFound // already terminal
	}
	f.outcome = &out
	return nil
}

func (f *fakeStore) ReleaseService(_ context.Context, _ int64, processed int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	f.releasedOK = processed
	return nil
}

func (f *fakeStore) SetServiceActive(_ context.Context, _ int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = !active
	return nil
}

func (f *fakeStore) ListRules(_ context.Context, _ int64, _ bool) ([]*store.Rule, error) {
	return f.ruleset, nil
}

func (f *fakeStore) MessageExists(_ context.Context, _ string, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inDB[messageID], nil
}

func (f *fakeStore) InsertMessage(_ context.Context, _ int64, _ string, msg *models.MailMessage) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing[msg.SourceID] {
		return 0, false, nil
	}
	f.nextID++
	f.inserted[msg.SourceID] = f.nextID
	f.existing[msg.SourceID] = true
	f.statuses[f.nextID] = models.MessagePending
	return f.nextID, true, nil
}

func (f *fakeStore) SetMessageStatus(_ context.Context, id int64, status models.MessageStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) SetMessageItems(_ context.Context, id int64, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = count
	return nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, _ int64, _, _ string, _ int64, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) MarkAttachmentProcessed(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments++
	return nil
}

func (f *fakeStore) MarkAttachmentError(_ context.Context, _ int64, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attErrors = append(f.attErrors, errText)
	return nil
}

func (f *fakeStore) BumpDailyStats(_ context.Context, _ string, _ time.Time, _, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsBumps++
	return nil
}

func (f *fakeStore) LogActivity(_ context.Context, _ string, event models.ActivityEvent, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, event)
	return nil
}

// rules.AuditStore, so the engine shares the same fake.

func (f *fakeStore) TouchRuleApplied(_ context.Context, _ int64) error { return nil }

func (f *fakeStore) InsertRuleApplication(_ context.Context, _ store.RuleApplication) error {
	return nil
}

func (f *fakeStore) SetMessageRule(_ context.Context, _, _ int64) error { return nil }

func (f *fakeStore) AddMessageTag(_ context.Context, _ int64, _ string) error { return nil }

func (f *fakeStore) SetMessageMetadata(_ context.Context, _ int64, _, _ string) error { return nil }

// --- Fake collaborators ---

type fakeCreds struct {
	err error
}

func (f *fakeCreds) GetCredentials(_ context.Context, _ string) (*credentials.Credentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &credentials.Credentials{Protocol: models.ProtocolIMAP, Host: "mail.test", Username: "u", Secret: "p"}, nil
}

func (f *fakeCreds) IsTokenValid(_ context.Context, _ string) (bool, error) { return f.err == nil, nil }

func (f *fakeCreds) RefreshToken(_ context.Context, _ string) (bool, error) { return false, nil }

type fakeDedup struct {
	mu     sync.Mutex
	seen   map[string]bool
	forgot []string
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (f *fakeDedup) Seen(_ context.Context, _ string, messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[messageID] {
		return true
	}
	f.seen[messageID] = true
	return false
}

func (f *fakeDedup) Forget(_ context.Context, _ string, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, messageID)
	f.forgot = append(f.forgot, messageID)
}

type fakeBlob struct {
	mu   sync.Mutex
	puts int
	err  error
}

func (f *fakeBlob) Put(_ context.Context, tenantID string, _ time.Time, att *models.AttachmentPart) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.puts++
	return "tenant/" + tenantID + "/" + att.Filename, nil
}

type fakeExtractor struct {
	itemsPer int
	err      error
}

func (f fakeExtractor) Extract(_ context.Context, _ []byte, _ string) (int, error) {
	return f.itemsPer, f.err
}

// fakeSource serves canned messages; ids listed in failFetch error out.
type fakeSource struct {
	mu          sync.Mutex
	ids         []string
	failFetch   map[string]bool
	connectErr  error
	attachments int
	consumed    []string
	fetched     int
	onFetch     func()
	closed      bool
}

func (f *fakeSource) Connect(context.Context) error { return f.connectErr }

func (f *fakeSource) ListUnseen(context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeSource) Fetch(_ context.Context, id string) (*models.MailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched++
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.failFetch[id] {
		return nil, fmt.Errorf("mailbox hiccup on %s", id)
	}
	msg := &models.MailMessage{
		SourceID:   id,
		MessageID:  id + "@test",
		From:       models.EmailAddress{Address: "billing@insurer.test"},
		Subject:    "Invoice " + id,
		ReceivedAt: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		TextBody:   "invoice body",
	}
	for i := 0; i < f.attachments; i++ {
		msg.Attachments = append(msg.Attachments, models.AttachmentPart{
			Filename:    fmt.Sprintf("doc-%d.pdf", i),
			ContentType: "application/pdf",
			Data:        []byte("pdf-bytes"),
		})
	}
	return msg, nil
}

func (f *fakeSource) MarkConsumed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed = append(f.consumed, id)
	return nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

// --- Harness ---

type harness struct {
	store  *fakeStore
	dedup  *fakeDedup
	blob   *fakeBlob
	source *fakeSource
	runner *Runner
}

func newHarness(src *fakeSource) *harness {
	h := &harness{
		store:  newFakeStore(),
		dedup:  newFakeDedup(),
		blob:   &fakeBlob{},
		source: src,
	}
	engine := rules.NewEngine(h.store, nil)
	h.runner = NewRunner(h.store, &fakeCreds{}, h.dedup, h.blob, fakeExtractor{itemsPer: 1}, engine, time.Minute)
	h.runner.newSource = func(*credentials.Credentials, mailsource.Options) (mailsource.Source, error) {
		return src, nil
	}
	return h
}

func testService() *store.Service {
	return &store.Service{ID: 1, TenantID: "clinic-a", Active: true, Running: true, Folder: "INBOX"}
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("m-%d", i+1)
	}
	return out
}

// --- Tests ---

func TestExecute_PartialWhenSomeFetchesFail(t *testing.T) {
	src := &fakeSource{
		ids:       ids(10),
		failFetch: map[string]bool{"m-3": true, "m-7": true},
	}
	h := newHarness(src)

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out == nil {
		t.Fatal("run was never finalized")
	}
	if out.Status != models.RunPartial {
		t.Fatalf("status = %s, want PARTIAL", out.Status)
	}
	if out.MessagesSeen != 10 {
		t.Errorf("messages_seen = %d, want 10", out.MessagesSeen)
	}
	// Failed fetches still count as new: they passed dedup.
	if out.MessagesNew != 10 {
		t.Errorf("messages_new = %d, want 10", out.MessagesNew)
	}
	if out.ErrorMessage == "" {
		t.Error("PARTIAL run should carry an error summary")
	}
	if !h.store.released || h.store.releasedOK != 8 {
		t.Errorf("release: called=%v processed=%d, want called with 8", h.store.released, h.store.releasedOK)
	}
	if !src.closed {
		t.Error("source was not closed")
	}
}

func TestExecute_SuccessProcessesEverything(t *testing.T) {
	src := &fakeSource{ids: ids(3), attachments: 2}
	h := newHarness(src)
	svc := testService()
	svc.MarkAsRead = true

	h.runner.Execute(context.Background(), svc)

	out := h.store.outcome
	if out == nil || out.Status != models.RunSuccess {
		t.Fatalf("outcome = %+v, want SUCCESS", out)
	}
	if out.AttachmentsProcessed != 6 {
		t.Errorf("attachments_processed = %d, want 6", out.AttachmentsProcessed)
	}
	if out.ItemsExtracted != 6 {
		t.Errorf("items_extracted = %d, want 6", out.ItemsExtracted)
	}
	for id, status := range h.store.statuses {
		if status != models.MessageProcessed {
			t.Errorf("message %d status = %s, want PROCESSED", id, status)
		}
	}
	if len(src.consumed) != 3 {
		t.Errorf("consumed %d messages, want 3 (mark_as_read on)", len(src.consumed))
	}
	if h.store.statsBumps != 1 {
		t.Errorf("daily stats bumped %d times, want 1", h.store.statsBumps)
	}
}

func TestExecute_MarkAsReadOffNeverConsumes(t *testing.T) {
	src := &fakeSource{ids: ids(2)}
	h := newHarness(src)

	h.runner.Execute(context.Background(), testService())

	if len(src.consumed) != 0 {
		t.Errorf("consumed %d messages with mark_as_read off, want 0", len(src.consumed))
	}
}

func TestExecute_ConnectFailureIsError(t *testing.T) {
	src := &fakeSource{connectErr: &mailsource.ConnectionError{Err: errors.New("tls handshake failed")}}
	h := newHarness(src)

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out == nil || out.Status != models.RunError {
		t.Fatalf("outcome = %+v, want ERROR", out)
	}
	if src.fetched != 0 {
		t.Error("no messages should be fetched after a connect failure")
	}
	if !h.store.released {
		t.Error("claim must be released even on connect failure")
	}
}

func TestExecute_DedupSkipsSeenMessages(t *testing.T) {
	src := &fakeSource{ids: ids(4)}
	h := newHarness(src)
	h.dedup.seen["m-1"] = true
	h.dedup.seen["m-2"] = true

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out.MessagesSeen != 4 || out.MessagesNew != 2 {
		t.Errorf("seen=%d new=%d, want 4 and 2", out.MessagesSeen, out.MessagesNew)
	}
	if src.fetched != 2 {
		t.Errorf("fetched %d, want 2", src.fetched)
	}
}

func TestExecute_KnownMessageSkipsFetch(t *testing.T) {
	src := &fakeSource{ids: ids(3)}
	h := newHarness(src)
	// Redis forgot it, but the message table remembers: the history
	// check must skip the fetch entirely.
	h.store.inDB["m-2"] = true

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out.Status != models.RunSuccess {
		t.Fatalf("status = %s, want SUCCESS", out.Status)
	}
	if out.MessagesNew != 2 {
		t.Errorf("messages_new = %d, want 2", out.MessagesNew)
	}
	if src.fetched != 2 {
		t.Errorf("fetched %d, want 2", src.fetched)
	}
}

func TestExecute_InsertConflictNotCountedNew(t *testing.T) {
	src := &fakeSource{ids: ids(3)}
	h := newHarness(src)
	// A concurrent writer landed the row between the history check and
	// the insert; the unique index is the last line of defense.
	h.store.existing["m-2"] = true

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out.Status != models.RunSuccess {
		t.Fatalf("status = %s, want SUCCESS", out.Status)
	}
	if out.MessagesNew != 2 {
		t.Errorf("messages_new = %d, want 2", out.MessagesNew)
	}
}

func TestExecute_RerunIsIdempotent(t *testing.T) {
	src := &fakeSource{ids: ids(5)}
	h := newHarness(src)

	h.runner.Execute(context.Background(), testService())
	first := h.store.outcome
	if first.MessagesNew != 5 {
		t.Fatalf("first run new = %d, want 5", first.MessagesNew)
	}

	// Second run over the same mailbox: everything already seen.
	h.store.outcome = nil
	h.store.runID = uuid.New()
	h.runner.Execute(context.Background(), testService())

	second := h.store.outcome
	if second.MessagesNew != 0 {
		t.Errorf("second run new = %d, want 0", second.MessagesNew)
	}
	if second.Status != models.RunSuccess {
		t.Errorf("second run status = %s, want SUCCESS", second.Status)
	}
}

func TestExecute_IgnoreRuleHaltsAttachments(t *testing.T) {
	src := &fakeSource{ids: ids(1), attachments: 3}
	h := newHarness(src)
	h.store.ruleset = []*store.Rule{{
		ID: 1, Name: "drop marketing", Active: true, Action: models.ActionIgnore,
		Field: models.FieldSubject, Operator: models.OpContains, Value: "invoice",
	}}

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out.Status != models.RunSuccess {
		t.Fatalf("status = %s, want SUCCESS", out.Status)
	}
	if h.blob.puts != 0 {
		t.Errorf("blob puts = %d, want 0 after IGNORE", h.blob.puts)
	}
	if out.AttachmentsProcessed != 0 {
		t.Errorf("attachments_processed = %d, want 0", out.AttachmentsProcessed)
	}
	if h.store.statuses[1] != models.MessageIgnored {
		t.Errorf("message status = %s, want IGNORED", h.store.statuses[1])
	}
}

func TestExecute_AttachmentStorageErrorKeepsMessageProcessed(t *testing.T) {
	src := &fakeSource{ids: ids(1), attachments: 1}
	h := newHarness(src)
	h.blob.err = errors.New("bucket unavailable")

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out.Status != models.RunSuccess {
		t.Fatalf("status = %s, want SUCCESS (storage errors are not message failures)", out.Status)
	}
	if len(h.store.attErrors) != 1 {
		t.Errorf("attachment errors recorded = %d, want 1", len(h.store.attErrors))
	}
	if h.store.statuses[1] != models.MessageProcessed {
		t.Errorf("message status = %s, want PROCESSED", h.store.statuses[1])
	}
}

func TestExecute_CancellationMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{ids: ids(5)}
	src.onFetch = func() {
		if src.fetched == 2 {
			cancel()
		}
	}
	h := newHarness(src)

	h.runner.Execute(ctx, testService())

	out := h.store.outcome
	if out == nil {
		t.Fatal("cancelled run must still be finalized")
	}
	if out.Status != models.RunCancelled {
		t.Fatalf("status = %s, want CANCELLED", out.Status)
	}
	if out.ErrorMessage != "" {
		t.Errorf("cancelled run carries error %q, want none", out.ErrorMessage)
	}
	if src.fetched >= 5 {
		t.Error("cancellation should stop the message loop early")
	}
	if !h.store.released {
		t.Error("claim must be released after cancellation")
	}
}

func TestExecute_InvalidCredentialsDeactivateService(t *testing.T) {
	src := &fakeSource{ids: ids(1)}
	h := newHarness(src)
	h.runner.creds = &fakeCreds{err: credentials.ErrInvalid}

	h.runner.Execute(context.Background(), testService())

	out := h.store.outcome
	if out == nil || out.Status != models.RunError {
		t.Fatalf("outcome = %+v, want ERROR", out)
	}
	if !h.store.deactivated {
		t.Error("service should be auto-deactivated on invalid credentials")
	}
	found := false
	for _, ev := range h.store.activity {
		if ev == models.EventCredentialsInvalid {
			found = true
		}
	}
	if !found {
		t.Error("credential failure should appear in the activity log")
	}
}
