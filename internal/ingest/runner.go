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

// Package ingest drives one ingestion run end to end: open the mailbox,
// list unseen messages, dedupe, fetch, classify, store attachments,
// extract items, and finalize the execution record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/extract"
	"github.com/claimsflow/ingestion/internal/mailsource"
	"github.com/claimsflow/ingestion/internal/metrics"
	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/rules"
	"github.com/claimsflow/ingestion/internal/store"
)

// maxRunErrors caps how many per-message error strings a run's details
// map retains.
const maxRunErrors = 20

// Store is the persistence surface a run needs. *store.Store satisfies
// it; tests substitute a fake.
type Store interface {
	CreateRun(ctx context.Context, serviceID int64) (*store.Run, error)
	FinalizeRun(ctx context.Context, id uuid.UUID, out store.RunOutcome) error
	ReleaseService(ctx context.Context, id int64, processed int, now time.Time) error
	SetServiceActive(ctx context.Context, id int64, active bool) error
	ListRules(ctx context.Context, serviceID int64, activeOnly bool) ([]*store.Rule, error)
	MessageExists(ctx context.Context, tenantID, messageID string) (bool, error)
	InsertMessage(ctx context.Context, serviceID int64, tenantID string, msg *models.MailMessage) (int64, bool, error)
	SetMessageStatus(ctx context.Context, id int64, status models.MessageStatus, errMsg string) error
	SetMessageItems(ctx context.Context, id int64, count int) error
	InsertAttachment(ctx context.Context, messageRowID int64, filename, contentType string, size int64, blobKey string) (int64, error)
	MarkAttachmentProcessed(ctx context.Context, id int64) error
	MarkAttachmentError(ctx context.Context, id int64, errText string) error
	BumpDailyStats(ctx context.Context, tenantID string, day time.Time, processed, items, errs int) error
	LogActivity(ctx context.Context, tenantID string, event models.ActivityEvent, details string) error
}

// Deduper is the fast-path duplicate filter.
type Deduper interface {
	Seen(ctx context.Context, tenantID, messageID string) bool
	Forget(ctx context.Context, tenantID, messageID string)
}

// BlobStore stores attachment payloads.
type BlobStore interface {
	Put(ctx context.Context, tenantID string, receivedAt time.Time, att *models.AttachmentPart) (string, error)
}

// SourceFactory builds a protocol adapter; tests inject fakes.
type SourceFactory func(creds *credentials.Credentials, opts mailsource.Options) (mailsource.Source, error)

// Runner executes ingestion runs for claimed services.
type Runner struct {
	store     Store
	creds     credentials.Store
	dedup     Deduper
	blobs     BlobStore
	extractor extract.Extractor
	engine    *rules.Engine
	newSource SourceFactory
	opTimeout time.Duration
}

func NewRunner(
	st Store,
	creds credentials.Store,
	dd Deduper,
	blobs BlobStore,
	extractor extract.Extractor,
	engine *rules.Engine,
	opTimeout time.Duration,
) *Runner {
	return &Runner{
		store:     st,
		creds:     creds,
		dedup:     dd,
		blobs:     blobs,
		extractor: extractor,
		engine:    engine,
		newSource: mailsource.New,
		opTimeout: opTimeout,
	}
}

// tally accumulates the counters a run reports.
type tally struct {
	seen        int
	fresh       int
	ok          int
	failed      int
	attachments int
	items       int
	errs        []string
}

func (t *tally) fail(id string, err error) {
	t.failed++
	if len(t.errs) < maxRunErrors {
		t.errs = append(t.errs, fmt.Sprintf("%s: %v", id, err))
	}
}

// Execute performs one full run for an already-claimed service. It
// always finalizes the execution record and releases the claim, on
// every exit path including cancellation.
func (r *Runner) Execute(ctx context.Context, svc *store.Service) {
	started := time.Now()
	logger := slog.With("tenant", svc.TenantID, "service_id", svc.ID)

	run, err := r.store.CreateRun(ctx, svc.ID)
	if err != nil {
		logger.Error("creating execution record", "error", err)
		r.release(svc, 0)
		return
	}
	logger = logger.With("run_id", run.ID)
	metrics.RunningServices.Inc()
	defer metrics.RunningServices.Dec()

	t := &tally{}
	status, runErr := r.execute(ctx, logger, svc, t)

	out := store.RunOutcome{
		Status:               status,
		MessagesSeen:         t.seen,
		MessagesNew:          t.fresh,
		AttachmentsProcessed: t.attachments,
		ItemsExtracted:       t.items,
		Details: map[string]any{
			"duration_ms": time.Since(started).Milliseconds(),
		},
	}
	if len(t.errs) > 0 {
		out.Details["errors"] = t.errs
	}
	// CANCELLED records no error text; the status already says why.
	if runErr != nil && status != models.RunCancelled {
		out.ErrorMessage = runErr.Error()
	}

	// Finalization and release must survive a cancelled run context.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := r.store.FinalizeRun(finCtx, run.ID, out); err != nil {
		logger.Error("finalizing execution record", "error", err)
	}
	if err := r.store.BumpDailyStats(finCtx, svc.TenantID, started.UTC(), t.ok, t.items, t.failed); err != nil {
		logger.Error("updating daily stats", "error", err)
	}
	r.release(svc, t.ok)

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.Observe(time.Since(started).Seconds())
	r.logOutcome(finCtx, logger, svc, status, t)
}

// execute runs the pipeline steps and derives the terminal status.
func (r *Runner) execute(ctx context.Context, logger *slog.Logger, svc *store.Service, t *tally) (models.RunStatus, error) {
	creds, err := r.creds.GetCredentials(ctx, svc.TenantID)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalid) {
			r.deactivateForCredentials(ctx, logger, svc, err)
		}
		return models.RunError, fmt.Errorf("loading credentials: %w", err)
	}

	src, err := r.newSource(creds, mailsource.Options{
		Folder:    svc.Folder,
		OpTimeout: r.opTimeout,
	})
	if err != nil {
		return models.RunError, err
	}
	if err := src.Connect(ctx); err != nil {
		if credentialError(err) {
			r.deactivateForCredentials(ctx, logger, svc, err)
		}
		return models.RunError, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("closing mail source", "error", err)
		}
	}()

	ids, err := src.ListUnseen(ctx)
	if err != nil {
		return models.RunError, fmt.Errorf("listing unseen messages: %w", err)
	}
	t.seen = len(ids)

	ruleset, err := r.store.ListRules(ctx, svc.ID, true)
	if err != nil {
		return models.RunError, fmt.Errorf("loading rules: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return models.RunCancelled, ctx.Err()
		}
		if r.dedup.Seen(ctx, svc.TenantID, id) {
			metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
			continue
		}
		// The redis filter degrades to "not seen" on outages and TTL
		// expiry; the message table is the source of truth, so check it
		// before paying for a fetch.
		if exists, err := r.store.MessageExists(ctx, svc.TenantID, id); err != nil {
			logger.Warn("checking message history", "source_id", id, "error", err)
		} else if exists {
			metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
			continue
		}
		r.processMessage(ctx, logger, svc, ruleset, src, id, t)
	}

	switch {
	case t.failed == 0:
		return models.RunSuccess, nil
	case t.ok > 0:
		return models.RunPartial, fmt.Errorf("%d of %d messages failed", t.failed, t.fresh)
	default:
		return models.RunError, fmt.Errorf("all %d messages failed", t.failed)
	}
}

// processMessage runs the per-message pipeline. Failures are tallied,
// never propagated; the run continues with the next identifier.
func (r *Runner) processMessage(ctx context.Context, logger *slog.Logger, svc *store.Service, ruleset []*store.Rule, src mailsource.Source, id string, t *tally) {
	t.fresh++

	msg, err := src.Fetch(ctx, id)
	if err != nil {
		logger.Warn("fetching message", "source_id", id, "error", err)
		r.dedup.Forget(ctx, svc.TenantID, id)
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		t.fail(id, err)
		return
	}
	msg.SourceID = id

	rowID, created, err := r.store.InsertMessage(ctx, svc.ID, svc.TenantID, msg)
	if err != nil {
		logger.Warn("persisting message", "source_id", id, "error", err)
		r.dedup.Forget(ctx, svc.TenantID, id)
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		t.fail(id, err)
		return
	}
	if !created {
		// Database-level duplicate the redis filter had forgotten.
		t.fresh--
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		return
	}

	matched, err := r.engine.Classify(ctx, ruleset, svc.TenantID, rowID, msg)
	if err != nil {
		logger.Warn("classifying message", "source_id", id, "error", err)
	}

	halt := false
	if matched != nil {
		metrics.RuleMatches.WithLabelValues(string(matched.Action)).Inc()
		halt, err = r.engine.ApplyAction(ctx, matched, svc.TenantID, rowID, msg)
		if err != nil {
			logger.Warn("applying rule action", "rule", matched.Name, "error", err)
		}
	}

	if !halt {
		r.processAttachments(ctx, logger, svc, rowID, msg, t)
		if matched == nil || matched.Action != models.ActionFlagForReview {
			if err := r.store.SetMessageStatus(ctx, rowID, models.MessageProcessed, ""); err != nil {
				logger.Warn("marking message processed", "source_id", id, "error", err)
			}
		}
		metrics.MessagesProcessed.WithLabelValues("processed").Inc()
	} else {
		metrics.MessagesProcessed.WithLabelValues("ignored").Inc()
	}
	t.ok++

	if svc.MarkAsRead {
		if err := src.MarkConsumed(ctx, id); err != nil {
			logger.Warn("marking message consumed", "source_id", id, "error", err)
		}
	}
}

// processAttachments stores each attachment and feeds it to the item
// extractor. A storage or extraction failure marks that attachment
// errored but leaves the message on its normal path.
func (r *Runner) processAttachments(ctx context.Context, logger *slog.Logger, svc *store.Service, rowID int64, msg *models.MailMessage, t *tally) {
	msgItems := 0
	for i := range msg.Attachments {
		att := &msg.Attachments[i]

		key, putErr := r.blobs.Put(ctx, svc.TenantID, msg.ReceivedAt, att)
		attID, err := r.store.InsertAttachment(ctx, rowID, att.Filename, att.ContentType, int64(len(att.Data)), key)
		if err != nil {
			logger.Warn("recording attachment", "filename", att.Filename, "error", err)
			continue
		}
		if putErr != nil {
			logger.Warn("storing attachment", "filename", att.Filename, "error", putErr)
			r.markAttachmentError(ctx, logger, attID, putErr)
			continue
		}

		items, err := r.extractor.Extract(ctx, att.Data, att.ContentType)
		if err != nil {
			logger.Warn("extracting items", "filename", att.Filename, "error", err)
			r.markAttachmentError(ctx, logger, attID, err)
			continue
		}
		if err := r.store.MarkAttachmentProcessed(ctx, attID); err != nil {
			logger.Warn("marking attachment processed", "filename", att.Filename, "error", err)
		}
		t.attachments++
		msgItems += items
	}

	if msgItems > 0 {
		t.items += msgItems
		metrics.ItemsExtracted.Add(float64(msgItems))
		if err := r.store.SetMessageItems(ctx, rowID, msgItems); err != nil {
			logger.Warn("recording item count", "error", err)
		}
	}
}

func (r *Runner) markAttachmentError(ctx context.Context, logger *slog.Logger, attID int64, cause error) {
	if err := r.store.MarkAttachmentError(ctx, attID, cause.Error()); err != nil {
		logger.Warn("marking attachment errored", "error", err)
	}
}

// deactivateForCredentials turns the service off when its credentials
// turn out to be unusable mid-run, so the scheduler stops hammering a
// dead mailbox until an operator fixes the secret.
func (r *Runner) deactivateForCredentials(ctx context.Context, logger *slog.Logger, svc *store.Service, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.SetServiceActive(ctx, svc.ID, false); err != nil {
		logger.Error("deactivating service after credential failure", "error", err)
		return
	}
	if err := r.store.LogActivity(ctx, svc.TenantID, models.EventCredentialsInvalid,
		fmt.Sprintf("auto-deactivated: %v", cause)); err != nil {
		logger.Warn("recording deactivation", "error", err)
	}
	logger.Warn("service auto-deactivated, credentials invalid", "cause", cause)
}

func (r *Runner) release(svc *store.Service, processed int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.ReleaseService(ctx, svc.ID, processed, time.Now().UTC()); err != nil {
		slog.Error("releasing service claim", "service_id", svc.ID, "error", err)
	}
}

func (r *Runner) logOutcome(ctx context.Context, logger *slog.Logger, svc *store.Service, status models.RunStatus, t *tally) {
	event := models.EventRunCompleted
	switch status {
	case models.RunError:
		event = models.EventRunFailed
	case models.RunCancelled:
		event = models.EventRunCancelled
	}
	detail := fmt.Sprintf("status=%s seen=%d new=%d ok=%d failed=%d items=%d",
		status, t.seen, t.fresh, t.ok, t.failed, t.items)
	if err := r.store.LogActivity(ctx, svc.TenantID, event, detail); err != nil {
		logger.Warn("recording run activity", "error", err)
	}
	logger.Info("ingestion run finished",
		"status", status,
		"messages_seen", t.seen,
		"messages_new", t.fresh,
		"messages_failed", t.failed,
		"items_extracted", t.items,
	)
}

// credentialError reports whether an error from the mail source is an
// authentication failure rather than a transient network problem.
func credentialError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401 || apiErr.Code == 403
	}
	return false
}
