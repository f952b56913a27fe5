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

// Package scheduler owns the per-tenant ingestion lifecycle: the
// periodic due-service sweep, claim-based mutual exclusion, a bounded
// run pool, and the admin operations that change a service's state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/models"
	"github.com/claimsflow/ingestion/internal/store"
)

var (
	// ErrIntervalTooSmall rejects polling intervals under one minute.
	ErrIntervalTooSmall = errors.New("polling interval must be at least 1 minute")

	// ErrCredentialsRequired blocks activation and manual runs while
	// the tenant has no usable mailbox credentials.
	ErrCredentialsRequired = errors.New("mailbox credentials missing or invalid")

	// ErrNotRunning is returned by CancelRun when no run is in flight.
	ErrNotRunning = errors.New("no ingestion run in flight for service")
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	EnsureService(ctx context.Context, tenantID string) (*store.Service, error)
	GetService(ctx context.Context, id int64) (*store.Service, error)
	GetServiceByTenant(ctx context.Context, tenantID string) (*store.Service, error)
	ListDue(ctx context.Context, now time.Time) ([]store.Service, error)
	ClaimService(ctx context.Context, id int64) error
	SetServiceActive(ctx context.Context, id int64, active bool) error
	SetServiceInterval(ctx context.Context, id int64, minutes int) error
	ScheduleNow(ctx context.Context, id int64) error
	UpdateServiceSettings(ctx context.Context, id int64, markAsRead bool, folder string) error
	LastRun(ctx context.Context, serviceID int64) (*store.Run, error)
	LogActivity(ctx context.Context, tenantID string, event models.ActivityEvent, details string) error
}

// Runner executes one run for a service the scheduler already claimed.
type Runner interface {
	Execute(ctx context.Context, svc *store.Service)
}

// Scheduler sweeps for due services and dispatches runs to a bounded
// worker pool. One Scheduler instance owns all tenants of a process.
type Scheduler struct {
	store  Store
	creds  credentials.Store
	runner Runner
	tick   time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

func New(st Store, creds credentials.Store, runner Runner, tick time.Duration, maxConcurrent int) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Scheduler{
		store:   st,
		creds:   creds,
		runner:  runner,
		tick:    tick,
		sem:     make(chan struct{}, maxConcurrent),
		cancels: make(map[int64]context.CancelFunc),
	}
}

// Run sweeps until the context is cancelled, then waits for in-flight
// runs to drain.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "tick", s.tick, "max_concurrent", cap(s.sem))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping, draining runs")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep claims and dispatches every due service the pool has room for.
func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDue(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("listing due services", "error", err)
		return
	}
	for i := range due {
		svc := due[i]
		if err := s.dispatch(ctx, &svc); err != nil {
			if !errors.Is(err, errPoolFull) && !errors.Is(err, store.ErrAlreadyRunning) {
				slog.Warn("dispatching due service", "tenant", svc.TenantID, "error", err)
			}
		}
	}
}

var errPoolFull = errors.New("run pool at capacity")

// dispatch acquires a pool slot, claims the service, and starts the run
// goroutine. A full pool leaves the service due; the next sweep retries.
func (s *Scheduler) dispatch(ctx context.Context, svc *store.Service) error {
	select {
	case s.sem <- struct{}{}:
	default:
		return errPoolFull
	}

	if err := s.store.ClaimService(ctx, svc.ID); err != nil {
		<-s.sem
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[svc.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, svc.ID)
			s.mu.Unlock()
			cancel()
			<-s.sem
			s.wg.Done()
		}()
		s.runner.Execute(runCtx, svc)
	}()
	return nil
}

// SetActive flips a service on or off. Activation requires usable
// credentials and schedules an immediate run; deactivation leaves any
// in-flight run to finish on its own.
func (s *Scheduler) SetActive(ctx context.Context, id int64, active bool) error {
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	if active {
		if err := credentials.Verify(ctx, s.creds, svc.TenantID); err != nil {
			if errors.Is(err, credentials.ErrInvalid) {
				return fmt.Errorf("%w: %v", ErrCredentialsRequired, err)
			}
			return err
		}
	}
	if err := s.store.SetServiceActive(ctx, id, active); err != nil {
		return err
	}

	event := models.EventServiceStarted
	if !active {
		event = models.EventServiceStopped
	}
	if err := s.store.LogActivity(ctx, svc.TenantID, event, ""); err != nil {
		slog.Warn("recording service toggle", "tenant", svc.TenantID, "error", err)
	}
	return nil
}

// SetInterval changes the polling cadence. The one-minute floor guards
// the providers from hammering.
func (s *Scheduler) SetInterval(ctx context.Context, id int64, minutes int) error {
	if minutes < 1 {
		return ErrIntervalTooSmall
	}
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.SetServiceInterval(ctx, id, minutes); err != nil {
		return err
	}
	if err := s.store.LogActivity(ctx, svc.TenantID, models.EventIntervalChanged,
		fmt.Sprintf("interval set to %d min", minutes)); err != nil {
		slog.Warn("recording interval change", "tenant", svc.TenantID, "error", err)
	}
	return nil
}

// RunNow starts an ingestion run immediately, outside the regular
// cadence. When the pool is full the run is queued for the next sweep
// instead of blocking the caller.
func (s *Scheduler) RunNow(ctx context.Context, id int64) error {
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	if err := credentials.Verify(ctx, s.creds, svc.TenantID); err != nil {
		if errors.Is(err, credentials.ErrInvalid) {
			return fmt.Errorf("%w: %v", ErrCredentialsRequired, err)
		}
		return err
	}
	if err := s.store.LogActivity(ctx, svc.TenantID, models.EventManualRunRequested, ""); err != nil {
		slog.Warn("recording manual run", "tenant", svc.TenantID, "error", err)
	}

	err = s.dispatch(context.WithoutCancel(ctx), svc)
	if errors.Is(err, errPoolFull) {
		return s.store.ScheduleNow(ctx, id)
	}
	return err
}

// CancelRun cancels an in-flight run. The runner observes the context
// between messages and finalizes the record as CANCELLED.
func (s *Scheduler) CancelRun(id int64) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// UpdateSettings changes the mailbox behavior flags.
func (s *Scheduler) UpdateSettings(ctx context.Context, id int64, markAsRead bool, folder string) error {
	return s.store.UpdateServiceSettings(ctx, id, markAsRead, folder)
}

// ServiceStatus is the admin-facing snapshot of one service.
type ServiceStatus struct {
	Service *store.Service `json:"service"`
	LastRun *store.Run     `json:"last_run,omitempty"`
}

// Status returns the service row plus its most recent run.
func (s *Scheduler) Status(ctx context.Context, id int64) (*ServiceStatus, error) {
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastRun(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &ServiceStatus{Service: svc, LastRun: last}, nil
}
