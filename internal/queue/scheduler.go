package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zenbudget/internal/core"
	"zenbudget/internal/services"
)

// SyncRunner runs one delta sync for a user. Satisfied by
// services.SyncEngine.
type SyncRunner interface {
	Sync(ctx context.Context, userID core.UserID) (*services.SyncResult, error)
}

// UserSource enumerates users eligible for periodic syncing.
type UserSource interface {
	ListConnectedUsers(ctx context.Context) ([]core.UserID, error)
}

// SchedulerConfig holds the scheduler's timing knobs.
type SchedulerConfig struct {
	// SyncInterval is how often every connected user is synced.
	SyncInterval time.Duration

	// DrainInterval is how often queued offline entries are drained.
	DrainInterval time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		DrainInterval: 5 * time.Minute,
	}
}

// Scheduler funnels every sync trigger (timer, bus message, explicit
// call) through one coalescing entry point. Requests for a user that
// arrive while a run is queued collapse into a single run; the engine's
// own lock absorbs whatever still races through.
type Scheduler struct {
	runner  SyncRunner
	drainer *Drainer
	users   UserSource
	config  SchedulerConfig

	mu      sync.Mutex
	pending map[core.UserID]struct{}
	notify  chan struct{}
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewScheduler(runner SyncRunner, drainer *Drainer, users UserSource, config SchedulerConfig) *Scheduler {
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSchedulerConfig().SyncInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultSchedulerConfig().DrainInterval
	}
	return &Scheduler{
		runner:  runner,
		drainer: drainer,
		users:   users,
		config:  config,
		pending: make(map[core.UserID]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// RequestSync marks the user for a sync run. Safe from any goroutine;
// duplicate requests before the run starts coalesce into one.
func (s *Scheduler) RequestSync(userID core.UserID) {
	s.mu.Lock()
	s.pending[userID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Start begins the scheduling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	// Catch up entries queued while the worker was down.
	if err := s.drainer.DrainAll(ctx); err != nil {
		slog.WarnContext(ctx, "Startup drain pass failed", "error", err)
	}

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Scheduler started",
		"sync_interval", s.config.SyncInterval,
		"drain_interval", s.config.DrainInterval)

	return nil
}

// Stop gracefully stops the scheduler and waits for the loop to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		slog.InfoContext(ctx, "Scheduler stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	syncTicker := time.NewTicker(s.config.SyncInterval)
	defer syncTicker.Stop()

	drainTicker := time.NewTicker(s.config.DrainInterval)
	defer drainTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.notify:
			s.runPending(ctx)
		case <-syncTicker.C:
			s.requestAll(ctx)
			s.runPending(ctx)
		case <-drainTicker.C:
			if err := s.drainer.DrainAll(ctx); err != nil {
				slog.ErrorContext(ctx, "Periodic drain failed", "error", err)
			}
		}
	}
}

// runPending drains the coalesced request set, strictly sequentially.
func (s *Scheduler) runPending(ctx context.Context) {
	for {
		s.mu.Lock()
		var userID core.UserID
		found := false
		for id := range s.pending {
			userID = id
			found = true
			break
		}
		if found {
			delete(s.pending, userID)
		}
		s.mu.Unlock()

		if !found {
			return
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := s.runner.Sync(ctx, userID); err != nil {
			// Already recorded in sync_state; the loop moves on.
			slog.DebugContext(ctx, "Scheduled sync failed",
				"user_id", userID, "error", err)
		}
	}
}

func (s *Scheduler) requestAll(ctx context.Context) {
	users, err := s.users.ListConnectedUsers(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list users for periodic sync", "error", err)
		return
	}
	s.mu.Lock()
	for _, id := range users {
		s.pending[id] = struct{}{}
	}
	s.mu.Unlock()
}
