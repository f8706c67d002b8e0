// Package scheduler runs one recurring poll per active profile plus a
// recurring cleanup, with a bounded worker pool and per-profile exclusion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/mediarelay/internal/storage"
)

var (
	// ErrBusy is returned when a run for the profile is already in progress.
	ErrBusy = errors.New("profile run already in progress")
	// ErrStopped is returned once the scheduler has been stopped.
	ErrStopped = errors.New("scheduler stopped")
)

const (
	defaultWorkers         = 4
	defaultCleanupInterval = 6 * time.Hour
)

// RunFunc performs one fetch-and-dispatch run for a profile.
type RunFunc func(ctx context.Context, profileID string) error

// ProfileLister supplies the profiles scheduled at Start.
type ProfileLister interface {
	ListProfiles(ctx context.Context, activeOnly bool) ([]storage.Profile, error)
}

// Config configures a Scheduler. Zero values select defaults.
type Config struct {
	Workers         int
	CleanupInterval time.Duration
	// Cleanup runs on every cleanup tick. Nil disables the cleanup trigger.
	Cleanup func(ctx context.Context)
	Logger  *slog.Logger
}

// Entry describes a registered profile trigger.
type Entry struct {
	ProfileID string        `json:"profile_id"`
	Interval  time.Duration `json:"interval"`
	Next      time.Time     `json:"next,omitzero"`
	Running   bool          `json:"running"`
}

type trigger struct {
	id       cron.EntryID
	interval time.Duration
}

// Scheduler owns the recurring triggers. All methods are safe for concurrent use.
type Scheduler struct {
	run      RunFunc
	profiles ProfileLister
	cfg      Config
	cron     *cron.Cron
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	triggers  map[string]trigger
	running   map[string]bool
	cleanupID cron.EntryID
	started   bool
	stopped   bool
	stopCtx   context.Context
	forced    sync.WaitGroup

	cleaning atomic.Bool
}

// New creates a Scheduler. It does nothing until Start.
func New(run RunFunc, profiles ProfileLister, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:      run,
		profiles: profiles,
		cfg:      cfg,
		cron:     cron.New(cron.WithLogger(cronLogger{logger})),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		logger:   logger,
		ctx:      context.Background(),
		triggers: make(map[string]trigger),
		running:  make(map[string]bool),
	}
}

// Start schedules every active profile and the cleanup trigger, then starts
// the trigger loop. Runs inherit ctx's values but are not cancelled by Stop.
// Start is a no-op after the first call.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		return nil
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	profiles, err := s.profiles.ListProfiles(ctx, true)
	if err != nil {
		return fmt.Errorf("listing active profiles: %w", err)
	}
	for _, p := range profiles {
		if err := s.Schedule(p.ID, p.Interval()); err != nil {
			return err
		}
	}

	if s.cfg.Cleanup != nil {
		s.mu.Lock()
		s.cleanupID = s.cron.Schedule(cron.Every(s.cfg.CleanupInterval), cron.FuncJob(s.fireCleanup))
		s.mu.Unlock()
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "profiles", len(profiles), "workers", s.cfg.Workers,
		"cleanup_interval", s.cfg.CleanupInterval)
	return nil
}

// Schedule registers or replaces the recurring trigger for profileID.
func (s *Scheduler) Schedule(profileID string, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("interval %s is below one second", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if t, ok := s.triggers[profileID]; ok {
		s.cron.Remove(t.id)
	}
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.fire(profileID) }))
	s.triggers[profileID] = trigger{id: id, interval: interval}
	s.logger.Debug("profile scheduled", "profile_id", profileID, "interval", interval)
	return nil
}

// Cancel unregisters profileID's trigger. A run already in progress finishes.
func (s *Scheduler) Cancel(profileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.triggers[profileID]; ok {
		s.cron.Remove(t.id)
		delete(s.triggers, profileID)
		s.logger.Debug("profile unscheduled", "profile_id", profileID)
	}
}

// RunNow runs profileID immediately on the calling goroutine and returns
// the run's error. It returns ErrBusy if the profile is already running.
func (s *Scheduler) RunNow(ctx context.Context, profileID string) error {
	if err := s.claim(profileID, true); err != nil {
		return err
	}
	defer s.forced.Done()
	defer s.release(profileID)
	return s.execute(ctx, profileID)
}

// Trigger starts a forced run in the background. Busy and stopped states
// are reported synchronously.
func (s *Scheduler) Trigger(profileID string) error {
	if err := s.claim(profileID, true); err != nil {
		return err
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	go func() {
		defer s.forced.Done()
		defer s.release(profileID)
		if err := s.execute(ctx, profileID); err != nil {
			s.logger.Warn("forced run failed", "profile_id", profileID, "error", err)
		}
	}()
	return nil
}

// Stop unregisters every trigger and refuses further runs. The returned
// context is done once in-flight runs have finished; they are not interrupted.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	if s.stopped {
		ctx := s.stopCtx
		s.mu.Unlock()
		return ctx
	}
	s.stopped = true
	for id, t := range s.triggers {
		s.cron.Remove(t.id)
		delete(s.triggers, id)
	}
	if s.cleanupID != 0 {
		s.cron.Remove(s.cleanupID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCtx = ctx
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	go func() {
		<-cronDone.Done()
		s.forced.Wait()
		cancel()
	}()
	s.logger.Info("scheduler stopping")
	return ctx
}

// Entries lists registered profile triggers ordered by profile id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.triggers))
	for id, t := range s.triggers {
		out = append(out, Entry{
			ProfileID: id,
			Interval:  t.interval,
			Next:      s.cron.Entry(t.id).Next,
			Running:   s.running[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// Running reports whether a run for profileID is in progress.
func (s *Scheduler) Running(profileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[profileID]
}

// claim marks profileID running. Forced claims are tracked so Stop can wait.
func (s *Scheduler) claim(profileID string, forced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running[profileID] {
		return ErrBusy
	}
	s.running[profileID] = true
	if forced {
		s.forced.Add(1)
	}
	return nil
}

func (s *Scheduler) release(profileID string) {
	s.mu.Lock()
	delete(s.running, profileID)
	s.mu.Unlock()
}

// fire is the cron job for a profile trigger. It runs on cron's goroutine,
// so cron's stop context covers it.
func (s *Scheduler) fire(profileID string) {
	if err := s.claim(profileID, false); err != nil {
		if errors.Is(err, ErrBusy) {
			s.logger.Debug("previous run still in progress, skipping", "profile_id", profileID)
		}
		return
	}
	defer s.release(profileID)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.execute(ctx, profileID); err != nil {
		s.logger.Warn("scheduled run failed", "profile_id", profileID, "error", err)
	}
}

// execute waits for a worker slot and performs the run, converting panics
// into errors.
func (s *Scheduler) execute(ctx context.Context, profileID string) (err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error("run panic",
				"profile_id", profileID,
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("run panicked (correlation_id: %s)", correlationID)
		}
	}()
	return s.run(ctx, profileID)
}

// RunCleanup performs a cleanup now unless one is already running.
func (s *Scheduler) RunCleanup(ctx context.Context) bool {
	if s.cfg.Cleanup == nil || !s.cleaning.CompareAndSwap(false, true) {
		return false
	}
	defer s.cleaning.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup panic", "panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
		}
	}()
	s.cfg.Cleanup(ctx)
	return true
}

func (s *Scheduler) fireCleanup() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if !s.RunCleanup(ctx) {
		s.logger.Debug("cleanup already running, skipping")
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
