// Package scheduler runs the periodic maintenance jobs: the liveness
// detector pass, the inactive-session sweep, and the backup reclaim.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vidmesh/sentinel/internal/config"
	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/logging"
)

const jobTimeout = time.Minute

// liveness is the detector slice the scheduler ticks.
type liveness interface {
	CheckOnce(ctx context.Context) int
}

// sessionJanitor is the registry slice the inactivity sweep uses.
type sessionJanitor interface {
	ListActive(ctx context.Context) ([]*domain.Session, error)
	MarkInactive(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// orphanSweeper drops index entries whose records are gone.
type orphanSweeper interface {
	SweepOrphans(ctx context.Context) (int, error)
}

// backupReclaimer is the launcher slice the reclaim job drives.
type backupReclaimer interface {
	Cleanup(ctx context.Context)
}

// Scheduler owns the cron instance. Each job is guarded so it never
// overlaps with itself; different jobs may run concurrently.
type Scheduler struct {
	cfg      config.FailoverConfig
	detector liveness
	registry sessionJanitor
	store    orphanSweeper
	launcher backupReclaimer
	now      func() time.Time

	cron        *cron.Cron
	detectAfter time.Time

	detectMu  sync.Mutex
	cleanupMu sync.Mutex
	reclaimMu sync.Mutex
}

// New creates a Scheduler with the three maintenance jobs unstarted.
func New(cfg config.FailoverConfig, det liveness, reg sessionJanitor, st orphanSweeper, l backupReclaimer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		detector: det,
		registry: reg,
		store:    st,
		launcher: l,
		now:      time.Now,
		cron:     cron.New(),
	}
}

// SetClock overrides the wall clock, used by tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start registers the jobs and starts the cron loop. The detect job
// skips its first ticks until the check interval has elapsed once, so
// workers get a chance to report in after a restart.
func (s *Scheduler) Start() error {
	checkInterval := time.Duration(s.cfg.CheckIntervalS) * time.Second
	cleanupInterval := time.Duration(s.cfg.CleanupIntervalS) * time.Second
	s.detectAfter = s.now().Add(checkInterval)

	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"detect", checkInterval, s.runDetect},
		{"cleanup", cleanupInterval, s.runCleanup},
		{"backup-reclaim", cleanupInterval, s.runReclaim},
	}
	for _, j := range jobs {
		spec := fmt.Sprintf("@every %s", j.interval)
		if _, err := s.cron.AddFunc(spec, j.run); err != nil {
			return fmt.Errorf("register %s job: %w", j.name, err)
		}
	}

	s.cron.Start()
	logging.Op().Info("scheduler started",
		"check_interval", checkInterval, "cleanup_interval", cleanupInterval)
	return nil
}

// Stop halts the cron loop and waits up to grace for running jobs.
func (s *Scheduler) Stop(grace time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(grace):
		logging.Op().Warn("scheduler stop grace expired with jobs running")
	}
}

func (s *Scheduler) runDetect() {
	if !s.detectMu.TryLock() {
		return
	}
	defer s.detectMu.Unlock()

	if s.now().Before(s.detectAfter) {
		logging.Op().Debug("detector warm-up, skipping pass")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.detector.CheckOnce(ctx)
}

// runCleanup retires sessions whose heartbeat has been silent past the
// inactivity threshold, then drops orphaned index entries.
func (s *Scheduler) runCleanup() {
	if !s.cleanupMu.TryLock() {
		return
	}
	defer s.cleanupMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	sessions, err := s.registry.ListActive(ctx)
	if err != nil {
		logging.Op().Warn("inactivity sweep could not list sessions", "error", err)
		return
	}

	threshold := time.Duration(s.cfg.MaxInactiveS) * time.Second
	now := s.now()
	removed := 0
	for _, sess := range sessions {
		if !sess.IsInactive(threshold, now) {
			continue
		}
		if err := s.registry.MarkInactive(ctx, sess.ID); err != nil {
			logging.Op().Warn("inactivity sweep mark failed", "session", sess.ID, "error", err)
			continue
		}
		if err := s.registry.Remove(ctx, sess.ID); err != nil {
			logging.Op().Warn("inactivity sweep remove failed", "session", sess.ID, "error", err)
			continue
		}
		removed++
	}

	orphans, err := s.store.SweepOrphans(ctx)
	if err != nil {
		logging.Op().Warn("orphan sweep failed", "error", err)
	}
	if removed > 0 || orphans > 0 {
		logging.Op().Info("inactivity sweep complete", "removed", removed, "orphans", orphans)
	}
}

func (s *Scheduler) runReclaim() {
	if !s.reclaimMu.TryLock() {
		return
	}
	defer s.reclaimMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.launcher.Cleanup(ctx)
}
