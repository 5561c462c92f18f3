// Package detector periodically classifies active sessions as healthy
// or failed and hands failed ones to the backup launcher.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/metrics"
)

// backupLauncher is the slice of the launcher the detector drives.
type backupLauncher interface {
	Tracked(id string) bool
	StartBackup(ctx context.Context, sess *domain.Session) error
}

// sessionLister supplies the active-set snapshot for each pass.
type sessionLister interface {
	ListActive(ctx context.Context) ([]*domain.Session, error)
}

// Config holds the liveness thresholds.
type Config struct {
	Enabled         bool
	HeartbeatPeriod time.Duration
	ChunkPeriod     time.Duration
	MaxMissed       int
	CheckInterval   time.Duration
}

// Status is the operator-visible detector state.
type Status struct {
	Enabled          bool      `json:"enabled"`
	HeartbeatTimeout string    `json:"heartbeat_timeout"`
	StuckTimeout     string    `json:"stuck_timeout"`
	CheckInterval    string    `json:"check_interval"`
	LastPassAt       time.Time `json:"last_pass_at,omitzero"`
	LastFlagged      int       `json:"last_flagged"`
}

// Detector runs the periodic liveness scan. At most one pass is in
// flight at a time; overlapping triggers are skipped.
type Detector struct {
	cfg      Config
	sessions sessionLister
	launcher backupLauncher
	now      func() time.Time

	passMu sync.Mutex

	mu          sync.Mutex
	lastPassAt  time.Time
	lastFlagged int
}

// New creates a Detector.
func New(cfg Config, sessions sessionLister, launcher backupLauncher) *Detector {
	return &Detector{
		cfg:      cfg,
		sessions: sessions,
		launcher: launcher,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, used by tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// HeartbeatTimeout is the staleness threshold for a missing heartbeat.
func (d *Detector) HeartbeatTimeout() time.Duration {
	return d.cfg.HeartbeatPeriod * time.Duration(d.cfg.MaxMissed)
}

// StuckTimeout is the staleness threshold for a session that has
// reported at least one chunk.
func (d *Detector) StuckTimeout() time.Duration {
	return d.cfg.ChunkPeriod * time.Duration(d.cfg.MaxMissed)
}

// CheckOnce performs a single detector pass and returns the number of
// sessions flagged as failed. A pass already in flight makes it a no-op.
func (d *Detector) CheckOnce(ctx context.Context) int {
	if !d.cfg.Enabled {
		return 0
	}
	if !d.passMu.TryLock() {
		return 0
	}
	defer d.passMu.Unlock()

	start := time.Now()
	now := d.now()

	sessions, err := d.sessions.ListActive(ctx)
	if err != nil {
		// A store hiccup must never cause a false-positive failover;
		// treat the scan as empty and try again next tick.
		logging.Op().Warn("detector could not list active sessions", "error", err)
		return 0
	}

	flagged := 0
	for _, sess := range sessions {
		if d.launcher.Tracked(sess.ID) {
			continue
		}
		if !sess.IsActive() {
			continue
		}

		hbAge := now.Sub(sess.LastHeartbeat)
		timedOut := hbAge > d.HeartbeatTimeout()
		stuck := sess.LastChunk != "" && hbAge > d.StuckTimeout()
		if !timedOut && !stuck {
			continue
		}

		logging.Op().Warn("session failed, launching backup",
			"session", sess.ID, "heartbeat_age", hbAge,
			"timed_out", timedOut, "stuck", stuck, "last_chunk", sess.LastChunk)
		if err := d.launcher.StartBackup(ctx, sess); err != nil {
			logging.Op().Error("backup launch failed", "session", sess.ID, "error", err)
			continue
		}
		flagged++
	}

	d.mu.Lock()
	d.lastPassAt = now
	d.lastFlagged = flagged
	d.mu.Unlock()

	metrics.Global().DetectorPasses.Inc()
	metrics.Global().DetectorDuration.Observe(time.Since(start).Seconds())
	return flagged
}

// Status returns an operator-visible snapshot.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Enabled:          d.cfg.Enabled,
		HeartbeatTimeout: d.HeartbeatTimeout().String(),
		StuckTimeout:     d.StuckTimeout().String(),
		CheckInterval:    d.cfg.CheckInterval.String(),
		LastPassAt:       d.lastPassAt,
		LastFlagged:      d.lastFlagged,
	}
}
