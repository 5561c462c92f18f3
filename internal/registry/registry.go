// Package registry owns session semantics: insertion, heartbeats, status
// transitions and removal. The store owns the bytes; nothing else mutates
// sessions directly.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vidmesh/sentinel/internal/domain"
	"github.com/vidmesh/sentinel/internal/logging"
	"github.com/vidmesh/sentinel/internal/store"
)

var (
	// ErrNotFound is returned for operations on an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when registering a duplicate id.
	ErrAlreadyExists = errors.New("session already exists")
)

// ChunkCollector starts chunk cleanup for a removed session. The call
// must not block on object-store work when the collector runs async.
type ChunkCollector interface {
	CollectSession(id string)
}

// NopCollector satisfies ChunkCollector when cleanup is disabled.
type NopCollector struct{}

func (NopCollector) CollectSession(string) {}

// Registry applies lifecycle operations to session records.
type Registry struct {
	store store.SessionStore
	gc    ChunkCollector
	now   func() time.Time
}

// New creates a Registry. A nil collector disables chunk cleanup.
func New(s store.SessionStore, gc ChunkCollector) *Registry {
	if gc == nil {
		gc = NopCollector{}
	}
	return &Registry{store: s, gc: gc, now: time.Now}
}

// SetClock overrides the wall clock, used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Register inserts a new session in STARTING state. It is the only
// operation that may insert.
func (r *Registry) Register(ctx context.Context, id, clientID, clientHost, metadata string) (*domain.Session, error) {
	exists, err := r.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	now := r.now()
	sess := &domain.Session{
		ID:            id,
		ClientID:      clientID,
		ClientHost:    clientHost,
		Metadata:      metadata,
		Status:        domain.StatusStarting,
		Active:        true,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	if err := r.store.Put(ctx, sess); err != nil {
		return nil, err
	}
	logging.Op().Info("session registered", "session", id, "client", clientID)
	return sess, nil
}

// Heartbeat advances the liveness timestamp and optionally records the
// latest chunk label. The status is left untouched.
func (r *Registry) Heartbeat(ctx context.Context, id, lastChunk string) error {
	return r.mutate(ctx, id, func(sess *domain.Session) {
		sess.LastHeartbeat = r.now()
		if lastChunk != "" {
			sess.LastChunk = lastChunk
		}
	})
}

// SetStatus overwrites the session status. Terminal statuses clear the
// active flag in the same write.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.Status) error {
	err := r.mutate(ctx, id, func(sess *domain.Session) {
		sess.Status = status
		if status.IsTerminal() {
			sess.Active = false
		}
		sess.LastHeartbeat = r.now()
	})
	if err == nil {
		logging.Op().Info("session status updated", "session", id, "status", status)
	}
	return err
}

// SetRecordingPath overwrites the recording path and touches the heartbeat.
func (r *Registry) SetRecordingPath(ctx context.Context, id, path string) error {
	return r.mutate(ctx, id, func(sess *domain.Session) {
		sess.RecordingPath = path
		sess.LastHeartbeat = r.now()
	})
}

// Stop runs the two-phase shutdown: STOPPING, then COMPLETED.
func (r *Registry) Stop(ctx context.Context, id string) error {
	if err := r.SetStatus(ctx, id, domain.StatusStopping); err != nil {
		return err
	}
	return r.SetStatus(ctx, id, domain.StatusCompleted)
}

// MarkInactive retires the session without removing it and without
// triggering chunk cleanup.
func (r *Registry) MarkInactive(ctx context.Context, id string) error {
	return r.SetStatus(ctx, id, domain.StatusInactive)
}

// Remove hard-deletes the session and starts chunk cleanup. Cleanup is
// best-effort; its completion is not linked back to the registry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.gc.CollectSession(id)
	logging.Op().Info("session removed", "session", id)
	return nil
}

// SetBackupInfo records or clears the backup container identifiers.
// This is a metadata-only write: the heartbeat is not touched, so the
// detector's staleness view of the primary is preserved.
func (r *Registry) SetBackupInfo(ctx context.Context, id, containerID, containerName string) error {
	return r.mutate(ctx, id, func(sess *domain.Session) {
		sess.BackupContainerID = containerID
		sess.BackupContainerName = containerName
	})
}

// Get fetches a session, mapping absence to ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// Exists reports record presence without fetching it.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	return r.store.Exists(ctx, id)
}

func (r *Registry) ListActive(ctx context.Context) ([]*domain.Session, error) {
	return r.store.ListActive(ctx)
}

func (r *Registry) ListInactive(ctx context.Context) ([]*domain.Session, error) {
	return r.store.ListInactive(ctx)
}

func (r *Registry) ListAll(ctx context.Context) ([]*domain.Session, error) {
	return r.store.ListAll(ctx)
}

func (r *Registry) CountActive(ctx context.Context) (int64, error) {
	return r.store.CountActive(ctx)
}

func (r *Registry) CountInactive(ctx context.Context) (int64, error) {
	return r.store.CountInactive(ctx)
}

func (r *Registry) CountAll(ctx context.Context) (int64, error) {
	return r.store.CountAll(ctx)
}

// mutate applies fn to an existing record and writes it back. The store's
// atomic upsert keeps the mutation and index membership torn-write free.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*domain.Session)) error {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(sess)
	return r.store.Put(ctx, sess)
}
