// Package store persists session records in a key-value store with two
// secondary indices: the active set and the inactive set. Every write
// recomputes index membership so a session is always in exactly one set.
package store

import (
	"context"
	"errors"

	"github.com/vidmesh/sentinel/internal/domain"
)

// ErrUnavailable marks transient backing-store failures. Liveness scans
// treat reads failing with it as empty; writers surface it to the caller
// for retry on the next operator call.
var ErrUnavailable = errors.New("session store unavailable")

// SessionStore is the durable persistence contract for session records.
type SessionStore interface {
	// Put upserts a record and atomically recomputes index membership.
	Put(ctx context.Context, s *domain.Session) error
	// Get fetches a record by id. A missing record yields (nil, nil).
	Get(ctx context.Context, id string) (*domain.Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Delete removes the record and both index memberships.
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error

	ListActive(ctx context.Context) ([]*domain.Session, error)
	ListInactive(ctx context.Context) ([]*domain.Session, error)
	ListAll(ctx context.Context) ([]*domain.Session, error)

	CountActive(ctx context.Context) (int64, error)
	CountInactive(ctx context.Context) (int64, error)
	CountAll(ctx context.Context) (int64, error)

	// SweepOrphans drops index entries whose records no longer exist and
	// returns how many were removed.
	SweepOrphans(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
