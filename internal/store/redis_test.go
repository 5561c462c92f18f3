package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/vidmesh/sentinel/internal/domain"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client, NewRedisStoreFromClient(client)
}

func inSet(t *testing.T, client *redis.Client, key, id string) bool {
	t.Helper()
	ok, err := client.SIsMember(context.Background(), key, id).Result()
	if err != nil {
		t.Fatalf("sismember %s %s: %v", key, id, err)
	}
	return ok
}

func newSession(id string, status domain.Status, active bool) *domain.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Session{
		ID:            id,
		ClientID:      "client-1",
		Status:        status,
		Active:        active,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	_, _, s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("s1", domain.StatusRecording, true)
	sess.LastChunk = "0003.mp4"
	if err := s.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.ID != "s1" || got.LastChunk != "0003.mp4" || !got.Active {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	_, _, s := newTestStore(t)

	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing id, got %+v", got)
	}
}

func TestIndexMembershipFollowsActivity(t *testing.T) {
	_, client, s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("s1", domain.StatusRecording, true)
	if err := s.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !inSet(t, client, activeSetKey, "s1") {
		t.Error("recording session should be in the active set")
	}
	if inSet(t, client, inactiveSetKey, "s1") {
		t.Error("recording session must not be in the inactive set")
	}

	sess.Status = domain.StatusCompleted
	sess.Active = false
	if err := s.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inSet(t, client, activeSetKey, "s1") {
		t.Error("completed session must leave the active set")
	}
	if !inSet(t, client, inactiveSetKey, "s1") {
		t.Error("completed session should be in the inactive set")
	}
}

func TestDeleteClearsRecordAndIndices(t *testing.T) {
	_, client, s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, newSession("s1", domain.StatusRecording, true)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.Get(ctx, "s1")
	if err != nil || got != nil {
		t.Errorf("expected (nil, nil) after delete, got (%+v, %v)", got, err)
	}
	if inSet(t, client, activeSetKey, "s1") || inSet(t, client, inactiveSetKey, "s1") {
		t.Error("delete must clear both index sets")
	}
}

func TestDeleteMany(t *testing.T) {
	_, _, s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, newSession(id, domain.StatusRecording, true)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := s.DeleteMany(ctx, []string{"a", "c"}); err != nil {
		t.Fatalf("deleteMany: %v", err)
	}

	for id, want := range map[string]bool{"a": false, "b": true, "c": false} {
		ok, err := s.Exists(ctx, id)
		if err != nil {
			t.Fatalf("exists %s: %v", id, err)
		}
		if ok != want {
			t.Errorf("exists(%s) = %v, want %v", id, ok, want)
		}
	}
}

func TestListsValidateAgainstRecord(t *testing.T) {
	_, client, s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, newSession("live", domain.StatusRecording, true)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, newSession("done", domain.StatusCompleted, false)); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Simulate a lagging index entry pointing at a terminal record.
	if err := client.SAdd(ctx, activeSetKey, "done").Err(); err != nil {
		t.Fatalf("sadd: %v", err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("listActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "live" {
		t.Errorf("listActive = %+v, want only live", active)
	}

	inactive, err := s.ListInactive(ctx)
	if err != nil {
		t.Fatalf("listInactive: %v", err)
	}
	if len(inactive) != 1 || inactive[0].ID != "done" {
		t.Errorf("listInactive = %+v, want only done", inactive)
	}
}

func TestCounts(t *testing.T) {
	_, _, s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, newSession("a", domain.StatusRecording, true)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, newSession("b", domain.StatusStarting, true)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, newSession("c", domain.StatusFailed, false)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if n, _ := s.CountActive(ctx); n != 2 {
		t.Errorf("countActive = %d, want 2", n)
	}
	if n, _ := s.CountInactive(ctx); n != 1 {
		t.Errorf("countInactive = %d, want 1", n)
	}
	if n, _ := s.CountAll(ctx); n != 3 {
		t.Errorf("countAll = %d, want 3", n)
	}
}

func TestSweepOrphans(t *testing.T) {
	_, client, s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, newSession("kept", domain.StatusRecording, true)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := client.SAdd(ctx, activeSetKey, "ghost1").Err(); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := client.SAdd(ctx, inactiveSetKey, "ghost2").Err(); err != nil {
		t.Fatalf("sadd: %v", err)
	}

	removed, err := s.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if !inSet(t, client, activeSetKey, "kept") {
		t.Error("sweep must keep entries with live records")
	}
}

func TestUnavailableWrapped(t *testing.T) {
	mr, _, s := newTestStore(t)
	mr.Close()

	if err := s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ping error = %v, want ErrUnavailable", err)
	}
	if _, err := s.Get(context.Background(), "s1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("get error = %v, want ErrUnavailable", err)
	}
}
