package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/vidmesh/sentinel/internal/domain"
)

const (
	sessionKeyPrefix = "session:"
	activeSetKey     = "sessions:active"
	inactiveSetKey   = "sessions:inactive"
)

// RedisStore implements SessionStore on Redis. Records are JSON values
// under session:{id}; the active/inactive indices are plain sets whose
// membership is maintained transactionally with every record write.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+sess.ID, data, 0)
		if sess.IsActive() {
			pipe.SAdd(ctx, activeSetKey, sess.ID)
			pipe.SRem(ctx, inactiveSetKey, sess.ID)
		} else {
			pipe.SAdd(ctx, inactiveSetKey, sess.ID)
			pipe.SRem(ctx, activeSetKey, sess.ID)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKeyPrefix+id)
		pipe.SRem(ctx, activeSetKey, id)
		pipe.SRem(ctx, inactiveSetKey, id)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, sessionKeyPrefix+id)
		}
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.SRem(ctx, activeSetKey, members...)
		pipe.SRem(ctx, inactiveSetKey, members...)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*domain.Session, error) {
	return s.listSet(ctx, activeSetKey, func(sess *domain.Session) bool {
		return sess.IsActive()
	})
}

func (s *RedisStore) ListInactive(ctx context.Context) ([]*domain.Session, error) {
	return s.listSet(ctx, inactiveSetKey, func(sess *domain.Session) bool {
		return !sess.IsActive()
	})
}

func (s *RedisStore) ListAll(ctx context.Context) ([]*domain.Session, error) {
	active, err := s.listSet(ctx, activeSetKey, nil)
	if err != nil {
		return nil, err
	}
	inactive, err := s.listSet(ctx, inactiveSetKey, nil)
	if err != nil {
		return nil, err
	}
	return append(active, inactive...), nil
}

// listSet resolves a secondary index to records. The index may lag a
// concurrent Put, so entries are validated against the fetched record
// and strays are skipped.
func (s *RedisStore) listSet(ctx context.Context, key string, valid func(*domain.Session) bool) ([]*domain.Session, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			continue
		}
		if valid != nil && !valid(sess) {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *RedisStore) CountActive(ctx context.Context) (int64, error) {
	return s.countSet(ctx, activeSetKey)
}

func (s *RedisStore) CountInactive(ctx context.Context) (int64, error) {
	return s.countSet(ctx, inactiveSetKey)
}

func (s *RedisStore) CountAll(ctx context.Context) (int64, error) {
	active, err := s.countSet(ctx, activeSetKey)
	if err != nil {
		return 0, err
	}
	inactive, err := s.countSet(ctx, inactiveSetKey)
	if err != nil {
		return 0, err
	}
	return active + inactive, nil
}

func (s *RedisStore) countSet(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *RedisStore) SweepOrphans(ctx context.Context) (int, error) {
	removed := 0
	for _, key := range []string{activeSetKey, inactiveSetKey} {
		ids, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return removed, unavailable(err)
		}
		for _, id := range ids {
			n, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
			if err != nil {
				return removed, unavailable(err)
			}
			if n == 0 {
				if err := s.client.SRem(ctx, key, id).Err(); err != nil {
					return removed, unavailable(err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
