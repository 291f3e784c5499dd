package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"github.com/amoylab/syncroom/internal/common/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store backed by Redis so presence survives the
// process and is visible to sibling instances. Each record lives under a
// per-user key with a TTL; a set tracks known members. Keys expired by Redis
// are treated as stale.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed presence store
func NewRedisStore(logger *zap.Logger, cfg config.PresenceRedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "presence"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &RedisStore{
		logger: logger.Named("presence.store.redis"),
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (s *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, userID)
}

func (s *RedisStore) membersKey() string {
	return fmt.Sprintf("%s:members", s.prefix)
}

// Upsert implements Store.Upsert
func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	prev, err := s.Get(ctx, rec.UserID)
	if err == nil && prev.LastSeen.After(rec.LastSeen) {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.userKey(rec.UserID), data, s.ttl)
	pipe.SAdd(ctx, s.membersKey(), rec.UserID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get implements Store.Get
func (s *RedisStore) Get(ctx context.Context, userID string) (Record, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if err == redis.Nil {
		return Record{}, cnst.ErrPresenceNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListActive implements Store.ListActive
func (s *RedisStore) ListActive(ctx context.Context, ttl time.Duration) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.membersKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(ctx, s.userKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	now := time.Now()
	active := make([]Record, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// key expired between SMembers and Get
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping undecodable presence record", zap.Error(err))
			continue
		}
		if !rec.Stale(ttl, now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Remove implements Store.Remove
func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.userKey(userID))
	pipe.SRem(ctx, s.membersKey(), userID)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveStale implements Store.RemoveStale. Redis expires per-user keys on
// its own; this reconciles the member set with the surviving keys and culls
// records past ttl.
func (s *RedisStore) RemoveStale(ctx context.Context, ttl time.Duration) (int, error) {
	ids, err := s.client.SMembers(ctx, s.membersKey()).Result()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		stale := err == cnst.ErrPresenceNotFound || (err == nil && rec.Stale(ttl, now))
		if err != nil && err != cnst.ErrPresenceNotFound {
			return removed, err
		}
		if stale {
			if err := s.Remove(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("removed stale presence records", zap.Int("count", removed))
	}
	return removed, nil
}

// Len implements Store.Len
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.membersKey()).Result()
	return int(n), err
}

// Clear implements Store.Clear
func (s *RedisStore) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.membersKey()).Result()
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.userKey(id))
	}
	pipe.Del(ctx, s.membersKey())
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
