// Package presence mirrors the hub's online registry into Redis so that
// other services can answer "is this user online, and where?".
package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store persists presence for one relay node.
type Store interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userIDs []string) error
	Reset(ctx context.Context) error
}

// offlineIfOwner deletes the presence key only while it still names this
// node, so a user who reconnected elsewhere is not marked offline.
// KEYS[1] = presence key, KEYS[2] = node set; ARGV[1] = node ID, ARGV[2] = user ID
var offlineIfOwner = redis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[2])
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps "<prefix>presence:<user>" = node ID with a TTL, and the
// set "<prefix>node:<node>" of users held by the node.
type RedisStore struct {
	rdb    redis.UniversalClient
	nodeID string
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns a store writing presence for nodeID.
func NewRedisStore(rdb redis.UniversalClient, nodeID, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, nodeID: nodeID, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) presenceKey(userID string) string { return s.prefix + "presence:" + userID }
func (s *RedisStore) nodeKey() string                  { return s.prefix + "node:" + s.nodeID }

// MarkOnline records userID as held by this node and renews the TTL.
func (s *RedisStore) MarkOnline(ctx context.Context, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.presenceKey(userID), s.nodeID, s.ttl)
		pipe.SAdd(ctx, s.nodeKey(), userID)
		return nil
	})
	return errors.Wrapf(err, "mark %s online", userID)
}

// MarkOffline removes userID from this node. It is idempotent.
func (s *RedisStore) MarkOffline(ctx context.Context, userID string) error {
	err := offlineIfOwner.Run(ctx, s.rdb, []string{s.presenceKey(userID), s.nodeKey()}, s.nodeID, userID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrapf(err, "mark %s offline", userID)
	}
	return nil
}

// Refresh renews the TTL of every listed user and drops users this node no
// longer holds from the node set.
func (s *RedisStore) Refresh(ctx context.Context, userIDs []string) error {
	held, err := s.rdb.SMembers(ctx, s.nodeKey()).Result()
	if err != nil {
		return errors.Wrap(err, "list node presence")
	}
	current := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		current[id] = struct{}{}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Set(ctx, s.presenceKey(id), s.nodeID, s.ttl)
			pipe.SAdd(ctx, s.nodeKey(), id)
		}
		for _, id := range held {
			if _, ok := current[id]; !ok {
				pipe.SRem(ctx, s.nodeKey(), id)
			}
		}
		return nil
	})
	return errors.Wrap(err, "refresh presence")
}

// Reset clears everything this node previously recorded. It is called at
// startup to discard entries left behind by an unclean exit.
func (s *RedisStore) Reset(ctx context.Context) error {
	held, err := s.rdb.SMembers(ctx, s.nodeKey()).Result()
	if err != nil {
		return errors.Wrap(err, "list node presence")
	}
	for _, id := range held {
		if err := s.MarkOffline(ctx, id); err != nil {
			return err
		}
	}
	return errors.Wrap(s.rdb.Del(ctx, s.nodeKey()).Err(), "clear node set")
}
