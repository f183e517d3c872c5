package idempotency

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const (
	pendingValue = "pending"
	doneValue    = "done"
)

// commandKey namespaces command ids so the store can share a Redis database.
func commandKey(commandID string) string {
	return "threads:command:" + commandID
}

// redisClient accepts a redis:// URL or a bare host:port.
func redisClient(dsn string) *redis.Client {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		opts = &redis.Options{Addr: dsn}
	}
	return redis.NewClient(opts)
}

type redisStore struct {
	windows
	rdb *redis.Client
}

func newRedisStore(rdb *redis.Client, w windows) *redisStore {
	return &redisStore{windows: w, rdb: rdb}
}

func (s *redisStore) Claim(ctx context.Context, commandID string) (Status, error) {
	key := commandKey(commandID)
	claimed, err := s.rdb.SetNX(ctx, key, pendingValue, s.lease).Result()
	if err != nil {
		return InFlight, err
	}
	if claimed {
		return New, nil
	}
	v, err := s.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; the redelivery claims it.
		return InFlight, nil
	case err != nil:
		return InFlight, err
	case v == doneValue:
		return Done, nil
	}
	return InFlight, nil
}

func (s *redisStore) Complete(ctx context.Context, commandID string) error {
	return s.rdb.Set(ctx, commandKey(commandID), doneValue, s.ttl).Err()
}

func (s *redisStore) Forget(ctx context.Context, commandID string) error {
	return s.rdb.Del(ctx, commandKey(commandID)).Err()
}
