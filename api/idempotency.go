package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisDeduper remembers Idempotency-Key values in Redis so a retried append
// returns the event stored by the first attempt.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "eventstore:idem:", ttl: ttl}
}

func (r *RedisDeduper) key(k string) string {
	return r.prefix + k
}

// Reserve claims k. When k was claimed before it returns the event id stored
// for it, or pending=true while the first request is still running.
func (r *RedisDeduper) Reserve(ctx context.Context, k string) (Reservation, error) {
	added, err := r.client.SetNX(ctx, r.key(k), pendingMarker, r.ttl).Result()
	if err != nil {
		return Reservation{}, err
	}
	if added {
		return Reservation{Reserved: true}, nil
	}
	val, err := r.client.Get(ctx, r.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		added, err = r.client.SetNX(ctx, r.key(k), pendingMarker, r.ttl).Result()
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Reserved: added, Pending: !added}, nil
	}
	if err != nil {
		return Reservation{}, err
	}
	if val == pendingMarker {
		return Reservation{Pending: true}, nil
	}
	return Reservation{EventID: val}, nil
}

// Complete binds k to the event appended for it.
func (r *RedisDeduper) Complete(ctx context.Context, k, eventID string) error {
	return r.client.Set(ctx, r.key(k), eventID, r.ttl).Err()
}

// Release forgets k so the caller may retry after a failed append.
func (r *RedisDeduper) Release(ctx context.Context, k string) error {
	return r.client.Del(ctx, r.key(k)).Err()
}
