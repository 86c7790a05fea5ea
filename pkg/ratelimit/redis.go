package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares limiter state across gateway instances. State blobs are
// read-modify-written under a WATCH transaction so concurrent attempts
// against the same client serialize correctly.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (r *RedisStore) key(clientID string) string { return r.prefix + clientID }

// Attempt applies one attempt transactionally.
func (r *RedisStore) Attempt(ctx context.Context, clientID string, now time.Time) (Decision, error) {
	key := r.key(clientID)
	var decision Decision

	txn := func(tx *redis.Tx) error {
		var s State
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if uerr := json.Unmarshal(raw, &s); uerr != nil {
				// Corrupt blob: start fresh rather than lock the client out forever.
				s = State{}
			}
		}

		decision = advance(&s, now)
		out, err := json.Marshal(s)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, EvictAfter)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return decision, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return Decision{}, fmt.Errorf("ratelimit: redis attempt: %w", err)
	}
	return Decision{}, fmt.Errorf("ratelimit: redis attempt: too much contention on %q", clientID)
}

// Purge is a no-op: Redis TTLs evict idle entries.
func (r *RedisStore) Purge(context.Context, time.Time) error { return nil }
