// Package redis implements the hot stores: the merged ticker mirror, the
// alert index the evaluator scans each tick, and a small response cache
// for the reference data client.
package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Repo struct {
	rdb    *redis.Client
	prefix string
}

func New(addr, password string, db int, prefix string) *Repo {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Repo{rdb: rdb, prefix: strings.TrimSuffix(prefix, ":")}
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Repo) Close() error { return r.rdb.Close() }

func (r *Repo) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

// CacheGet / CacheSet back the reference data response cache.
func (r *Repo) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.key("cache", key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Repo) CacheSet(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.key("cache", key), val, ttl).Err()
}
