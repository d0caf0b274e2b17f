package kvstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis keeps every binding as one field of a single hash, so HSETNX gives
// an atomic CreateOnly.
type Redis struct {
	client *redis.Client
	hash   string
}

// NewRedis connects to the first endpoint (host:port, default
// localhost:6379) and pings it.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        firstEndpoint(cfg, "localhost:6379"),
		DialTimeout: cfg.Timeout,
	})
	hash := cfg.Key
	if hash == "" {
		hash = DefaultKey
	}
	r := &Redis{client: client, hash: hash}

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, unavailable(RedisBackend, "ping", err)
	}
	return r, nil
}

func (r *Redis) Name() string { return RedisBackend }

func (r *Redis) Capabilities() Capabilities { return CapabilityCreateOnly }

func (r *Redis) CreateOnly(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := r.client.HSetNX(ctx, r.hash, key, value).Result()
	if err != nil {
		return false, unavailable(RedisBackend, "hsetnx", err)
	}
	return ok, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.hash, key, value).Err(); err != nil {
		return unavailable(RedisBackend, "hset", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.HGet(ctx, r.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(RedisBackend, "hget", err)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.hash, key).Err(); err != nil {
		return unavailable(RedisBackend, "hdel", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) (map[string][]byte, error) {
	all, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return nil, unavailable(RedisBackend, "hgetall", err)
	}
	ret := make(map[string][]byte, len(all))
	for k, v := range all {
		ret[k] = []byte(v)
	}
	return ret, nil
}

func (r *Redis) Close() error { return r.client.Close() }
