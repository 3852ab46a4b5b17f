package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backend. Client, when set, is used as is
// and URL is ignored.
type RedisOptions struct {
	URL          string
	Client       *redis.Client
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis is a Store backed by a Redis server. Composite writes run inside
// MULTI/EXEC so several relay processes can share one server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server described by opts.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client != nil {
		return &Redis{client: opts.Client}, nil
	}
	if opts.URL == "" {
		return nil, errors.New("kv: redis url is required")
	}
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("kv: invalid redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		parsed.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		parsed.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		parsed.WriteTimeout = opts.WriteTimeout
	}
	return &Redis{client: redis.NewClient(parsed)}, nil
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	case strings.HasPrefix(err.Error(), "WRONGTYPE"):
		return ErrWrongType
	default:
		return err
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return mapRedisErr(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	return ok, mapRedisErr(err)
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return mapRedisErr(r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return mapRedisErr(r.client.Persist(ctx, key).Err())
	}
	return mapRedisErr(r.client.Expire(ctx, key, ttl).Err())
}

func (r *Redis) RPush(ctx context.Context, key string, ttl time.Duration, values ...[]byte) (int64, error) {
	if len(values) == 0 {
		return r.LLen(ctx, key)
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	var push *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, key, args...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return 0, mapRedisErr(err)
	}
	return push.Val(), nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	return n, mapRedisErr(err)
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	values, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return toBytes(values), nil
}

func (r *Redis) PopAll(ctx context.Context, key string) ([][]byte, error) {
	var items *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return toBytes(items.Val()), nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return mapRedisErr(r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func toBytes(values []string) [][]byte {
	if len(values) == 0 {
		return nil
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}
