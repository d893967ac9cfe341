package ctxstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each trace namespace as one hash. The TTL is refreshed on every
// write and only matters when a namespace is never cleared.
type Redis struct {
	client     *redis.Client
	keyPrefix  string
	maxPayload int
	ttl        time.Duration
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	MaxPayload int
	TTL        time.Duration
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "synodos:"
	}
	maxPayload := cfg.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Redis{
		client:     client,
		keyPrefix:  prefix + "ctx:",
		maxPayload: maxPayload,
		ttl:        ttl,
	}, nil
}

func (r *Redis) nsKey(traceID string) string {
	return r.keyPrefix + traceID
}

func (r *Redis) Write(ctx context.Context, traceID, key string, value []byte) error {
	if err := checkKey(traceID, key); err != nil {
		return err
	}
	if err := checkSize(key, value, r.maxPayload); err != nil {
		return err
	}

	k := r.nsKey(traceID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, key, value)
		pipe.Expire(ctx, k, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write context %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Read(ctx context.Context, traceID, key string) ([]byte, bool, error) {
	v, err := r.client.HGet(ctx, r.nsKey(traceID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read context %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) ListKeys(ctx context.Context, traceID string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.nsKey(traceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list context keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (r *Redis) Clear(ctx context.Context, traceID string) error {
	if err := r.client.Del(ctx, r.nsKey(traceID)).Err(); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
