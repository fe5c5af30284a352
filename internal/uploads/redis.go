package uploads

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matthewgall/uploader/internal/config"
)

const defaultRedisKeyPrefix = "uploads"

// RedisStorage keeps each blob as a redis string, optionally expiring.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	links     Links
}

func NewRedis(ctx context.Context, cfg config.DiskRedisConfig, links Links) (*RedisStorage, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	options := &redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedisWithClient(client, cfg.KeyPrefix, cfg.TTL, links), nil
}

func NewRedisWithClient(client *redis.Client, keyPrefix string, ttl time.Duration, links Links) *RedisStorage {
	keyPrefix = strings.Trim(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStorage{client: client, keyPrefix: keyPrefix, ttl: ttl, links: links}
}

func (r *RedisStorage) Put(ctx context.Context, key string, body io.Reader, _ string) error {
	redisKey, err := r.buildKey(key)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKey, content, r.ttl).Err(); err != nil {
		return fmt.Errorf("storing redis blob: %w", err)
	}
	return nil
}

func (r *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	redisKey, err := r.buildKey(key)
	if err != nil {
		return false, err
	}
	count, err := r.client.Exists(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("querying redis: %w", err)
	}
	return count > 0, nil
}

func (r *RedisStorage) URL(_ context.Context, key string) (string, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return "", err
	}
	return r.links.URL(cleaned)
}

func (r *RedisStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	redisKey, err := r.buildKey(key)
	if err != nil {
		return nil, err
	}
	content, err := r.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("reading redis blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	redisKey, err := r.buildKey(key)
	if err != nil {
		return err
	}
	removed, err := r.client.Del(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("deleting redis blob: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) buildKey(key string) (string, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return "", err
	}
	return r.keyPrefix + ":" + cleaned, nil
}
