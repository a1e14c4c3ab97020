package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore はRedisを使った複数プロセス共有のStore実装。
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore はURLからRedisクライアントを生成し、PINGで接続を確認する。
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLのパースに失敗しました: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗しました: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient は既存のクライアントからRedisStoreを生成する。
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Get はキーに対応する値を返す。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("キャッシュの読み込みに失敗しました (key=%s): %w", key, err)
	}
	return data, true, nil
}

// Set は値を保存する。ttlが0以下の場合は期限なしで保存する。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュの書き込みに失敗しました (key=%s): %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("キャッシュの削除に失敗しました (key=%s): %w", key, err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close はコネクションプールを閉じる。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
