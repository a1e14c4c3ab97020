package cachestore

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

// memoryEntry はsturdycに格納する値。キーごとの有効期限を保持する。
type memoryEntry struct {
	value     []byte
	expiresAt time.Time // ゼロ値は期限なし（sturdycの上限TTLまで）
}

// MemoryConfig はプロセス内ストアの設定。
type MemoryConfig struct {
	Capacity           int
	NumShards          int
	MaxTTL             time.Duration // sturdyc側の上限TTL。キーごとのTTLはこれを超えられない
	EvictionPercentage int
}

// DefaultMemoryConfig は単一プロセス運用向けの既定値を返す。
// 所蔵キャッシュは最大24時間保持するため、上限TTLは25時間にする。
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:           10000,
		NumShards:          10,
		MaxTTL:             25 * time.Hour,
		EvictionPercentage: 10,
	}
}

// MemoryStore はsturdycを使ったプロセス内のStore実装。
// REDIS_URL未設定時や単体テストで使う。
type MemoryStore struct {
	client *sturdyc.Client[memoryEntry]
	now    func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	def := DefaultMemoryConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = def.NumShards
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.EvictionPercentage <= 0 || cfg.EvictionPercentage > 100 {
		cfg.EvictionPercentage = def.EvictionPercentage
	}
	return &MemoryStore{
		client: sturdyc.New[memoryEntry](cfg.Capacity, cfg.NumShards, cfg.MaxTTL, cfg.EvictionPercentage),
		now:    time.Now,
	}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

// Get はキーに対応する値を返す。期限切れのエントリは削除してミスとして扱う。
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := s.client.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.client.Delete(key)
		return nil, false, nil
	}
	// 呼び出し側の変更がキャッシュに波及しないようコピーを返す
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set は値を保存する。
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.client.Set(key, entry)
	return nil
}

// Delete はキーを削除する。
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// Ping は常に成功する。
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
