package cachestore

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hitoshi/shelfstatus/internal/metrics"
)

// LocalCache はプロセスごとのAPIレスポンスキャッシュ。
// 配架場所や資料→書誌の対応のように、共有ストアを引く前に解決したい小さな値を保持する。
type LocalCache[K comparable, V any] struct {
	lru     *expirable.LRU[K, V]
	tier    string
	metrics metrics.MetricsCollector
}

// NewLocalCache はLocalCacheを生成する。tierはメトリクスのラベルに使う。
func NewLocalCache[K comparable, V any](tier string, size int, ttl time.Duration, m metrics.MetricsCollector) *LocalCache[K, V] {
	if size <= 0 {
		size = 1000
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &LocalCache[K, V]{
		lru:     expirable.NewLRU[K, V](size, nil, ttl),
		tier:    tier,
		metrics: m,
	}
}

// Get は値を返す。
func (c *LocalCache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	c.metrics.RecordCacheResult(c.tier, ok)
	return v, ok
}

// Add は値を追加する。
func (c *LocalCache[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// Remove は値を削除する。
func (c *LocalCache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Purge はすべての値を削除する。
func (c *LocalCache[K, V]) Purge() {
	c.lru.Purge()
}
