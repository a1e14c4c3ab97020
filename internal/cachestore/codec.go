package cachestore

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GetJSON はキーの値をJSONとしてデコードしてdstに格納する。
// 値が壊れている場合はミスとして扱い、エントリを削除する。
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON は値をJSONにエンコードして保存する。
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("キャッシュ値のエンコードに失敗しました (key=%s): %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
