// Package token はバックエンドのアクセストークンをキャッシュする。
package token

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshSkew は有効期限の直前に失効したとみなす余裕時間。
const refreshSkew = 30 * time.Second

// Token はトークンエンドポイントの応答。
type Token struct {
	Value     string
	ExpiresIn time.Duration
}

// FetchFunc はトークンを新規取得する関数。
type FetchFunc func(ctx context.Context) (Token, error)

// Source はキャッシュ付きのトークン取得元。
// 有効なトークンがあればそれを返し、期限切れの場合のみ取得し直す（二重チェック）。
// 同時に期限切れを検知した呼び出しはsingleflightで1回の取得にまとめる。
type Source struct {
	fetch FetchFunc
	now   func() time.Time

	mu        sync.RWMutex
	value     string
	expiresAt time.Time

	group singleflight.Group
}

// NewSource はSourceを生成する。
func NewSource(fetch FetchFunc) *Source {
	return &Source{fetch: fetch, now: time.Now}
}

// SetClock はテスト用に現在時刻の取得関数を差し替える。
func (s *Source) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Source) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == "" || !s.now().Before(s.expiresAt) {
		return "", false
	}
	return s.value, true
}

// Token は有効なアクセストークンを返す。
func (s *Source) Token(ctx context.Context) (string, error) {
	if v, ok := s.cached(); ok {
		return v, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		// 待機中に他の呼び出しが更新済みの場合はそれを使う
		if v, ok := s.cached(); ok {
			return v, nil
		}
		tok, err := s.fetch(ctx)
		if err != nil {
			return "", err
		}
		ttl := tok.ExpiresIn - refreshSkew
		if ttl <= 0 {
			ttl = tok.ExpiresIn
		}
		s.mu.Lock()
		s.value = tok.Value
		s.expiresAt = s.now().Add(ttl)
		s.mu.Unlock()
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate はキャッシュ済みトークンを破棄する。401応答を受けた場合に呼ぶ。
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.value = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}
