package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	MutationRate    rate.Limit    // 予約・貸出操作のレート（req/sec）。20/60
	MutationBurst   int           // 予約・貸出操作のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/client、予約・貸出操作 20 req/min/patron。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		MutationRate:    rate.Limit(20.0 / 60.0),
		MutationBurst:   20,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターと最終アクセス時刻（UnixNano）を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess atomic.Int64
}

// RateLimiter はクライアントごとのレート制限を管理する。
// API全般と予約・貸出操作の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	general  *xsync.MapOf[string, *clientLimiter]
	mutation *xsync.MapOf[string, *clientLimiter]

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		general:  xsync.NewMapOf[string, *clientLimiter](),
		mutation: xsync.NewMapOf[string, *clientLimiter](),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// ログイン済みなら利用者ID、未ログインならクライアントIPをキーにする。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + ClientIP(r)
			if patron, ok := PatronFromContext(r.Context()); ok {
				key = "patron:" + patron.PatronID
			}

			if !rl.limiterFor(rl.general, key, rl.config.GeneralRate, rl.config.GeneralBurst).Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("client", key),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MutationMiddleware は予約・貸出操作専用のレート制限ミドルウェアを返す。
// セッションミドルウェアの後に配置する。
func (rl *RateLimiter) MutationMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			patron, ok := PatronFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !rl.limiterFor(rl.mutation, patron.PatronID, rl.config.MutationRate, rl.config.MutationBurst).Allow() {
				writeRateLimitResponse(w, rl.config.MutationRate)
				slog.Warn("rate limit exceeded",
					slog.String("patron_id", patron.PatronID),
					slog.String("limit_type", "mutation"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.Size()
}

// MutationLimiterCount は現在管理されている操作リミッターのエントリ数を返す。
func (rl *RateLimiter) MutationLimiterCount() int {
	return rl.mutation.Size()
}

func (rl *RateLimiter) limiterFor(m *xsync.MapOf[string, *clientLimiter], key string, r rate.Limit, burst int) *rate.Limiter {
	cl, _ := m.LoadOrCompute(key, func() *clientLimiter {
		return &clientLimiter{limiter: rate.NewLimiter(r, burst)}
	})
	cl.lastAccess.Store(time.Now().UnixNano())
	return cl.limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.config.CleanupInterval * 2).UnixNano()
	for _, m := range []*xsync.MapOf[string, *clientLimiter]{rl.general, rl.mutation} {
		m.Range(func(key string, cl *clientLimiter) bool {
			if cl.lastAccess.Load() < cutoff {
				m.Delete(key)
			}
			return true
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
