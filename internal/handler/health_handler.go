package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckFunc は関数をHealthCheckerとして使うためのアダプタ。
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) PingContext(ctx context.Context) error { return f(ctx) }

// NewHealthHandler はGET /healthのハンドラーを返す。
// 全ての依存先が応答すれば200、いずれかが失敗すれば503を返す。
func NewHealthHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		result := map[string]string{"status": "ok"}
		status := http.StatusOK
		for name, c := range checkers {
			if err := c.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
				result[name] = "unavailable"
				result["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}
		writeJSON(w, status, result)
	}
}
