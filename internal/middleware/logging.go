package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int
	patron     *model.Patron
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod・path・status・bytes・duration_ms・client_ipと、ログイン済みならpatron_idを含む。
// PINやトークンはログに出さない。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", durationMs),
				slog.String("client_ip", ClientIP(r)),
			}

			if patron, ok := patronFrom(r, rec); ok {
				attrs = append(attrs, slog.String("patron_id", patron.PatronID))
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}

// SetPatron はハンドラー内で解決された利用者をアクセスログ用に記録する。
// セッションミドルウェアはロガーより内側にあるため、コンテキストだけでは拾えない。
func SetPatron(w http.ResponseWriter, patron model.Patron) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.patron = &patron
	}
}

func patronFrom(r *http.Request, rec *statusRecorder) (model.Patron, bool) {
	if rec.patron != nil && rec.patron.PatronID != "" {
		return *rec.patron, true
	}
	return PatronFromContext(r.Context())
}
