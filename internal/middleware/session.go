// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// SessionCookieName はログインセッションIDを保持するCookie名。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var patronContextKey = contextKey("patron")

// SessionFinder はセッションIDから利用者を引く。patron.Sessionsが満たす。
type SessionFinder interface {
	Find(ctx context.Context, sessionID string) (model.Patron, bool, error)
}

// NewSessionMiddleware はCookieのセッションを解決し、利用者をコンテキストに載せる。
// requiredがtrueの場合、未ログインのリクエストには401を返す。
// falseの場合は利用者なしで次へ進む。
func NewSessionMiddleware(finder SessionFinder, required bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			patron, ok := lookupPatron(r, finder)
			if !ok {
				if required {
					WriteError(w, model.NewAuthenticationRequiredError("ログインが必要です"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			patron.ClientIP = ClientIP(r)
			SetPatron(w, patron)
			next.ServeHTTP(w, r.WithContext(ContextWithPatron(r.Context(), patron)))
		})
	}
}

func lookupPatron(r *http.Request, finder SessionFinder) (model.Patron, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return model.Patron{}, false
	}
	patron, ok, err := finder.Find(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to find session",
			slog.String("error", err.Error()),
		)
		return model.Patron{}, false
	}
	return patron, ok
}

// PatronFromContext はセッションミドルウェアが載せた利用者を返す。
func PatronFromContext(ctx context.Context) (model.Patron, bool) {
	patron, ok := ctx.Value(patronContextKey).(model.Patron)
	if !ok || patron.PatronID == "" {
		return model.Patron{}, false
	}
	return patron, true
}

// ContextWithPatron はコンテキストに利用者を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPatron(ctx context.Context, patron model.Patron) context.Context {
	return context.WithValue(ctx, patronContextKey, patron)
}

// ClientIP はリクエスト元のIPアドレスを返す。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
