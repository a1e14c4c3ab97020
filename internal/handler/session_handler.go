package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/shelfstatus/internal/middleware"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// SessionService はログイン・ログアウトのサービスインターフェース。
type SessionService interface {
	Login(ctx context.Context, barcode, pin, clientIP string) (model.Patron, error)
	Logout(ctx context.Context, sessionID string) error
}

// SessionConfig はセッションCookieの設定。
type SessionConfig struct {
	CookieSecure bool
	TTL          time.Duration
}

// SessionHandler はログイン・ログアウトのHTTPハンドラー。
type SessionHandler struct {
	service SessionService
	config  SessionConfig
}

func NewSessionHandler(service SessionService, config SessionConfig) *SessionHandler {
	return &SessionHandler{service: service, config: config}
}

type loginRequest struct {
	Barcode string `json:"barcode"`
	PIN     string `json:"pin"`
}

type loginResponse struct {
	PatronID string `json:"patron_id"`
}

// Login は資格情報を検証し、セッションCookieを発行する。
// POST /api/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patron, err := h.service.Login(r.Context(), req.Barcode, req.PIN, middleware.ClientIP(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.SetPatron(w, patron)

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    patron.SessionID,
		Path:     "/",
		MaxAge:   int(h.config.TTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{PatronID: patron.PatronID})
}

// Logout はセッションを削除し、Cookieを無効化する。
// POST /api/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			slog.Warn("failed to delete session", slog.String("error", err.Error()))
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
