package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/shelfstatus/internal/middleware"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// AdminTokenHeader は管理操作の認証に使うヘッダー。
const AdminTokenHeader = "X-Admin-Token"

// CacheRefresher は全セッション状態の再読み込みを指示する。
type CacheRefresher interface {
	RefreshAll(ctx context.Context) error
}

// HoldingsInvalidator は書誌1件の所蔵キャッシュを破棄する。
type HoldingsInvalidator interface {
	Invalidate(ctx context.Context, bibID string) error
}

// AdminHandler は運用向けのキャッシュ操作ハンドラー。
type AdminHandler struct {
	refresher CacheRefresher
	holdings  HoldingsInvalidator
}

func NewAdminHandler(refresher CacheRefresher, holdings HoldingsInvalidator) *AdminHandler {
	return &AdminHandler{refresher: refresher, holdings: holdings}
}

// RequireAdminToken はX-Admin-Tokenを検証する。tokenが空の場合は全て拒否する。
func RequireAdminToken(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				middleware.WriteError(w, model.NewAuthenticationRequiredError("invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RefreshCache POST /api/admin/cache-refresh
func (h *AdminHandler) RefreshCache(w http.ResponseWriter, r *http.Request) {
	if err := h.refresher.RefreshAll(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	slog.Info("全体キャッシュ再読み込みを設定しました")
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateHoldings DELETE /api/admin/holdings/{bibID}
func (h *AdminHandler) InvalidateHoldings(w http.ResponseWriter, r *http.Request) {
	bibID := chi.URLParam(r, "bibID")
	if err := h.holdings.Invalidate(r.Context(), bibID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	slog.Info("所蔵キャッシュを破棄しました", slog.String("bib_id", bibID))
	w.WriteHeader(http.StatusNoContent)
}
