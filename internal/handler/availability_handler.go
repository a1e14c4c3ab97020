package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/shelfstatus/internal/middleware"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// maxStatusIDs は1リクエストで問い合わせられる書誌数の上限。
const maxStatusIDs = 100

// AvailabilityService は所蔵・状態照会のサービスインターフェース。
type AvailabilityService interface {
	GetHolding(ctx context.Context, bibID string) (model.HoldingsView, error)
	GetItemStatuses(ctx context.Context, patron *model.Patron, bibIDs []string) []model.StatusSummary
}

// AvailabilityHandler は所蔵・状態照会のHTTPハンドラー。
type AvailabilityHandler struct {
	service AvailabilityService
}

func NewAvailabilityHandler(service AvailabilityService) *AvailabilityHandler {
	return &AvailabilityHandler{service: service}
}

// GetHolding は書誌の所蔵一覧を返す。
// GET /api/holdings/{bibID}
func (h *AvailabilityHandler) GetHolding(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetHolding(r.Context(), chi.URLParam(r, "bibID"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetItemStatuses は複数書誌の表示用状態を返す。
// GET /api/item-statuses?id=b1&id=b2 または ?id=b1,b2
// ログイン済みなら予約・貸出中の判定を含める。
func (h *AvailabilityHandler) GetItemStatuses(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, v := range r.URL.Query()["id"] {
		for _, id := range strings.Split(v, ",") {
			ids = append(ids, strings.TrimSpace(id))
		}
	}
	if len(ids) == 0 {
		middleware.WriteError(w, model.NewValidationFailureError("id is required"))
		return
	}
	if len(ids) > maxStatusIDs {
		middleware.WriteError(w, model.NewValidationFailureError("too many ids"))
		return
	}

	var patron *model.Patron
	if p, ok := middleware.PatronFromContext(r.Context()); ok {
		patron = &p
	}
	writeJSON(w, http.StatusOK, h.service.GetItemStatuses(r.Context(), patron, ids))
}
