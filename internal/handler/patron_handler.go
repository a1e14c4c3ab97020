package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/hitoshi/shelfstatus/internal/middleware"
	"github.com/hitoshi/shelfstatus/internal/model"
)

// PatronService は利用者状態のサービスインターフェース。patron.Managerが満たす。
type PatronService interface {
	GetHolds(ctx context.Context, patron model.Patron, skipCache bool) ([]model.HoldRecord, error)
	GetCheckouts(ctx context.Context, patron model.Patron, skipCache bool) ([]model.CheckoutRecord, error)
	GetProfile(ctx context.Context, patron model.Patron) (model.PatronProfile, error)
	ChangePreferredLibrary(ctx context.Context, patron model.Patron, prefs model.LibraryPreferences) error
}

// PatronHandler はログイン利用者の予約・貸出・プロフィールのHTTPハンドラー。
type PatronHandler struct {
	service PatronService
}

func NewPatronHandler(service PatronService) *PatronHandler {
	return &PatronHandler{service: service}
}

// skipCache は ?refresh=true のときキャッシュを使わない。
func skipCache(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return v
}

// GetHolds GET /api/patron/holds
func (h *PatronHandler) GetHolds(w http.ResponseWriter, r *http.Request) {
	patron, ok := patronOrFail(w, r)
	if !ok {
		return
	}
	holds, err := h.service.GetHolds(r.Context(), patron, skipCache(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if holds == nil {
		holds = []model.HoldRecord{}
	}
	writeJSON(w, http.StatusOK, holds)
}

// GetCheckouts GET /api/patron/checkouts
func (h *PatronHandler) GetCheckouts(w http.ResponseWriter, r *http.Request) {
	patron, ok := patronOrFail(w, r)
	if !ok {
		return
	}
	checkouts, err := h.service.GetCheckouts(r.Context(), patron, skipCache(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if checkouts == nil {
		checkouts = []model.CheckoutRecord{}
	}
	writeJSON(w, http.StatusOK, checkouts)
}

// GetProfile GET /api/patron/profile
func (h *PatronHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	patron, ok := patronOrFail(w, r)
	if !ok {
		return
	}
	profile, err := h.service.GetProfile(r.Context(), patron)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// UpdatePreferences は優先・代替受取館を変更する。
// PUT /api/patron/preferences
func (h *PatronHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	patron, ok := patronOrFail(w, r)
	if !ok {
		return
	}
	var prefs model.LibraryPreferences
	if !decodeJSON(w, r, &prefs) {
		return
	}
	if err := h.service.ChangePreferredLibrary(r.Context(), patron, prefs); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
