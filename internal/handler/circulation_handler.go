package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/shelfstatus/internal/model"
	"github.com/hitoshi/shelfstatus/internal/orchestrator"
)

// CirculationService は予約・貸出操作のサービスインターフェース。orchestrator.Orchestratorが満たす。
type CirculationService interface {
	PlaceHold(ctx context.Context, patron model.Patron, req orchestrator.PlaceHoldRequest) model.OrchestrationResult
	CancelHolds(ctx context.Context, patron model.Patron, req orchestrator.HoldsRequest) model.OrchestrationResult
	FreezeHolds(ctx context.Context, patron model.Patron, req orchestrator.FreezeHoldsRequest) model.OrchestrationResult
	UpdateHolds(ctx context.Context, patron model.Patron, req orchestrator.UpdateHoldsRequest) model.OrchestrationResult
	Checkout(ctx context.Context, patron model.Patron, req orchestrator.CheckoutRequest) model.OrchestrationResult
	Return(ctx context.Context, patron model.Patron, req orchestrator.CheckoutsRequest) model.OrchestrationResult
	Renew(ctx context.Context, patron model.Patron, req orchestrator.CheckoutsRequest) model.OrchestrationResult
}

// CirculationHandler は予約・貸出操作のHTTPハンドラー。
// 操作結果は対象ごとの成否を含めて200で返す。要求自体が不正な場合のみ400を返す。
type CirculationHandler struct {
	service CirculationService
}

func NewCirculationHandler(service CirculationService) *CirculationHandler {
	return &CirculationHandler{service: service}
}

// writeResult は結果を書き込む。対象の処理前に棄却された場合は400にする。
func writeResult(w http.ResponseWriter, res model.OrchestrationResult) {
	if res.Items == nil {
		res.Items = []model.ItemResult{}
	}
	status := http.StatusOK
	if !res.Success && len(res.Items) == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

// mutate は利用者の取得とボディのデコードを済ませてからcallを呼ぶ。
func mutate[T any](w http.ResponseWriter, r *http.Request, call func(ctx context.Context, patron model.Patron, req T) model.OrchestrationResult) {
	patron, ok := patronOrFail(w, r)
	if !ok {
		return
	}
	var req T
	if !decodeJSON(w, r, &req) {
		return
	}
	writeResult(w, call(r.Context(), patron, req))
}

// PlaceHold POST /api/patron/holds
func (h *CirculationHandler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.PlaceHold)
}

// CancelHolds POST /api/patron/holds/cancel
func (h *CirculationHandler) CancelHolds(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.CancelHolds)
}

// FreezeHolds POST /api/patron/holds/freeze
func (h *CirculationHandler) FreezeHolds(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.FreezeHolds)
}

// UpdateHolds POST /api/patron/holds/update
func (h *CirculationHandler) UpdateHolds(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.UpdateHolds)
}

// Checkout POST /api/patron/checkouts
func (h *CirculationHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.Checkout)
}

// Return POST /api/patron/checkouts/return
func (h *CirculationHandler) Return(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.Return)
}

// Renew POST /api/patron/checkouts/renew
func (h *CirculationHandler) Renew(w http.ResponseWriter, r *http.Request) {
	mutate(w, r, h.service.Renew)
}
