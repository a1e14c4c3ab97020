// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"io"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/hitoshi/shelfstatus/internal/middleware"
	"github.com/hitoshi/shelfstatus/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		middleware.WriteError(w, model.NewValidationFailureError("failed to read request body"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		middleware.WriteError(w, model.NewValidationFailureError("request body must be valid JSON"))
		return false
	}
	return true
}

// patronOrFail はセッションミドルウェアが載せた利用者を返す。いなければ401を書き込む。
func patronOrFail(w http.ResponseWriter, r *http.Request) (model.Patron, bool) {
	patron, ok := middleware.PatronFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.NewAuthenticationRequiredError("ログインが必要です"))
		return model.Patron{}, false
	}
	return patron, true
}
