package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/hitoshi/shelfstatus/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusForError はAPIErrorのコードをHTTPステータスに変換する。
func StatusForError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAuthenticationRequired:
		return http.StatusUnauthorized
	case model.ErrCodeValidationFailure:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// WriteError はerrをAPIErrorとして書き込む。APIErrorでない場合は500を返す。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("unexpected error", slog.String("error", err.Error()))
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForError(apiErr), apiErr)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please try again later.",
	})
}
