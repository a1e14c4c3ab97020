// Package model はドメインモデルとエラー分類を定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, backend, circulation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrBackendUnavailable) の形で分類判定に使う。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeAuthenticationRequired  = "AUTHENTICATION_REQUIRED"
	ErrCodeBackendUnavailable      = "BACKEND_UNAVAILABLE"
	ErrCodeValidationFailure       = "VALIDATION_FAILURE"
	ErrCodePartialFailure          = "PARTIAL_FAILURE"
	ErrCodeDataInconsistency       = "DATA_INCONSISTENCY"
	ErrCodeAlreadyRequested        = "ALREADY_REQUESTED"
	ErrCodeNoCopiesAvailable       = "NO_COPIES_AVAILABLE"
	ErrCodePatronRecordBlocked     = "PATRON_RECORD_BLOCKED"
	ErrCodeGenericPlacementFailure = "GENERIC_PLACEMENT_FAILURE"
	ErrCodeUnsupportedOperation    = "UNSUPPORTED_OPERATION"
	ErrCodeNotFound                = "NOT_FOUND"
)

// errors.Is の比較対象として使う番兵エラー。
var (
	ErrAuthenticationRequired  = &APIError{Code: ErrCodeAuthenticationRequired}
	ErrBackendUnavailable      = &APIError{Code: ErrCodeBackendUnavailable}
	ErrValidationFailure       = &APIError{Code: ErrCodeValidationFailure}
	ErrPartialFailure          = &APIError{Code: ErrCodePartialFailure}
	ErrDataInconsistency       = &APIError{Code: ErrCodeDataInconsistency}
	ErrAlreadyRequested        = &APIError{Code: ErrCodeAlreadyRequested}
	ErrNoCopiesAvailable       = &APIError{Code: ErrCodeNoCopiesAvailable}
	ErrPatronRecordBlocked     = &APIError{Code: ErrCodePatronRecordBlocked}
	ErrGenericPlacementFailure = &APIError{Code: ErrCodeGenericPlacementFailure}
	ErrUnsupportedOperation    = &APIError{Code: ErrCodeUnsupportedOperation}
	ErrNotFound                = &APIError{Code: ErrCodeNotFound}
)

// NewAuthenticationRequiredError はセッションまたはトークンが無効な場合のエラーを生成する。
func NewAuthenticationRequiredError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthenticationRequired,
		Message:  fmt.Sprintf("authentication required: %s", reason),
		Category: "auth",
		Action:   "Please log in again.",
	}
}

// NewBackendUnavailableError はバックエンドのタイムアウト・非2xx応答のエラーを生成する。
// 利用者には汎用の「再試行」メッセージのみを見せる。
func NewBackendUnavailableError(backend, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeBackendUnavailable,
		Message:  fmt.Sprintf("%s is unavailable: %s", backend, reason),
		Category: "backend",
		Action:   "The catalog is not responding right now. Please try again in a few minutes.",
	}
}

// NewValidationFailureError はバックエンド呼び出し前に拒否されたリクエストのエラーを生成する。
func NewValidationFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailure,
		Message:  reason,
		Category: "validation",
		Action:   "Please correct the request and try again.",
	}
}

// NewDataInconsistencyError はフィンガープリントが解消しない場合のエラーを生成する。
func NewDataInconsistencyError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeDataInconsistency,
		Message:  reason,
		Category: "system",
		Action:   "Results may be out of date.",
	}
}

// NewAlreadyRequestedError は同一資料への重複予約のエラーを生成する。
func NewAlreadyRequestedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyRequested,
		Message:  "This title is already on hold for you.",
		Category: "circulation",
		Action:   "Check your holds list.",
	}
}

// NewNoCopiesAvailableError は予約・貸出可能な資料がない場合のエラーを生成する。
func NewNoCopiesAvailableError() *APIError {
	return &APIError{
		Code:     ErrCodeNoCopiesAvailable,
		Message:  "No copies of this title are available to request.",
		Category: "circulation",
		Action:   "Try another edition or format.",
	}
}

// NewPatronRecordBlockedError は利用者レコードがブロックされている場合のエラーを生成する。
func NewPatronRecordBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodePatronRecordBlocked,
		Message:  "There is a problem with your library record.",
		Category: "circulation",
		Action:   "Please contact your library.",
	}
}

// NewGenericPlacementFailureError は分類できない予約失敗のエラーを生成する。
// detailが空の場合は固定の汎用メッセージを使う。
func NewGenericPlacementFailureError(detail string) *APIError {
	msg := "Your request could not be processed."
	if detail != "" {
		msg = detail
	}
	return &APIError{
		Code:     ErrCodeGenericPlacementFailure,
		Message:  msg,
		Category: "circulation",
		Action:   "Please contact your library.",
	}
}

// NewUnsupportedOperationError はどのバックエンドも操作を表現できない場合のエラーを生成する。
func NewUnsupportedOperationError(operation string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedOperation,
		Message:  fmt.Sprintf("%s is not supported for this item", operation),
		Category: "circulation",
		Action:   "Please contact your library.",
	}
}

// NewNotFoundError は書誌・資料が見つからない場合のエラーを生成する。
func NewNotFoundError(what, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", what, id),
		Category: "validation",
		Action:   "Check the identifier.",
	}
}
