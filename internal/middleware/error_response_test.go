package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/shelfstatus/internal/model"
)

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"認証", model.NewAuthenticationRequiredError("expired"), http.StatusUnauthorized, model.ErrCodeAuthenticationRequired},
		{"検証", model.NewValidationFailureError("bad"), http.StatusBadRequest, model.ErrCodeValidationFailure},
		{"未検出", model.NewNotFoundError("bib", "b1"), http.StatusNotFound, model.ErrCodeNotFound},
		{"バックエンド", model.NewBackendUnavailableError("sierra", "timeout"), http.StatusBadGateway, model.ErrCodeBackendUnavailable},
		{"その他", model.NewUnsupportedOperationError("renew"), http.StatusUnprocessableEntity, model.ErrCodeUnsupportedOperation},
		{"ラップ済み", fmt.Errorf("fetch: %w", model.NewNotFoundError("bib", "b2")), http.StatusNotFound, model.ErrCodeNotFound},
		{"非APIError", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body ErrorResponseBody
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.Category == "" || body.Action == "" {
				t.Errorf("category/action が空: %+v", body)
			}
		})
	}
}
