package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/gorm"
)

func TestHandle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		method string
		err    error
		status int
		code   string
		reason string
	}{
		{"get success", http.MethodGet, nil, http.StatusOK, "", ""},
		{"post success", http.MethodPost, nil, http.StatusCreated, "", ""},
		{"not found", http.MethodGet, gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound, ""},
		{"validation", http.MethodPost, types.NewValidationError("invalid_leverage", "leverage 0"), http.StatusBadRequest, ErrCodeValidationFailed, "invalid_leverage"},
		{"wrapped validation", http.MethodPost, fmt.Errorf("submit: %w", types.NewValidationError("confluence_below_min", "score 30")), http.StatusBadRequest, ErrCodeValidationFailed, "confluence_below_min"},
		{"duplicate", http.MethodPost, types.NewIdempotencyConflict("a"), http.StatusConflict, ErrCodeDuplicateResource, "duplicate_intent"},
		{"rejection", http.MethodPost, types.NewRejection("insufficient_margin", "margin"), http.StatusUnprocessableEntity, ErrCodeRejected, "insufficient_margin"},
		{"transient", http.MethodPost, types.NewTransientError("place_order", errors.New("timeout")), http.StatusServiceUnavailable, ErrCodeUnavailable, "exchange_unavailable"},
		{"reconciliation", http.MethodGet, types.NewReconciliationMismatch("qty_drift", "drift"), http.StatusInternalServerError, ErrCodeInternalError, "qty_drift"},
		{"untyped", http.MethodGet, errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tt.method, "/", nil)

			Handle(c, map[string]string{"ok": "yes"}, tt.err)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var resp Response
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.err == nil {
				if !resp.Success || resp.Error != nil {
					t.Fatalf("want success envelope, got %s", w.Body.String())
				}
				return
			}
			if resp.Success || resp.Error == nil {
				t.Fatalf("want error envelope, got %s", w.Body.String())
			}
			if resp.Error.Code != tt.code || resp.Error.Reason != tt.reason {
				t.Errorf("error = %s/%s, want %s/%s", resp.Error.Code, resp.Error.Reason, tt.code, tt.reason)
			}
		})
	}
}
