package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/claimflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("claim not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "resource missing")
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWriteForbidden(t *testing.T) {
	w := httptest.NewRecorder()
	WriteForbidden(w, "access denied")
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("apply: %w", model.NewIllegalTransitionError(model.StatusPaid, model.ActionWithdraw)))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Meta["current_status"] != "paid" {
		t.Errorf("meta = %v", resp.Error.Meta)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrInvalidInput, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrIllegalTransition, 409},
		{model.ErrInvalidState, 409},
		{model.ErrPayloadTooLarge, 413},
		{model.ErrValidationError, 422},
		{model.ErrPreconditionFailed, 422},
		{model.ErrInternalError, 500},
		{model.ErrStorageUnavailable, 503},
		{"SOMETHING_NEW", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 7, false},
		{"page=3", 3, false},
		{"page=0", 0, true},
		{"page=-2", 0, true},
		{"page=abc", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/?"+tt.query, nil)
		got, err := queryInt(r, "page", 7)
		if (err != nil) != tt.wantErr {
			t.Errorf("queryInt(%q) err = %v, wantErr %v", tt.query, err, tt.wantErr)
			continue
		}
		if err != nil && !model.IsCode(err, model.ErrInvalidInput) {
			t.Errorf("queryInt(%q) code = %s", tt.query, model.CodeOf(err))
		}
		if got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestQueryPage(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 1, false},
		{"page=42", 42, false},
		{"page=100000", model.MaxPage, false},
		{"page=100001", 0, true},
		{"page=9223372036854775807", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/?"+tt.query, nil)
		got, err := queryPage(r)
		if (err != nil) != tt.wantErr {
			t.Errorf("queryPage(%q) err = %v, wantErr %v", tt.query, err, tt.wantErr)
			continue
		}
		if err != nil && !model.IsCode(err, model.ErrInvalidInput) {
			t.Errorf("queryPage(%q) code = %s", tt.query, model.CodeOf(err))
		}
		if got != tt.want {
			t.Errorf("queryPage(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestAuditFilters(t *testing.T) {
	q := url.Values{
		"action":    {"CLAIM_APPROVED,CLAIM_PAID"},
		"userId":    {"admin-1"},
		"userRole":  {"admin"},
		"startDate": {"2026-03-01"},
		"endDate":   {"2026-03-02"},
	}
	r := httptest.NewRequest("GET", "/?"+q.Encode(), nil)

	f, err := auditFilters(r)
	if err != nil {
		t.Fatalf("auditFilters error: %v", err)
	}
	if f.Action != "CLAIM_APPROVED,CLAIM_PAID" || f.ActorID != "admin-1" || f.ActorRole != model.RoleAdmin {
		t.Errorf("filters = %+v", f)
	}
	if f.From == nil || f.From.Day() != 1 {
		t.Errorf("From = %v", f.From)
	}
	if f.To == nil || f.To.Day() != 2 || f.To.Hour() != 23 {
		t.Errorf("To = %v, want end of 2 March", f.To)
	}

	bad := httptest.NewRequest("GET", "/?startDate=yesterday", nil)
	if _, err := auditFilters(bad); !model.IsCode(err, model.ErrInvalidInput) {
		t.Errorf("bad date err = %v, want INVALID_INPUT", err)
	}
}
