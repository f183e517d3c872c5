package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"id": 7})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["id"] != 7 {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHelpers_Envelope(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "INVALID_BODY", "bad", "rid", nil) }, 400, "INVALID_BODY"},
		{"unauthorized", func(w http.ResponseWriter) { Unauthorized(w, "UNAUTHORIZED", "no", "rid") }, 401, "UNAUTHORIZED"},
		{"forbidden", func(w http.ResponseWriter) { Forbidden(w, "FORBIDDEN", "no", "rid") }, 403, "FORBIDDEN"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "NOT_FOUND", "gone", "rid") }, 404, "NOT_FOUND"},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "CONFLICT", "busy", "rid", nil) }, 409, "CONFLICT"},
		{"internal", func(w http.ResponseWriter) { Internal(w, "rid") }, 500, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, resp.Error.Code)
			}
			if resp.Error.RequestID != "rid" {
				t.Errorf("expected request id rid, got %q", resp.Error.RequestID)
			}
		})
	}
}
