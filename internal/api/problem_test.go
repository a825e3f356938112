package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteProblem_KnownStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", nil)
	rec := httptest.NewRecorder()

	WriteProblem(rec, req, http.StatusBadRequest, "Envelope data is missing a cursor")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}

	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Title != "Bad Request" || p.Status != 400 {
		t.Errorf("problem = %+v", p)
	}
	if p.Instance != "/api/v1/notifications" {
		t.Errorf("instance = %q", p.Instance)
	}
	if p.Detail != "Envelope data is missing a cursor" {
		t.Errorf("detail = %q", p.Detail)
	}
}

func TestWriteProblem_UnknownStatusFallsBack(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	WriteProblem(rec, req, http.StatusTeapot, "short and stout")

	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("title = %q", p.Title)
	}
	if p.Status != http.StatusTeapot {
		t.Errorf("status = %d", p.Status)
	}
}
