package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOAuthTokenProvider_ExchangesRefreshToken(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
			"refresh_token": r.PostFormValue("refresh_token"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := NewOAuthTokenProvider(srv.URL, "client-1", "s3cret", "r3fresh", time.Second)
	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}
	if gotForm["grant_type"] != "refresh_token" {
		t.Errorf("grant_type = %q", gotForm["grant_type"])
	}
	if gotForm["client_id"] != "client-1" || gotForm["client_secret"] != "s3cret" || gotForm["refresh_token"] != "r3fresh" {
		t.Errorf("credentials not forwarded: %v", gotForm)
	}
}

func TestOAuthTokenProvider_CachesUntilExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p := NewOAuthTokenProvider(srv.URL, "c", "s", "r", time.Second)
	for i := 0; i < 5; i++ {
		if _, err := p.Token(context.Background()); err != nil {
			t.Fatalf("token call %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected one upstream call, got %d", got)
	}
}

func TestOAuthTokenProvider_NoLifetimeNotCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1"})
	}))
	defer srv.Close()

	p := NewOAuthTokenProvider(srv.URL, "c", "s", "r", time.Second)
	p.Token(context.Background())
	p.Token(context.Background())
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("token without expires_in must not be cached, got %d calls", got)
	}
}

func TestOAuthTokenProvider_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOAuthTokenProvider(srv.URL, "c", "s", "r", time.Second)
	if _, err := p.Token(context.Background()); err == nil {
		t.Error("expected error for non-200 token response")
	}
}

func TestOAuthTokenProvider_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token_type": "Bearer"})
	}))
	defer srv.Close()

	p := NewOAuthTokenProvider(srv.URL, "c", "s", "r", time.Second)
	if _, err := p.Token(context.Background()); err == nil {
		t.Error("expected error for response without access_token")
	}
}
