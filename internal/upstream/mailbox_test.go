package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_CurrentCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mailboxes/inbox@example.com/profile" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"cursor": 4242})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "inbox@example.com", time.Second)
	cursor, err := c.CurrentCursor(context.Background(), "tok")
	if err != nil {
		t.Fatalf("current cursor: %v", err)
	}
	if cursor != 4242 {
		t.Errorf("cursor = %d, want 4242", cursor)
	}
}

func TestClient_CurrentCursor_NoCursorInProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "inbox@example.com", time.Second)
	if _, err := c.CurrentCursor(context.Background(), "tok"); err == nil {
		t.Error("expected error when profile reports no cursor")
	}
}

func TestClient_ListChanges_FollowsPagination(t *testing.T) {
	var sinceParams, untilParams []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sinceParams = append(sinceParams, q.Get("since"))
		untilParams = append(untilParams, q.Get("until"))
		if got := q.Get("type"); got != "added" {
			t.Errorf("type = %q, want added", got)
		}

		switch q.Get("pageToken") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"changes":       []map[string]string{{"itemId": "a"}, {"itemId": "b"}},
				"nextPageToken": "p2",
			})
		case "p2":
			json.NewEncoder(w).Encode(map[string]any{
				"changes": []map[string]string{{"itemId": "c"}},
			})
		default:
			t.Errorf("unexpected page token %q", q.Get("pageToken"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "inbox@example.com", time.Second)
	records, err := c.ListChanges(context.Background(), "tok", 100, 105)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}

	var ids []string
	for _, r := range records {
		ids = append(ids, r.ItemID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("records = %v, want [a b c]", ids)
	}
	for i := range sinceParams {
		if sinceParams[i] != "100" || untilParams[i] != "105" {
			t.Errorf("page %d range = (%s, %s], want (100, 105]", i, sinceParams[i], untilParams[i])
		}
	}
}

func TestClient_Tags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mailboxes/inbox@example.com/items/item-1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"tags": []string{"important", "client"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "inbox@example.com", time.Second)
	tags, err := c.Tags(context.Background(), "tok", "item-1")
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if len(tags) != 2 || tags[0] != "important" {
		t.Errorf("tags = %v", tags)
	}
}

func TestClient_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "inbox@example.com", time.Second)
	if _, err := c.ListChanges(context.Background(), "tok", 1, 2); err == nil {
		t.Error("expected error for 403 response")
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, "inbox@example.com", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Tags(ctx, "tok", "item-1"); err == nil {
		t.Error("expected error when context deadline passes")
	}
}
