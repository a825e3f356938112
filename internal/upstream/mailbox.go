package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ChangeRecord is one candidate item surfaced between two cursors. The
// same item may appear in multiple records; the engine deduplicates.
type ChangeRecord struct {
	ItemID string `json:"itemId"`
}

// ChangeSource resolves cursors into change records and item tags.
type ChangeSource interface {
	// CurrentCursor returns the mailbox's current cursor, used to
	// establish the cold-start baseline.
	CurrentCursor(ctx context.Context, token string) (uint64, error)

	// ListChanges returns the "item added" change records in the
	// half-open cursor range (since, until], in order.
	ListChanges(ctx context.Context, token string, since, until uint64) ([]ChangeRecord, error)

	// Tags returns the item's current tags.
	Tags(ctx context.Context, token, itemID string) ([]string, error)
}

// Compile-time interface check
var _ ChangeSource = (*Client)(nil)

// Client is the HTTP change-source client for one mailbox.
type Client struct {
	client  *http.Client
	baseURL string
	mailbox string
}

// NewClient creates a change-source client for the mailbox rooted at
// baseURL. timeout bounds each individual call.
func NewClient(baseURL, mailbox string, timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		mailbox: mailbox,
	}
}

type profileResponse struct {
	Cursor uint64 `json:"cursor"`
}

type changesResponse struct {
	Changes       []ChangeRecord `json:"changes"`
	NextPageToken string         `json:"nextPageToken"`
}

type itemResponse struct {
	Tags []string `json:"tags"`
}

// CurrentCursor fetches the mailbox profile and returns its cursor.
func (c *Client) CurrentCursor(ctx context.Context, token string) (uint64, error) {
	var pr profileResponse
	if err := c.get(ctx, token, c.endpoint("profile", nil), &pr); err != nil {
		return 0, fmt.Errorf("current cursor: %w", err)
	}
	if pr.Cursor == 0 {
		return 0, fmt.Errorf("current cursor: profile reported no cursor")
	}
	return pr.Cursor, nil
}

// ListChanges returns all "item added" records in (since, until],
// following pagination to exhaustion.
func (c *Client) ListChanges(ctx context.Context, token string, since, until uint64) ([]ChangeRecord, error) {
	var records []ChangeRecord
	pageToken := ""
	for {
		q := url.Values{
			"since": {strconv.FormatUint(since, 10)},
			"until": {strconv.FormatUint(until, 10)},
			"type":  {"added"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var cr changesResponse
		if err := c.get(ctx, token, c.endpoint("changes", q), &cr); err != nil {
			return nil, fmt.Errorf("list changes since %d: %w", since, err)
		}
		records = append(records, cr.Changes...)

		if cr.NextPageToken == "" {
			return records, nil
		}
		pageToken = cr.NextPageToken
	}
}

// Tags returns the item's current tags.
func (c *Client) Tags(ctx context.Context, token, itemID string) ([]string, error) {
	var ir itemResponse
	if err := c.get(ctx, token, c.endpoint("items/"+url.PathEscape(itemID), nil), &ir); err != nil {
		return nil, fmt.Errorf("tags for %s: %w", itemID, err)
	}
	return ir.Tags, nil
}

// endpoint builds the URL for a mailbox-scoped API path.
func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + "/mailboxes/" + url.PathEscape(c.mailbox) + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, token, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
