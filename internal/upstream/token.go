// Package upstream contains the clients the engine calls into: the token
// provider that exchanges long-lived credentials for a short-lived bearer
// token, and the mailbox change-source client that resolves cursors into
// change records and item tags.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// TokenProvider exchanges credentials for a bearer token on demand.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Compile-time interface check
var _ TokenProvider = (*OAuthTokenProvider)(nil)

// OAuthTokenProvider performs a refresh-token grant against the configured
// token endpoint. Tokens are cached until shortly before expiry so that one
// token typically serves many resolution cycles.
type OAuthTokenProvider struct {
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// expirySlack is subtracted from the reported token lifetime so a token is
// never handed out moments before the upstream rejects it.
const expirySlack = 30 * time.Second

// NewOAuthTokenProvider creates a provider with the given credentials.
// timeout bounds each token-endpoint call.
func NewOAuthTokenProvider(tokenURL, clientID, clientSecret, refreshToken string, timeout time.Duration) *OAuthTokenProvider {
	return &OAuthTokenProvider{
		client:       &http.Client{Timeout: timeout},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid bearer token, refreshing it when the cached one
// is absent or expired.
func (p *OAuthTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Now().Before(p.expires) {
		return p.cached, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"refresh_token": {p.refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: unexpected status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	p.cached = tr.AccessToken
	if tr.ExpiresIn > 0 {
		p.expires = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - expirySlack)
	} else {
		// No lifetime reported; do not cache beyond this call.
		p.expires = time.Time{}
		p.cached = ""
		return tr.AccessToken, nil
	}

	return p.cached, nil
}
