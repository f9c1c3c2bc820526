package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TokenInfo is the /oauth2/validate response.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Expiry is the absolute expiry implied by ExpiresIn.
func (ti TokenInfo) Expiry() time.Time { return ComputeExpiry(ti.ExpiresIn) }

// ValidateToken checks token against https://<idHost>/oauth2/validate.
// A 401 wraps ErrTokenInvalid.
func ValidateToken(ctx context.Context, hc *http.Client, idHost, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+idHost+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+StripOAuthPrefix(token))
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: validate: %w", ErrHTTPRequest, err)
	}
	defer CloseBody(resp)
	body, err := ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrHTTPRequest, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, NewHTTPError(resp, body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewHTTPError(resp, body)
	}
	var info TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &info, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
