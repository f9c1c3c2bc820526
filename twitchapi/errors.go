package twitchapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

var (
	// ErrHTTPRequest is the root of every HTTP failure (transport or status).
	ErrHTTPRequest = errors.New("http request failed")
	// ErrNotAuthenticated is returned when an authenticated client is built
	// from a config without an access token.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrMessageDropped means Helix accepted the request but did not send the message.
	ErrMessageDropped = errors.New("chat message dropped")
	// ErrSubscriptionRejected means Helix answered a subscription request with an error body.
	ErrSubscriptionRejected = errors.New("subscription rejected")
	// ErrTokenInvalid means /oauth2/validate rejected the token.
	ErrTokenInvalid = errors.New("access token invalid or expired")
)

// HTTPError is a non-success HTTP status. It matches ErrHTTPRequest with errors.Is.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http request failed: %s", e.Status)
	}
	return fmt.Sprintf("http request failed: %s: %s", e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrHTTPRequest }

// NewHTTPError builds an HTTPError from resp and the already-read body.
func NewHTTPError(resp *http.Response, body []byte) *HTTPError {
	b := strings.TrimSpace(string(body))
	if len(b) > 512 {
		b = b[:512]
	}
	return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: b}
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// ReadBody reads at most 1 MiB of the response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// CloseBody closes resp.Body, logging failures.
func CloseBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
