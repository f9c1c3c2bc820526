// Package auth runs the browser login flow against the OAuth intermediary
// service. The intermediary owns the Twitch client secret; the bot only asks
// it for the client id, an authorization URL bound to a random state token,
// and then polls for the tokens the intermediary received on redirect.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/onnwee/seraphbot/telemetry"
	"github.com/onnwee/seraphbot/twitchapi"
)

var (
	// ErrAuthorizationTimeout means the user did not finish authorizing
	// before the poll attempts ran out.
	ErrAuthorizationTimeout = errors.New("authorization timeout")
	// ErrNoUserData means /user_info returned no user record.
	ErrNoUserData = errors.New("no user data found in response")
)

// StateLength is the length of the random login state token.
const StateLength = 32

const stateAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// State is the login flow progress.
type State int

const (
	Idle State = iota
	FetchingClientID
	AwaitingUserAuthorization
	Polling
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingClientID:
		return "fetching_client_id"
	case AwaitingUserAuthorization:
		return "awaiting_user_authorization"
	case Polling:
		return "polling"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// UserInfo is the Helix user record of the account that logged in.
type UserInfo struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"-"`
	ProfileImageURL string    `json:"profile_image_url"`
	ViewCount       uint64    `json:"view_count"`
	OfflineImageURL string    `json:"offline_image_url,omitempty"`
	Email           string    `json:"email,omitempty"`
}

// Options configures a Client.
type Options struct {
	Host string
	Port string
	// HTTPClient must not follow redirects; /auth_url answers 302.
	HTTPClient *http.Client
	Browser    BrowserOpener
	// Attempt i waits i*PollInterval before polling. Default 1s.
	PollInterval time.Duration
	// Default 10.
	MaxAttempts int
}

// Client performs one login at a time. Accessors are safe for concurrent use.
type Client struct {
	opts Options

	mu        sync.RWMutex
	state     State
	clientID  string
	loginTok  string
	token     *oauth2.Token
	lastError error
}

// New builds a Client. A nil HTTPClient gets a non-redirecting default client.
func New(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Port == "" {
		opts.Port = "443"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout:       30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	if opts.Browser == nil {
		opts.Browser = SystemBrowser{}
	}
	return &Client{opts: opts}
}

// State returns the current login state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsLoggedIn reports whether an access token is held.
func (c *Client) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != nil && c.token.AccessToken != ""
}

// ClientID is the Twitch application id returned by the intermediary.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// AccessToken returns the user access token, or "".
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return ""
	}
	return c.token.AccessToken
}

// Token returns a copy of the stored token, or nil before login.
func (c *Client) Token() *oauth2.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

// Err returns the error that moved the client to Failed.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.state = Failed
	c.lastError = err
	c.mu.Unlock()
	return err
}

// Login runs the full flow: client id, authorization URL, browser launch and
// token polling. It returns once a token is stored or the attempts run out.
func (c *Client) Login(ctx context.Context) (err error) {
	ctx = telemetry.WithLogLabel(ctx, "Twitch Auth")
	ctx, span := telemetry.StartSpan(ctx, "auth.login", attribute.String("login.host", c.opts.Host))
	defer func() { telemetry.EndSpan(span, err) }()
	log := telemetry.Logger(ctx)
	log.Info("starting login flow")

	c.mu.Lock()
	c.token = nil
	c.lastError = nil
	c.state = FetchingClientID
	c.mu.Unlock()

	clientID, err := c.fetchClientID(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("fetch client id: %w", err))
	}
	log.Info("client id retrieved", slog.String("client_id", clientID))

	state, err := GenerateState()
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.clientID = clientID
	c.loginTok = state
	c.state = AwaitingUserAuthorization
	c.mu.Unlock()

	authURL, err := c.get(ctx, "/auth_url", state)
	if err != nil {
		return c.fail(fmt.Errorf("fetch auth url: %w", err))
	}
	log.Info("opening browser for authorization", slog.String("url", authURL))
	if err := c.opts.Browser.Open(authURL); err != nil {
		// The user can still open the logged URL by hand.
		log.Warn("failed to open browser", slog.Any("err", err))
	}

	c.setState(Polling)
	log.Info("waiting for authorization")
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		delay := time.Duration(attempt) * c.opts.PollInterval
		log.Debug("waiting before poll", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return c.fail(ctx.Err())
		case <-t.C:
		}
		tok, err := c.requestToken(ctx, state)
		if err != nil {
			log.Warn("poll attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
			continue
		}
		c.mu.Lock()
		c.token = tok
		c.state = Authenticated
		c.mu.Unlock()
		log.Info("authorization successful")
		return nil
	}
	log.Error("authorization timed out", slog.Int("attempts", c.opts.MaxAttempts))
	return c.fail(ErrAuthorizationTimeout)
}

// FetchUserInfo returns the user record bound to the login state token.
func (c *Client) FetchUserInfo(ctx context.Context) (*UserInfo, error) {
	c.mu.RLock()
	state := c.loginTok
	c.mu.RUnlock()
	if state == "" {
		return nil, fmt.Errorf("fetch user info: no login in progress")
	}
	body, err := c.get(ctx, "/user_info", state)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	var res struct {
		Data []struct {
			UserInfo
			CreatedAt string `json:"created_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	if len(res.Data) == 0 {
		return nil, ErrNoUserData
	}
	u := res.Data[0].UserInfo
	if s := res.Data[0].CreatedAt; s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", s, err)
		}
		u.CreatedAt = t
	}
	return &u, nil
}

func (c *Client) fetchClientID(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/client_id", "")
	if err != nil {
		return "", err
	}
	var res struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return "", fmt.Errorf("decode client id: %w", err)
	}
	if res.ClientID == "" {
		return "", errors.New("empty client_id")
	}
	return res.ClientID, nil
}

func (c *Client) requestToken(ctx context.Context, state string) (*oauth2.Token, error) {
	body, err := c.get(ctx, "/token", state)
	if err != nil {
		return nil, err
	}
	var res struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &oauth2.Token{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       twitchapi.ComputeExpiry(res.ExpiresIn),
	}, nil
}

// get issues GET path?state=... against the intermediary. A 200 returns the
// body, a 302 returns the Location header, anything else is an HTTPError.
func (c *Client) get(ctx context.Context, path, state string) (string, error) {
	u := url.URL{Scheme: "https", Host: net.JoinHostPort(c.opts.Host, c.opts.Port), Path: path}
	if state != "" {
		u.RawQuery = url.Values{"state": {state}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "seraphbot")
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", twitchapi.ErrHTTPRequest, err)
	}
	defer twitchapi.CloseBody(resp)
	body, err := twitchapi.ReadBody(resp)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", twitchapi.ErrHTTPRequest, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return string(body), nil
	case http.StatusFound:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", errors.New("redirect response missing Location header")
		}
		return loc, nil
	default:
		return "", twitchapi.NewHTTPError(resp, body)
	}
}

// GenerateState returns a StateLength-character alphanumeric token from crypto/rand.
func GenerateState() (string, error) {
	b := make([]byte, StateLength)
	max := big.NewInt(int64(len(stateAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate state: %w", err)
		}
		b[i] = stateAlphabet[n.Int64()]
	}
	return string(b), nil
}
