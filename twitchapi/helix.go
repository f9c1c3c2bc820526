package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// HelixClient issues Helix requests as the logged-in user. Every request
// carries Client-Id and a Bearer token.
type HelixClient struct {
	cfg ClientConfig
	hc  *http.Client
}

// NewHelixClient builds a client from cfg. It refuses configs without an
// access token. base supplies the underlying transport; nil uses
// http.DefaultClient.
func NewHelixClient(cfg ClientConfig, base *http.Client) (*HelixClient, error) {
	if cfg.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	if base == nil {
		base = http.DefaultClient
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	tok := &oauth2.Token{AccessToken: StripOAuthPrefix(cfg.AccessToken), TokenType: "Bearer"}
	return &HelixClient{
		cfg: cfg,
		hc: &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(tok),
				Base:   &clientIDTransport{clientID: cfg.ClientID, base: rt},
			},
			Timeout:       base.Timeout,
			CheckRedirect: base.CheckRedirect,
		},
	}, nil
}

type clientIDTransport struct {
	clientID string
	base     http.RoundTripper
}

func (t *clientIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Client-Id", t.clientID)
	return t.base.RoundTrip(r)
}

// Config returns the configuration the client was built with.
func (hc *HelixClient) Config() ClientConfig { return hc.cfg }

// do sends req and returns the body of a 2xx response.
func (hc *HelixClient) do(req *http.Request) ([]byte, *http.Response, error) {
	resp, err := hc.hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %w", ErrHTTPRequest, req.Method, req.URL.Path, err)
	}
	defer CloseBody(resp)
	body, err := ReadBody(resp)
	if err != nil {
		return nil, resp, fmt.Errorf("%w: read body: %w", ErrHTTPRequest, err)
	}
	return body, resp, nil
}

func (hc *HelixClient) postJSON(ctx context.Context, path string, payload any) ([]byte, *http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.cfg.HelixURL(path), bytes.NewReader(buf))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return hc.do(req)
}

func (hc *HelixClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.cfg.HelixURL(path), nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	body, resp, err := hc.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewHTTPError(resp, body)
	}
	return json.Unmarshal(body, out)
}

type sendChatMessageRequest struct {
	BroadcasterID string `json:"broadcaster_id"`
	SenderID      string `json:"sender_id"`
	Message       string `json:"message"`
}

type sendChatMessageResponse struct {
	Data []struct {
		MessageID  string `json:"message_id"`
		IsSent     bool   `json:"is_sent"`
		DropReason *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"drop_reason"`
	} `json:"data"`
}

// SendChatMessage posts text to the broadcaster's chat as the logged-in user
// and returns the Helix message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("message empty")
	}
	body, resp, err := hc.postJSON(ctx, "/helix/chat/messages", sendChatMessageRequest{
		BroadcasterID: hc.cfg.BroadcasterID,
		SenderID:      hc.cfg.BroadcasterID,
		Message:       text,
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", NewHTTPError(resp, body)
	}
	var out sendChatMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrMessageDropped)
	}
	d := out.Data[0]
	if !d.IsSent {
		if d.DropReason != nil {
			return "", fmt.Errorf("%w: %s (%s)", ErrMessageDropped, d.DropReason.Message, d.DropReason.Code)
		}
		return "", ErrMessageDropped
	}
	return d.MessageID, nil
}

// SubscriptionTransport selects WebSocket delivery for a session.
type SubscriptionTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

// SubscriptionRequest is the body of POST /helix/eventsub/subscriptions.
type SubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

// Subscription is a created EventSub subscription.
type Subscription struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Cost      int       `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

type subscriptionResponse struct {
	Data    []Subscription `json:"data"`
	Error   string         `json:"error"`
	Status  int            `json:"status"`
	Message string         `json:"message"`
}

// CreateEventSubSubscription registers interest in an event type for the
// WebSocket session in r. A response carrying an error field wraps
// ErrSubscriptionRejected.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, r SubscriptionRequest) (*Subscription, error) {
	body, resp, err := hc.postJSON(ctx, "/helix/eventsub/subscriptions", r)
	if err != nil {
		return nil, err
	}
	var out subscriptionResponse
	if jerr := json.Unmarshal(body, &out); jerr == nil && out.Error != "" {
		return nil, fmt.Errorf("%w: %s %s: %s: %s", ErrSubscriptionRejected, r.Type, r.Version, out.Error, out.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp, body)
	}
	if len(out.Data) == 0 {
		return &Subscription{Type: r.Type, Version: r.Version}, nil
	}
	return &out.Data[0], nil
}

// Stream is a live stream from /helix/streams.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// GetStreams returns the live streams of userID (empty when offline).
func (hc *HelixClient) GetStreams(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.getJSON(ctx, "/helix/streams", url.Values{"user_id": {userID}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Game is a category from /helix/games.
type Game struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BoxArtURL string `json:"box_art_url"`
}

// GetGame resolves a category id.
func (hc *HelixClient) GetGame(ctx context.Context, id string) (*Game, error) {
	if id == "" {
		return nil, fmt.Errorf("game id empty")
	}
	var body struct {
		Data []Game `json:"data"`
	}
	if err := hc.getJSON(ctx, "/helix/games", url.Values{"id": {id}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("game not found")
	}
	return &body.Data[0], nil
}
