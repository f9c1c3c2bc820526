// Package eventsub maintains the Twitch EventSub WebSocket session: it
// connects, reads the welcome frame for the session id, registers
// subscriptions through Helix and delivers every inbound frame, in order, to
// a single callback.
package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/seraphbot/telemetry"
	"github.com/onnwee/seraphbot/transport"
	"github.com/onnwee/seraphbot/twitchapi"
)

var (
	// ErrProtocolViolation means the server did not open with a usable welcome frame.
	ErrProtocolViolation = errors.New("eventsub protocol violation")
	// ErrSubscriptionFailed wraps any failure creating a subscription.
	ErrSubscriptionFailed = errors.New("eventsub subscription failed")
	// ErrNotConnected is returned by operations that need a session.
	ErrNotConnected = errors.New("eventsub not connected")
	// ErrReadLoopActive is returned when Run is called while a loop is running.
	ErrReadLoopActive = errors.New("eventsub read loop already running")
)

// State is the client lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitingWelcome
	Ready
	Reading
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingWelcome:
		return "awaiting_welcome"
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Subscriber creates subscriptions; *twitchapi.HelixClient implements it.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, r twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error)
}

// Options tunes timing. Zero values select defaults.
type Options struct {
	// SettleDelay is waited after each successful subscription. Default 300ms.
	SettleDelay time.Duration
	// WelcomeTimeout bounds the wait for the first frame. Default 10s.
	WelcomeTimeout time.Duration
	// KeepaliveGrace is added to the server keepalive before a read times out. Default 5s.
	KeepaliveGrace time.Duration
}

// Client is one EventSub session. Connect, Subscribe and Shutdown may be
// called from any goroutine; frames are only read by Run.
type Client struct {
	cfg    twitchapi.ClientConfig
	dialer *websocket.Dialer
	subs   Subscriber
	opts   Options

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	keepalive time.Duration
	runDone   chan struct{}

	state   atomic.Int32
	closing atomic.Bool
}

// New builds a client. cfg must carry an access token.
func New(cfg twitchapi.ClientConfig, dialer *websocket.Dialer, subs Subscriber, opts Options) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, twitchapi.ErrNotAuthenticated
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 300 * time.Millisecond
	}
	if opts.WelcomeTimeout <= 0 {
		opts.WelcomeTimeout = 10 * time.Second
	}
	if opts.KeepaliveGrace <= 0 {
		opts.KeepaliveGrace = 5 * time.Second
	}
	return &Client{cfg: cfg, dialer: dialer, subs: subs, opts: opts}, nil
}

// State returns the lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// SessionID is the id from the most recent welcome frame.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) logger(ctx context.Context) *slog.Logger {
	return telemetry.Logger(telemetry.WithLogLabel(ctx, "Twitch EventSub"))
}

// Connect opens the WebSocket and reads the welcome frame. On return the
// session id is known and subscriptions may be created.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "eventsub.connect", attribute.String("eventsub.url", c.cfg.EventSubURL()))
	defer func() { telemetry.EndSpan(span, err) }()

	c.closing.Store(false)
	c.setState(Connecting)
	conn, session, err := c.dial(ctx, c.cfg.EventSubURL())
	if err != nil {
		c.setState(Closed)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = session.ID
	c.keepalive = keepaliveOf(session)
	c.mu.Unlock()
	c.setState(Ready)
	c.logger(ctx).Info("eventsub session established", slog.String("session_id", session.ID), slog.Duration("keepalive", c.keepalive))
	return nil
}

func keepaliveOf(s *Session) time.Duration {
	if s.KeepaliveTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.KeepaliveTimeoutSeconds) * time.Second
}

// dial performs the handshake against url and consumes the welcome frame.
func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, *Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, transport.ErrConnection) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: websocket handshake with %s: %w", transport.ErrConnection, url, err)
	}

	c.setState(AwaitingWelcome)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.WelcomeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: read welcome: %w", ErrProtocolViolation, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := Parse(data)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if msg.Payload.Session == nil || msg.Payload.Session.ID == "" {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: welcome frame missing payload.session.id", ErrProtocolViolation)
	}
	if msg.Metadata.MessageType != TypeWelcome {
		slog.Warn("first eventsub frame is not a welcome", slog.String("message_type", msg.Metadata.MessageType), slog.String("component", "eventsub"))
	}
	telemetry.CountFrame(TypeWelcome)
	return conn, msg.Payload.Session, nil
}

// Condition builds the subscription condition for eventType.
func (c *Client) Condition(eventType string) map[string]string {
	cond := map[string]string{
		"broadcaster_user_id": c.cfg.BroadcasterID,
		"user_id":             c.cfg.BroadcasterID,
	}
	if eventType == "channel.ad_break.begin" {
		cond["broadcaster_id"] = c.cfg.BroadcasterID
	}
	return cond
}

// Subscribe registers eventType at version for the current session and then
// waits SettleDelay.
func (c *Client) Subscribe(ctx context.Context, eventType, version string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "eventsub.subscribe", attribute.String("eventsub.type", eventType), attribute.String("eventsub.version", version))
	defer func() { telemetry.EndSpan(span, err) }()

	sid := c.SessionID()
	if sid == "" {
		return ErrNotConnected
	}
	req := twitchapi.SubscriptionRequest{
		Type:      eventType,
		Version:   version,
		Condition: c.Condition(eventType),
		Transport: twitchapi.SubscriptionTransport{Method: "websocket", SessionID: sid},
	}
	sub, err := c.subs.CreateEventSubSubscription(ctx, req)
	if err != nil {
		telemetry.CountSubscription(eventType, "failed")
		return fmt.Errorf("%w: %s v%s: %w", ErrSubscriptionFailed, eventType, version, err)
	}
	telemetry.CountSubscription(eventType, "ok")
	c.logger(ctx).Info("subscribed", slog.String("type", eventType), slog.String("version", version), slog.String("status", sub.Status))

	t := time.NewTimer(c.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

// Run reads frames until the connection closes or ctx is cancelled, calling
// fn once per frame in arrival order. A normal close or cancellation returns
// nil; other read errors are returned. session_reconnect frames are handled
// by migrating to the new URL before fn sees them.
func (c *Client) Run(ctx context.Context, fn func(frame []byte)) error {
	c.mu.Lock()
	if c.runDone != nil {
		c.mu.Unlock()
		return ErrReadLoopActive
	}
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.runDone = nil
		c.mu.Unlock()
		close(done)
	}()

	stop := context.AfterFunc(ctx, func() {
		c.closing.Store(true)
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close()
		}
	})
	defer stop()

	log := c.logger(ctx)
	c.setState(Reading)
	for {
		conn := c.currentConn()
		if conn == nil {
			return nil
		}
		c.mu.Lock()
		ka := c.keepalive
		c.mu.Unlock()
		_ = conn.SetReadDeadline(time.Now().Add(ka + c.opts.KeepaliveGrace))

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.setState(Closed)
			if c.closing.Load() || ctx.Err() != nil {
				log.Info("read loop stopped")
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket closed by server", slog.Any("err", err))
				return nil
			}
			log.Error("read error", slog.Any("err", err))
			return fmt.Errorf("eventsub read: %w", err)
		}

		msg, perr := Parse(data)
		if perr == nil {
			telemetry.CountFrame(msg.Metadata.MessageType)
			if msg.Metadata.MessageType == TypeReconnect {
				if err := c.migrate(ctx, msg); err != nil {
					log.Error("session reconnect failed", slog.Any("err", err))
					c.setState(Closed)
					return err
				}
			}
		}
		log.Debug("frame received", slog.Int("bytes", len(data)))
		fn(data)
	}
}

// migrate follows a session_reconnect frame: dial the new URL, wait for its
// welcome, then swap and close the old connection. Subscriptions carry over.
func (c *Client) migrate(ctx context.Context, msg *Message) error {
	if msg.Payload.Session == nil || msg.Payload.Session.ReconnectURL == "" {
		return fmt.Errorf("%w: reconnect frame missing reconnect_url", ErrProtocolViolation)
	}
	conn, session, err := c.dial(ctx, msg.Payload.Session.ReconnectURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.sessionID = session.ID
	c.keepalive = keepaliveOf(session)
	c.mu.Unlock()
	c.setState(Reading)
	if old != nil {
		_ = old.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = old.Close()
	}
	c.logger(ctx).Info("migrated eventsub session", slog.String("session_id", session.ID))
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Shutdown sends a close frame, waits up to timeout for the read loop to
// observe the close, and always releases the connection. Closing an already
// closed socket is not an error.
func (c *Client) Shutdown(timeout time.Duration) error {
	c.closing.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	done := c.runDone
	c.mu.Unlock()
	c.setState(Closed)
	if conn == nil {
		return nil
	}
	defer conn.Close()

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(timeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		slog.Warn("websocket close warning", slog.Any("err", err), slog.String("component", "eventsub"))
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			slog.Debug("read loop did not stop before shutdown timeout", slog.String("component", "eventsub"))
		}
	}
	return nil
}

// Reconnect drops the current connection and performs a fresh Connect.
// Subscriptions must be created again for the new session.
func (c *Client) Reconnect(ctx context.Context, timeout time.Duration) error {
	_ = c.Shutdown(timeout)
	return c.Connect(ctx)
}
