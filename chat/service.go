package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/onnwee/seraphbot/auth"
	"github.com/onnwee/seraphbot/db"
	"github.com/onnwee/seraphbot/eventsub"
	"github.com/onnwee/seraphbot/model"
	"github.com/onnwee/seraphbot/notify"
	"github.com/onnwee/seraphbot/oauth"
	"github.com/onnwee/seraphbot/telemetry"
	"github.com/onnwee/seraphbot/transport"
	"github.com/onnwee/seraphbot/twitchapi"
)

var (
	// ErrInvalidState means the operation is not allowed in the current state.
	ErrInvalidState = errors.New("operation not allowed in current connection state")
	// ErrNotConnected is returned by sends while chat is not connected.
	ErrNotConnected = errors.New("not connected to chat")
	// ErrNoStore means session persistence is not configured.
	ErrNoStore = errors.New("no token store configured")
	// ErrSendQueueFull is returned when a message is dropped because the
	// outbound queue is at capacity.
	ErrSendQueueFull = errors.New("send queue is full")
)

// Subscription is one EventSub type/version pair.
type Subscription struct {
	Type    string
	Version string
}

// ChatSubscription is awaited before the service reports ChatConnected.
var ChatSubscription = Subscription{"channel.chat.message", "1"}

// ExtraSubscriptions are requested independently once chat is up; a failure
// in one does not affect the others.
var ExtraSubscriptions = []Subscription{
	{"channel.update", "2"},
	{"channel.ad_break.begin", "1"},
	{"channel.chat.clear", "1"},
	{"channel.chat.clear_user_messages", "1"},
	{"channel.chat.message_delete", "1"},
	{"channel.chat.notification", "1"},
	{"stream.online", "1"},
}

// Authenticator runs the interactive login; *auth.Client implements it.
type Authenticator interface {
	Login(ctx context.Context) error
	FetchUserInfo(ctx context.Context) (*auth.UserInfo, error)
	ClientID() string
	Token() *oauth2.Token
}

// TokenStore persists the session; *db.Store implements it.
type TokenStore interface {
	SaveToken(ctx context.Context, provider string, tok db.StoredToken) error
	LoadToken(ctx context.Context, provider string) (*db.StoredToken, error)
	DeleteToken(ctx context.Context, provider string) error
}

// Notifier announces go-live events; *notify.Discord implements it.
type Notifier interface {
	Enabled() bool
	Notify(ctx context.Context, lookup notify.StreamLookup, broadcasterID, broadcasterName string) error
}

// Options configures a Service. Zero durations select defaults.
type Options struct {
	// Config carries the endpoints; identity fields are filled on login.
	Config   twitchapi.ClientConfig
	Manager  *transport.Manager
	Auth     Authenticator
	Store    TokenStore // optional
	Notifier Notifier   // optional

	ReadyDelay      time.Duration // wait between read loop start and subscribing; default 500ms
	SettleDelay     time.Duration // default 300ms
	ShutdownTimeout time.Duration // default 2s
	SendRate        int           // messages per SendWindow; default 20
	SendWindow      time.Duration // default 30s
	SendQueue       int           // outbound messages buffered per connection; default 64
	// ValidateEvery enables periodic token validation while connected.
	ValidateEvery time.Duration
}

// session is everything built for one chat connection. It is never reused.
type session struct {
	es      *eventsub.Client
	helix   *twitchapi.HelixClient
	limiter *rate.Limiter
	outbox  chan string
	cancel  context.CancelFunc
}

// Service is the connection orchestrator. All methods are safe for
// concurrent use.
type Service struct {
	opts Options

	mu          sync.Mutex
	state       ConnectionState
	cfg         twitchapi.ClientConfig
	user        string
	sess        *session
	lastStatus  string
	onMessage   func(model.ChatMessage)
	onStatus    func(string)
	onLive      func()
	lastErr     error
	connectedAt time.Time

	// loginGen identifies the current login attempt; Disconnect bumps it so
	// a stale attempt can no longer settle the state.
	loginGen    uint64
	loginCancel context.CancelFunc
}

// NewService builds a disconnected service.
func NewService(opts Options) *Service {
	if opts.ReadyDelay <= 0 {
		opts.ReadyDelay = 500 * time.Millisecond
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 300 * time.Millisecond
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 20
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = 30 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	return &Service{opts: opts, cfg: opts.Config}
}

// SetMessageHandler installs the callback for decoded chat and system
// messages. It runs on the read-loop goroutine.
func (s *Service) SetMessageHandler(fn func(model.ChatMessage)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// SetStatusHandler installs the callback for human-readable status lines.
func (s *Service) SetStatusHandler(fn func(string)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// SetStreamOnlineHandler installs the callback run when the channel goes live.
func (s *Service) SetStreamOnlineHandler(fn func()) {
	s.mu.Lock()
	s.onLive = fn
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Service) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanSendMessages reports whether SendMessage would dispatch.
func (s *Service) CanSendMessages() bool { return s.State() == ChatConnected }

// CanConnectToChat reports whether ConnectToChat would be accepted.
func (s *Service) CanConnectToChat() bool { return s.State() == LoggedIn }

// CurrentUser is the display name of the logged-in account.
func (s *Service) CurrentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// LastStatus is the most recent status line.
func (s *Service) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// LastError is the error behind the most recent move to Error.
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Config returns a copy of the client config, including identity once logged in.
func (s *Service) Config() twitchapi.ClientConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ConnectedSince is when chat last reached ChatConnected; zero otherwise.
func (s *Service) ConnectedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ChatConnected {
		return time.Time{}
	}
	return s.connectedAt
}

// SessionID is the EventSub session id of the current connection.
func (s *Service) SessionID() string {
	if sess := s.current(); sess != nil {
		return sess.es.SessionID()
	}
	return ""
}

func (s *Service) logger(ctx context.Context) *slog.Logger {
	return telemetry.Logger(telemetry.WithLogLabel(ctx, "TwitchService"))
}

func (s *Service) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// publish reports a transition. Callers must not hold mu.
func (s *Service) publish(state ConnectionState, status string) {
	telemetry.SetConnectionState(int(state))
	s.logger(context.Background()).Info("state changed", slog.String("state", state.String()), slog.String("status", status))
	s.status(status)
}

func (s *Service) status(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.lastStatus = text
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// transition moves to `to` if the current state is one of from.
func (s *Service) transition(to ConnectionState, status string, from ...ConnectionState) bool {
	s.mu.Lock()
	ok := false
	for _, f := range from {
		if s.state == f {
			ok = true
			break
		}
	}
	if ok {
		s.state = to
		if to == ChatConnected {
			s.connectedAt = time.Now()
		}
	}
	s.mu.Unlock()
	if ok {
		s.publish(to, status)
	}
	return ok
}

// failFrom moves to Error only while still in state from, so a concurrent
// Disconnect wins over a late failure.
func (s *Service) failFrom(from ConnectionState, err error, status string) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	s.state = Error
	s.lastErr = err
	s.mu.Unlock()
	s.publish(Error, status)
}

// beginLogin moves Disconnected to LoggingIn and opens a new login attempt
// whose context is cancelled by Disconnect.
func (s *Service) beginLogin(parent context.Context, status string) (context.Context, uint64, bool) {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return nil, 0, false
	}
	if s.loginCancel != nil {
		s.loginCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.loginGen++
	gen := s.loginGen
	s.loginCancel = cancel
	s.state = LoggingIn
	s.mu.Unlock()
	s.publish(LoggingIn, status)
	return ctx, gen, true
}

// settleLogin moves attempt gen out of LoggingIn. It reports false when the
// attempt was superseded by Disconnect or a newer login.
func (s *Service) settleLogin(gen uint64, to ConnectionState, err error, status string) bool {
	s.mu.Lock()
	if s.state != LoggingIn || s.loginGen != gen {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to == Error {
		s.lastErr = err
	}
	s.releaseLoginLocked()
	s.mu.Unlock()
	s.publish(to, status)
	return true
}

func (s *Service) releaseLoginLocked() {
	if s.loginCancel != nil {
		s.loginCancel()
		s.loginCancel = nil
	}
}

// StartLogin begins the browser login in the background. It is rejected
// unless the service is Disconnected.
func (s *Service) StartLogin() error {
	ctx, gen, ok := s.beginLogin(s.opts.Manager.Context(), "Starting login process...")
	if !ok {
		s.logger(context.Background()).Warn("login requested but not in disconnected state", slog.String("state", s.State().String()))
		return ErrInvalidState
	}
	if err := s.opts.Manager.Go(func(context.Context) { _ = s.login(ctx, gen) }); err != nil {
		s.logger(ctx).Error("login could not start", slog.Any("err", err))
		s.settleLogin(gen, Disconnected, nil, "Login could not start: "+err.Error())
		return err
	}
	return nil
}

// Login runs the login flow synchronously.
func (s *Service) Login(ctx context.Context) error {
	ctx, gen, ok := s.beginLogin(ctx, "Starting login process...")
	if !ok {
		s.logger(context.Background()).Warn("login requested but not in disconnected state", slog.String("state", s.State().String()))
		return ErrInvalidState
	}
	return s.login(ctx, gen)
}

func (s *Service) login(ctx context.Context, gen uint64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.login")
	defer func() { telemetry.EndSpan(span, err) }()
	log := s.logger(ctx)

	var info *auth.UserInfo
	telemetry.TimeFunc(telemetry.LoginDuration, func() {
		if err = s.opts.Auth.Login(ctx); err != nil {
			return
		}
		info, err = s.opts.Auth.FetchUserInfo(ctx)
	})
	if err == nil && s.opts.Auth.Token() == nil {
		err = twitchapi.ErrNotAuthenticated
	}
	if err != nil {
		if !s.settleLogin(gen, Error, err, "Login failed: "+err.Error()) {
			log.Warn("login attempt finished after the session was reset; discarding", slog.Any("err", err))
			return ErrInvalidState
		}
		telemetry.CountLogin("failed")
		log.Error("login failed", slog.Any("err", err))
		return err
	}
	tok := s.opts.Auth.Token()

	s.mu.Lock()
	if s.state != LoggingIn || s.loginGen != gen {
		s.mu.Unlock()
		log.Warn("login finished after the session was reset; discarding")
		return ErrInvalidState
	}
	s.cfg.AccessToken = tok.AccessToken
	s.cfg.BroadcasterID = info.ID
	s.cfg.ClientID = s.opts.Auth.ClientID()
	s.user = info.DisplayName
	s.state = LoggedIn
	s.releaseLoginLocked()
	s.mu.Unlock()
	telemetry.CountLogin("ok")
	s.publish(LoggedIn, "Logged in as "+info.DisplayName)

	if s.opts.Store != nil {
		stored := db.StoredToken{
			Token:       *tok,
			ClientID:    s.opts.Auth.ClientID(),
			UserID:      info.ID,
			Login:       info.Login,
			DisplayName: info.DisplayName,
		}
		if serr := s.opts.Store.SaveToken(context.WithoutCancel(ctx), db.ProviderTwitch, stored); serr != nil {
			log.Warn("failed to persist session", slog.Any("err", serr))
		}
	}
	return nil
}

// RestoreSession loads the persisted token, validates it and moves
// Disconnected to LoggedIn. A missing or rejected token leaves the service
// Disconnected; a rejected one is deleted.
func (s *Service) RestoreSession(ctx context.Context) error {
	if s.opts.Store == nil {
		return ErrNoStore
	}
	ctx, gen, ok := s.beginLogin(ctx, "Restoring saved session...")
	if !ok {
		return ErrInvalidState
	}
	log := s.logger(ctx)
	back := func(status string) { s.settleLogin(gen, Disconnected, nil, status) }

	tok, err := s.opts.Store.LoadToken(ctx, db.ProviderTwitch)
	if err != nil {
		if errors.Is(err, db.ErrNoToken) {
			back("No saved session")
		} else {
			log.Warn("failed to load saved session", slog.Any("err", err))
			back("Could not load saved session")
		}
		return err
	}
	cfg := s.Config()
	info, err := twitchapi.ValidateToken(ctx, s.opts.Manager.HTTPClient(true), cfg.IDHost, tok.AccessToken)
	if err != nil {
		if errors.Is(err, twitchapi.ErrTokenInvalid) {
			if derr := s.opts.Store.DeleteToken(ctx, db.ProviderTwitch); derr != nil {
				log.Warn("failed to delete rejected session", slog.Any("err", derr))
			}
			back("Saved session expired, please log in")
			return err
		}
		s.settleLogin(gen, Error, err, "Session restore failed: "+err.Error())
		return err
	}

	name := firstNonEmpty(tok.DisplayName, info.Login, tok.Login)
	s.mu.Lock()
	if s.state != LoggingIn || s.loginGen != gen {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.cfg.AccessToken = tok.AccessToken
	s.cfg.ClientID = firstNonEmpty(info.ClientID, tok.ClientID)
	s.cfg.BroadcasterID = firstNonEmpty(info.UserID, tok.UserID)
	s.user = name
	s.state = LoggedIn
	s.releaseLoginLocked()
	s.mu.Unlock()
	s.publish(LoggedIn, "Logged in as "+name)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ConnectToChat opens a fresh EventSub session, starts its read loop, waits
// for channel readiness and subscribes. The chat message subscription is
// awaited; the rest are requested independently in the background.
// It is rejected unless the service is LoggedIn.
func (s *Service) ConnectToChat(ctx context.Context) (err error) {
	if !s.transition(ConnectingToChat, "Connecting to chat...", LoggedIn) {
		s.logger(ctx).Warn("chat connection requested but not logged in", slog.String("state", s.State().String()))
		return ErrInvalidState
	}
	ctx, span := telemetry.StartSpan(ctx, "chat.connect")
	defer func() { telemetry.EndSpan(span, err) }()

	if err = s.connect(ctx); err != nil {
		s.logger(ctx).Error("chat connection failed", slog.Any("err", err))
		s.failFrom(ConnectingToChat, err, "Chat connection failed: "+err.Error())
	}
	return err
}

func (s *Service) connect(ctx context.Context) error {
	log := s.logger(ctx)
	cfg := s.Config()
	helix, err := twitchapi.NewHelixClient(cfg, s.opts.Manager.HTTPClient(true))
	if err != nil {
		return err
	}
	es, err := eventsub.New(cfg, s.opts.Manager.WebSocketDialer(), helix, eventsub.Options{SettleDelay: s.opts.SettleDelay})
	if err != nil {
		return err
	}
	if err := es.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(s.opts.Manager.Context())
	sess := &session{
		es:      es,
		helix:   helix,
		limiter: rate.NewLimiter(rate.Every(s.opts.SendWindow/time.Duration(s.opts.SendRate)), s.opts.SendRate),
		outbox:  make(chan string, s.opts.SendQueue),
		cancel:  cancel,
	}
	s.mu.Lock()
	if s.state != ConnectingToChat {
		s.mu.Unlock()
		s.teardown(sess)
		return ErrInvalidState
	}
	s.sess = sess
	s.mu.Unlock()

	if err := s.opts.Manager.Go(func(context.Context) { s.readLoop(runCtx, sess) }); err != nil {
		s.drop(sess)
		return err
	}
	if err := s.opts.Manager.Go(func(context.Context) { s.sendLoop(runCtx, sess) }); err != nil {
		s.drop(sess)
		return err
	}
	log.Info("eventsub connected, read loop started", slog.String("session_id", es.SessionID()))

	t := time.NewTimer(s.opts.ReadyDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		s.drop(sess)
		return ctx.Err()
	case <-t.C:
	}

	if err := es.Subscribe(ctx, ChatSubscription.Type, ChatSubscription.Version); err != nil {
		s.drop(sess)
		return err
	}

	if err := s.opts.Manager.Go(func(context.Context) { s.subscribeExtras(runCtx, es) }); err != nil {
		log.Warn("optional subscriptions not requested", slog.Any("err", err))
	}

	if !s.transition(ChatConnected, "Connected to chat", ConnectingToChat) {
		s.drop(sess)
		return ErrInvalidState
	}

	if s.opts.ValidateEvery > 0 {
		hc := s.opts.Manager.HTTPClient(true)
		oauth.StartValidator(runCtx, func(ctx context.Context) (*twitchapi.TokenInfo, error) {
			return twitchapi.ValidateToken(ctx, hc, cfg.IDHost, cfg.AccessToken)
		}, oauth.ValidatorOptions{
			Interval: s.opts.ValidateEvery,
			OnInvalid: func(err error) {
				s.lose(sess, err, "Session expired, please log in again")
			},
		})
	}
	return nil
}

func (s *Service) subscribeExtras(ctx context.Context, es *eventsub.Client) {
	log := s.logger(ctx)
	var g errgroup.Group
	for _, sub := range ExtraSubscriptions {
		g.Go(func() error {
			if err := es.Subscribe(ctx, sub.Type, sub.Version); err != nil {
				log.Warn("subscription failed", slog.String("type", sub.Type), slog.Any("err", err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("not every subscription succeeded", slog.Any("err", err))
		return
	}
	log.Info("all subscriptions active", slog.Int("count", len(ExtraSubscriptions)+1))
}

func (s *Service) readLoop(ctx context.Context, sess *session) {
	err := sess.es.Run(ctx, s.HandleEventSubMessage)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("connection closed by server")
	}
	s.lose(sess, err, "Chat connection lost: "+err.Error())
}

// lose moves to Error if sess is still the active connection.
func (s *Service) lose(sess *session, err error, status string) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	s.state = Error
	s.lastErr = err
	s.mu.Unlock()
	s.logger(context.Background()).Error("chat session lost", slog.Any("err", err))
	s.publish(Error, status)
	go s.teardown(sess)
}

// drop detaches sess if it is current and tears it down.
func (s *Service) drop(sess *session) {
	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
	s.teardown(sess)
}

func (s *Service) teardown(sess *session) {
	sess.cancel()
	if err := sess.es.Shutdown(s.opts.ShutdownTimeout); err != nil {
		s.logger(context.Background()).Warn("eventsub shutdown", slog.Any("err", err))
	}
}

// sendLoop delivers queued messages for one connection, pacing them with
// the session limiter.
func (s *Service) sendLoop(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-sess.outbox:
			if _, err := s.send(ctx, sess, text); err != nil && ctx.Err() == nil {
				s.status("Failed to send message: " + err.Error())
			}
		}
	}
}

// SendMessage queues text for delivery and never waits on the network or
// the rate limiter. It returns ErrNotConnected unless chat is connected and
// ErrSendQueueFull when the message had to be dropped; delivery failures
// are reported through the status handler.
func (s *Service) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	state, sess := s.state, s.sess
	s.mu.Unlock()
	if state != ChatConnected || sess == nil {
		s.logger(context.Background()).Warn("cannot send message: not connected to chat")
		return ErrNotConnected
	}
	select {
	case sess.outbox <- text:
		return nil
	default:
		telemetry.Inc(telemetry.ChatSendFailures)
		s.logger(context.Background()).Warn("dropping message: send queue is full", slog.Int("queued", cap(sess.outbox)))
		s.status("Message dropped: send queue is full")
		return ErrSendQueueFull
	}
}

// Send delivers text and waits for Helix to accept it, returning the message id.
func (s *Service) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("message is empty")
	}
	s.mu.Lock()
	state, sess := s.state, s.sess
	s.mu.Unlock()
	if state != ChatConnected || sess == nil {
		return "", ErrNotConnected
	}
	return s.send(ctx, sess, text)
}

func (s *Service) send(ctx context.Context, sess *session, text string) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.send", attribute.Int("message.length", len(text)))
	defer func() { telemetry.EndSpan(span, err) }()
	log := s.logger(ctx)

	if err = sess.limiter.Wait(ctx); err != nil {
		telemetry.Inc(telemetry.ChatSendFailures)
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	id, err = sess.helix.SendChatMessage(ctx, text)
	if err != nil {
		telemetry.Inc(telemetry.ChatSendFailures)
		log.Error("failed to send message", slog.Any("err", err))
		return "", err
	}
	telemetry.Inc(telemetry.ChatMessagesSent)
	log.Info("sent message", slog.String("message_id", id), slog.String("text", text))
	return id, nil
}

// Disconnect tears down the chat connection and clears the cached
// identity. It always succeeds and is idempotent.
func (s *Service) Disconnect() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.state = Disconnected
	s.loginGen++
	s.releaseLoginLocked()
	s.cfg.AccessToken = ""
	s.cfg.BroadcasterID = ""
	s.cfg.ClientID = ""
	s.user = ""
	s.lastErr = nil
	s.mu.Unlock()
	if sess != nil {
		s.teardown(sess)
	}
	s.publish(Disconnected, "Disconnected")
}

// Logout disconnects and forgets the persisted session.
func (s *Service) Logout(ctx context.Context) error {
	s.Disconnect()
	if s.opts.Store == nil {
		return nil
	}
	return s.opts.Store.DeleteToken(ctx, db.ProviderTwitch)
}

// Reconnect replaces the chat connection using the cached token. It is
// valid from Error and ChatConnected when a token is held.
func (s *Service) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if (s.state != Error && s.state != ChatConnected) || s.cfg.AccessToken == "" {
		state := s.state
		s.mu.Unlock()
		s.logger(ctx).Warn("reconnect requested without a usable session", slog.String("state", state.String()))
		return ErrInvalidState
	}
	sess := s.sess
	s.sess = nil
	s.state = LoggedIn
	s.lastErr = nil
	s.mu.Unlock()
	if sess != nil {
		s.teardown(sess)
	}
	s.publish(LoggedIn, "Reconnecting...")
	return s.ConnectToChat(ctx)
}
