package testutil

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/seraphbot/twitchapi"
)

// MockTwitchServer is a TLS test server standing in for every remote the bot
// talks to: Helix, id.twitch.tv, the login intermediary and the EventSub
// WebSocket (at /ws). All of them share one host:port.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	// SessionID is sent in the welcome frame of every /ws connection.
	SessionID string
	// WelcomeFrame, when set, replaces the generated welcome frame.
	WelcomeFrame []byte

	wsConns       chan *websocket.Conn
	subscriptions []twitchapi.SubscriptionRequest
	sent          []string
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// NewMockTwitchServer starts the server; it is closed by t.Cleanup.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers:  make(map[string]http.HandlerFunc),
		SessionID: "abc123",
		wsConns:   make(chan *websocket.Conn, 8),
	}
	m.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			m.serveWebSocket(t, w, r)
			return
		}
		m.mu.Lock()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// SetSessionID changes the session id used by later welcome frames.
func (m *MockTwitchServer) SetSessionID(id string) {
	m.mu.Lock()
	m.SessionID = id
	m.mu.Unlock()
}

// Handle installs a handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Host is the server hostname (127.0.0.1).
func (m *MockTwitchServer) Host() string {
	u, _ := url.Parse(m.URL)
	return u.Hostname()
}

// Port is the server port.
func (m *MockTwitchServer) Port() string {
	u, _ := url.Parse(m.URL)
	return u.Port()
}

// CertPool trusts the server certificate.
func (m *MockTwitchServer) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.Certificate())
	return pool
}

// ClientConfig points every endpoint at the server. Identity fields are left empty.
func (m *MockTwitchServer) ClientConfig() twitchapi.ClientConfig {
	return twitchapi.ClientConfig{
		Host:      m.Host(),
		Port:      m.Port(),
		Path:      "/ws",
		HelixHost: m.Host(),
		HelixPort: m.Port(),
		IDHost:    m.Host() + ":" + m.Port(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// WelcomeFor renders a session_welcome frame.
func WelcomeFor(sessionID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{"message_id": "welcome-" + sessionID, "message_type": "session_welcome", "message_timestamp": time.Now().UTC().Format(time.RFC3339Nano)},
		"payload":  map[string]any{"session": map[string]any{"id": sessionID, "status": "connected", "keepalive_timeout_seconds": 10}},
	})
	return b
}

// Notification renders a notification frame for subType carrying event.
func Notification(subType string, event any) []byte {
	b, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{"message_id": fmt.Sprintf("n-%d", time.Now().UnixNano()), "message_type": "notification", "subscription_type": subType, "subscription_version": "1"},
		"payload": map[string]any{
			"subscription": map[string]any{"id": "sub-" + subType, "type": subType, "version": "1", "status": "enabled"},
			"event":        event,
		},
	})
	return b
}

func (m *MockTwitchServer) serveWebSocket(t *testing.T, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Logf("mock eventsub upgrade failed: %v", err)
		return
	}
	m.mu.Lock()
	frame := m.WelcomeFrame
	sid := m.SessionID
	m.mu.Unlock()
	if frame == nil {
		frame = WelcomeFor(sid)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Logf("mock eventsub welcome failed: %v", err)
	}
	select {
	case m.wsConns <- conn:
	default:
		_ = conn.Close()
	}
}

// AcceptEventSub waits for the next /ws connection. The server answers
// close frames so graceful shutdowns complete.
func (m *MockTwitchServer) AcceptEventSub(t *testing.T, timeout time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-m.wsConns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(timeout):
		t.Fatalf("no eventsub connection within %s", timeout)
		return nil
	}
}

// EchoClose reads from conn until the client closes, echoing the close frame.
func EchoClose(conn *websocket.Conn) {
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// MockSubscriptions records subscription requests and answers with status/body.
// An empty body yields a Helix-style success payload.
func (m *MockTwitchServer) MockSubscriptions(status int, body string) {
	m.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var req twitchapi.SubscriptionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		m.mu.Lock()
		m.subscriptions = append(m.subscriptions, req)
		m.mu.Unlock()
		if body != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		writeJSON(w, status, map[string]any{"data": []map[string]any{{"id": "sub-" + req.Type, "status": "enabled", "type": req.Type, "version": req.Version}}})
	})
}

// Subscriptions returns the recorded subscription requests.
func (m *MockTwitchServer) Subscriptions() []twitchapi.SubscriptionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]twitchapi.SubscriptionRequest(nil), m.subscriptions...)
}

// MockSendChat accepts chat messages and records their text.
func (m *MockTwitchServer) MockSendChat() {
	m.Handle("/helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.sent = append(m.sent, body.Message)
		n := len(m.sent)
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"message_id": fmt.Sprintf("m-%d", n), "is_sent": true}}})
	})
}

// SentMessages returns the recorded chat texts.
func (m *MockTwitchServer) SentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// MockLogin serves the intermediary endpoints. /token succeeds from the
// tokenAfter-th poll onward.
func (m *MockTwitchServer) MockLogin(clientID, accessToken, userID, login string, tokenAfter int) {
	var mu sync.Mutex
	polls := 0
	m.Handle("/client_id", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"client_id": clientID})
	})
	m.Handle("/auth_url", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://id.twitch.tv/oauth2/authorize?state="+r.URL.Query().Get("state"), http.StatusFound)
	})
	m.Handle("/token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < tokenAfter {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pending"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": accessToken, "refresh_token": "refresh-" + accessToken, "expires_in": 14400})
	})
	m.Handle("/user_info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": userID, "login": login, "display_name": login, "created_at": "2020-01-01T00:00:00Z"}}})
	})
}

// MockValidate answers /oauth2/validate for validToken and rejects anything else.
func (m *MockTwitchServer) MockValidate(validToken, clientID, userID, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth "+validToken {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "login": login, "user_id": userID, "scopes": []string{"user:read:chat", "user:write:chat"}, "expires_in": 3600})
	})
}

// MockStreamsResponse answers /helix/streams with streams.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": streams})
	})
}

// MockGamesResponse answers /helix/games with a single game.
func (m *MockTwitchServer) MockGamesResponse(id, name string) {
	m.Handle("/helix/games", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]string{{"id": id, "name": name, "box_art_url": "https://static-cdn.jtvnw.net/ttv-boxart/" + id + "-{width}x{height}.jpg"}}})
	})
}
