package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode"

	"github.com/onnwee/seraphbot/twitchapi"
)

type intermediary struct {
	srv          *httptest.Server
	tokenAfter   int32 // /token succeeds from this poll onward (0 = never)
	polls        atomic.Int32
	userInfoBody string
	clientStatus int
	seenState    atomic.Value
}

func newIntermediary(t *testing.T, tokenAfter int32) *intermediary {
	t.Helper()
	im := &intermediary{
		tokenAfter:   tokenAfter,
		clientStatus: http.StatusOK,
		userInfoBody: `{"data":[{"id":"1001","login":"seraph","display_name":"Seraph","created_at":"2020-01-02T03:04:05Z","view_count":7}]}`,
	}
	im.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client_id":
			w.WriteHeader(im.clientStatus)
			_, _ = w.Write([]byte(`{"client_id":"cid-123"}`))
		case "/auth_url":
			im.seenState.Store(r.URL.Query().Get("state"))
			http.Redirect(w, r, "https://id.twitch.tv/oauth2/authorize?state="+r.URL.Query().Get("state"), http.StatusFound)
		case "/token":
			n := im.polls.Add(1)
			if im.tokenAfter == 0 || n < im.tokenAfter {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
		case "/user_info":
			_, _ = w.Write([]byte(im.userInfoBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(im.srv.Close)
	return im
}

func (im *intermediary) client(t *testing.T, opened *atomic.Value) *Client {
	t.Helper()
	u, _ := url.Parse(im.srv.URL)
	hc := im.srv.Client()
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return New(Options{
		Host:         u.Hostname(),
		Port:         u.Port(),
		HTTPClient:   hc,
		PollInterval: time.Millisecond,
		Browser: BrowserFunc(func(u string) error {
			if opened != nil {
				opened.Store(u)
			}
			return nil
		}),
	})
}

func TestLoginSucceedsAfterPolling(t *testing.T) {
	im := newIntermediary(t, 3)
	var opened atomic.Value
	c := im.client(t, &opened)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.State() != Authenticated || !c.IsLoggedIn() {
		t.Fatalf("state = %v loggedIn=%v", c.State(), c.IsLoggedIn())
	}
	if c.AccessToken() != "at-1" || c.Token().RefreshToken != "rt-1" || c.ClientID() != "cid-123" {
		t.Errorf("unexpected credentials: token=%+v client=%q", c.Token(), c.ClientID())
	}
	if got := im.polls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
	state, _ := im.seenState.Load().(string)
	if want := "https://id.twitch.tv/oauth2/authorize?state=" + state; opened.Load() != want {
		t.Errorf("browser opened %v, want %s", opened.Load(), want)
	}

	info, err := c.FetchUserInfo(context.Background())
	if err != nil {
		t.Fatalf("FetchUserInfo: %v", err)
	}
	if info.ID != "1001" || info.DisplayName != "Seraph" || info.ViewCount != 7 || info.CreatedAt.Year() != 2020 {
		t.Errorf("unexpected user info %+v", info)
	}
}

func TestLoginTimesOut(t *testing.T) {
	im := newIntermediary(t, 0)
	c := im.client(t, nil)

	err := c.Login(context.Background())
	if !errors.Is(err, ErrAuthorizationTimeout) {
		t.Fatalf("err = %v, want ErrAuthorizationTimeout", err)
	}
	if got := im.polls.Load(); got != 10 {
		t.Errorf("polls = %d, want 10", got)
	}
	if c.State() != Failed || c.IsLoggedIn() {
		t.Errorf("state = %v loggedIn=%v", c.State(), c.IsLoggedIn())
	}
}

func TestLoginClientIDFailure(t *testing.T) {
	im := newIntermediary(t, 1)
	im.clientStatus = http.StatusServiceUnavailable
	c := im.client(t, nil)

	err := c.Login(context.Background())
	if twitchapi.StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want HTTP 503", err)
	}
	if !errors.Is(err, twitchapi.ErrHTTPRequest) {
		t.Errorf("err does not match ErrHTTPRequest: %v", err)
	}
}

func TestLoginCancelled(t *testing.T) {
	im := newIntermediary(t, 0)
	c := im.client(t, nil)
	c.opts.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := c.Login(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestFetchUserInfoEmpty(t *testing.T) {
	im := newIntermediary(t, 1)
	im.userInfoBody = `{"data":[]}`
	c := im.client(t, nil)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := c.FetchUserInfo(context.Background()); !errors.Is(err, ErrNoUserData) {
		t.Fatalf("err = %v, want ErrNoUserData", err)
	}
}

func TestGenerateState(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := GenerateState()
		if err != nil {
			t.Fatal(err)
		}
		if len(s) < 16 || len(s) != StateLength {
			t.Fatalf("state length = %d", len(s))
		}
		if strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) >= 0 {
			t.Fatalf("state %q is not alphanumeric", s)
		}
		if seen[s] {
			t.Fatalf("duplicate state %q", s)
		}
		seen[s] = true
	}
}

func TestStateString(t *testing.T) {
	if Polling.String() != "polling" || State(42).String() != "State(42)" {
		t.Error("unexpected State.String output")
	}
}
