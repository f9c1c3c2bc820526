package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/seraphbot/twitchapi"
)

type fakeLookup struct {
	streams   []twitchapi.Stream
	streamErr error
	game      *twitchapi.Game
	gameErr   error
}

func (f fakeLookup) GetStreams(context.Context, string) ([]twitchapi.Stream, error) {
	return f.streams, f.streamErr
}

func (f fakeLookup) GetGame(context.Context, string) (*twitchapi.Game, error) {
	return f.game, f.gameErr
}

func captureWebhook(t *testing.T, status int) (*httptest.Server, <-chan webhookPayload) {
	t.Helper()
	got := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		var p webhookPayload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		got <- p
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestNotifyFullEmbed(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusNoContent)
	d := NewDiscord(Options{WebhookURL: srv.URL, Message: "@here {user} is live", ChannelURL: "https://twitch.tv/seraph"})
	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	lookup := fakeLookup{
		streams: []twitchapi.Stream{{Title: "Speedruns", GameID: "33", GameName: "Celeste", ThumbnailURL: "https://img/live_{width}x{height}.jpg"}},
		game:    &twitchapi.Game{ID: "33", Name: "Celeste", BoxArtURL: "https://img/box-{width}x{height}.jpg"},
	}
	if err := d.Notify(context.Background(), lookup, "42", "Seraph"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	p := <-got
	if p.Content != "@here Seraph is live" {
		t.Fatalf("content = %q", p.Content)
	}
	if len(p.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(p.Embeds))
	}
	e := p.Embeds[0]
	if e.Description != "Speedruns" || e.URL != "https://twitch.tv/seraph" || e.Color != embedColor || e.Timestamp != "2024-05-01T12:00:00Z" {
		t.Fatalf("embed = %+v", e)
	}
	if e.Image == nil || e.Image.URL != "https://img/live_1920x1080.jpg" {
		t.Fatalf("image = %+v", e.Image)
	}
	if e.Thumbnail == nil || e.Thumbnail.URL != "https://img/box-285x380.jpg" {
		t.Fatalf("thumbnail = %+v", e.Thumbnail)
	}
	if len(e.Fields) != 1 || e.Fields[0].Value != "Celeste" || e.Footer.Text != footerText {
		t.Fatalf("fields/footer = %+v %+v", e.Fields, e.Footer)
	}
}

func TestNotifyDegradesWithoutStreamData(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusNoContent)
	d := NewDiscord(Options{WebhookURL: srv.URL})
	if err := d.Notify(context.Background(), fakeLookup{streamErr: errors.New("boom")}, "42", "Seraph"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	p := <-got
	if p.Content != "Seraph is now live!" || p.Embeds[0].Image != nil || p.Embeds[0].Description != "" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestNotifyGameLookupFailureKeepsStream(t *testing.T) {
	srv, got := captureWebhook(t, http.StatusNoContent)
	d := NewDiscord(Options{WebhookURL: srv.URL})
	lookup := fakeLookup{
		streams: []twitchapi.Stream{{Title: "Chatting", GameID: "1"}},
		gameErr: errors.New("not found"),
	}
	if err := d.Notify(context.Background(), lookup, "42", "Seraph"); err != nil {
		t.Fatal(err)
	}
	p := <-got
	if p.Embeds[0].Description != "Chatting" || p.Embeds[0].Thumbnail != nil {
		t.Fatalf("embed = %+v", p.Embeds[0])
	}
}

func TestNotifyReportsWebhookError(t *testing.T) {
	srv, _ := captureWebhook(t, http.StatusBadRequest)
	d := NewDiscord(Options{WebhookURL: srv.URL})
	err := d.Notify(context.Background(), nil, "", "Seraph")
	if err == nil || !errors.Is(err, twitchapi.ErrHTTPRequest) || twitchapi.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	d := NewDiscord(Options{})
	if d.Enabled() {
		t.Fatal("notifier without webhook must be disabled")
	}
	if err := d.Notify(context.Background(), nil, "42", "x"); err != nil {
		t.Fatal(err)
	}
	var nilD *Discord
	if nilD.Enabled() {
		t.Fatal("nil notifier must be disabled")
	}
}

func TestSizeImage(t *testing.T) {
	if got := sizeImage("a-{width}x{height}", 1, 2); !strings.HasSuffix(got, "1x2") {
		t.Fatalf("sizeImage = %q", got)
	}
}
