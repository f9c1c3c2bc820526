// Package notify announces go-live events through a Discord webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/seraphbot/telemetry"
	"github.com/onnwee/seraphbot/twitchapi"
)

const (
	embedColor = 9442302
	footerText = "Sent by SeraphBot"
)

// StreamLookup resolves the metadata shown in the announcement.
type StreamLookup interface {
	GetStreams(ctx context.Context, userID string) ([]twitchapi.Stream, error)
	GetGame(ctx context.Context, id string) (*twitchapi.Game, error)
}

// Options configures Discord.
type Options struct {
	WebhookURL string
	// Message is the content line; {user} becomes the broadcaster name.
	Message    string
	ChannelURL string
	HTTPClient *http.Client
}

// Discord posts go-live announcements. A zero WebhookURL disables it.
type Discord struct {
	opts Options
	now  func() time.Time
}

// NewDiscord returns a notifier. A nil HTTPClient uses a 10s-timeout client.
func NewDiscord(opts Options) *Discord {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Message == "" {
		opts.Message = "{user} is now live!"
	}
	return &Discord{opts: opts, now: time.Now}
}

// Enabled reports whether a webhook is configured.
func (d *Discord) Enabled() bool { return d != nil && d.opts.WebhookURL != "" }

type embedImage struct {
	URL string `json:"url"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embed struct {
	Title       string       `json:"title"`
	Type        string       `json:"type"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Image       *embedImage  `json:"image,omitempty"`
	Thumbnail   *embedImage  `json:"thumbnail,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type webhookPayload struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds,omitempty"`
}

// Notify posts the announcement for broadcasterID. Stream and game lookups
// are best effort: without them the message is sent with a smaller embed.
func (d *Discord) Notify(ctx context.Context, lookup StreamLookup, broadcasterID, broadcasterName string) (err error) {
	if !d.Enabled() {
		return nil
	}
	ctx = telemetry.WithLogLabel(ctx, "Discord Notifications")
	ctx, span := telemetry.StartSpan(ctx, "notify.discord", attribute.String("broadcaster.id", broadcasterID))
	defer func() { telemetry.EndSpan(span, err) }()
	log := telemetry.Logger(ctx)

	e := embed{
		Title:     "🔴 Stream is live!",
		Type:      "rich",
		URL:       d.opts.ChannelURL,
		Color:     embedColor,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Footer:    &embedFooter{Text: footerText},
	}
	if lookup != nil && broadcasterID != "" {
		d.decorate(ctx, lookup, broadcasterID, &e)
	}

	payload := webhookPayload{
		Content: strings.ReplaceAll(d.opts.Message, "{user}", broadcasterName),
		Embeds:  []embed{e},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: discord webhook: %w", twitchapi.ErrHTTPRequest, err)
	}
	defer twitchapi.CloseBody(resp)
	respBody, _ := twitchapi.ReadBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("discord webhook: %w", twitchapi.NewHTTPError(resp, respBody))
	}
	log.Info("go-live notification sent", slog.Int("status", resp.StatusCode))
	return nil
}

func (d *Discord) decorate(ctx context.Context, lookup StreamLookup, broadcasterID string, e *embed) {
	log := telemetry.Logger(ctx)
	streams, err := lookup.GetStreams(ctx, broadcasterID)
	if err != nil {
		log.Warn("stream lookup failed", slog.Any("err", err))
		return
	}
	if len(streams) == 0 {
		log.Warn("stream not listed yet, sending without details")
		return
	}
	s := streams[0]
	e.Description = s.Title
	if s.ThumbnailURL != "" {
		e.Image = &embedImage{URL: sizeImage(s.ThumbnailURL, 1920, 1080)}
	}
	if s.GameName != "" {
		e.Fields = []embedField{{Name: "Game Name", Value: s.GameName}}
	}
	if s.GameID == "" {
		return
	}
	game, err := lookup.GetGame(ctx, s.GameID)
	if err != nil {
		log.Warn("game lookup failed", slog.String("game_id", s.GameID), slog.Any("err", err))
		return
	}
	if game.BoxArtURL != "" {
		e.Thumbnail = &embedImage{URL: sizeImage(game.BoxArtURL, 285, 380)}
	}
}

// sizeImage fills the {width} and {height} placeholders of a Twitch image URL.
func sizeImage(u string, w, h int) string {
	return strings.NewReplacer("{width}", fmt.Sprint(w), "{height}", fmt.Sprint(h)).Replace(u)
}
