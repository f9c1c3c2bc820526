package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/onnwee/seraphbot/eventsub"
	"github.com/onnwee/seraphbot/model"
)

type chatMessageEvent struct {
	ChatterUserName *string `json:"chatter_user_name"`
	Color           string  `json:"color"`
	Message         *struct {
		Text *string `json:"text"`
	} `json:"message"`
	Badges []struct {
		SetID string `json:"set_id"`
	} `json:"badges"`
}

type adBreakEvent struct {
	DurationSeconds flexInt `json:"duration_seconds"`
}

type clearUserEvent struct {
	TargetUserName string `json:"target_user_name"`
}

type notificationEvent struct {
	SystemMessage string `json:"system_message"`
}

type channelUpdateEvent struct {
	Title        string `json:"title"`
	CategoryName string `json:"category_name"`
}

type streamOnlineEvent struct {
	BroadcasterUserID   string `json:"broadcaster_user_id"`
	BroadcasterUserName string `json:"broadcaster_user_name"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*f = flexInt(n)
	return nil
}

// HandleEventSubMessage decodes one raw EventSub frame and forwards the
// resulting chat line to the message handler. Frames other than
// notifications are ignored; malformed ones are logged and dropped.
func (s *Service) HandleEventSubMessage(raw []byte) {
	log := s.logger(context.Background())
	msg, err := eventsub.Parse(raw)
	if err != nil {
		log.Error("failed to parse eventsub message", slog.Any("err", err))
		return
	}
	if msg.Metadata.MessageType != eventsub.TypeNotification {
		return
	}
	eventType := msg.EventType()
	out, ok, err := s.decodeEvent(eventType, msg.Payload.Event)
	if err != nil {
		log.Warn("dropping malformed event", slog.String("type", eventType), slog.Any("err", err))
		return
	}
	if !ok {
		return
	}
	if out.IsSystem() {
		log.Info("system message", slog.String("type", eventType), slog.String("text", out.Text))
	} else {
		log.Debug("chat message", slog.String("user", out.User), slog.String("text", out.Text))
	}
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(out)
	}
}

// decodeEvent maps a notification to a chat line. ok is false for events
// that produce no line.
func (s *Service) decodeEvent(eventType string, event json.RawMessage) (model.ChatMessage, bool, error) {
	if len(event) == 0 {
		return model.ChatMessage{}, false, fmt.Errorf("notification without event payload")
	}
	switch eventType {
	case "channel.chat.message":
		var ev chatMessageEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		if ev.ChatterUserName == nil || ev.Message == nil || ev.Message.Text == nil {
			return model.ChatMessage{}, false, fmt.Errorf("incomplete chat message")
		}
		var badges []string
		for _, b := range ev.Badges {
			if b.SetID != "" {
				badges = append(badges, b.SetID)
			}
		}
		return model.ChatMessage{User: *ev.ChatterUserName, Text: *ev.Message.Text, Color: ev.Color, Badges: badges}, true, nil

	case "channel.ad_break.begin":
		var ev adBreakEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		return model.SystemMessage(fmt.Sprintf("%d second ad break beginning.", ev.DurationSeconds)), true, nil

	case "channel.chat.clear":
		return model.SystemMessage("Chat clear requested"), true, nil

	case "channel.chat.clear_user_messages":
		var ev clearUserEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		return model.SystemMessage("Chat cleared for " + ev.TargetUserName), true, nil

	case "channel.chat.message_delete":
		var ev clearUserEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		return model.SystemMessage("Message from " + ev.TargetUserName + " deleted"), true, nil

	case "channel.chat.notification":
		var ev notificationEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		if ev.SystemMessage == "" {
			return model.ChatMessage{}, false, nil
		}
		return model.SystemMessage(ev.SystemMessage), true, nil

	case "channel.update":
		var ev channelUpdateEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		text := "Stream updated: " + ev.Title
		if ev.CategoryName != "" {
			text += " [" + ev.CategoryName + "]"
		}
		return model.SystemMessage(text), true, nil

	case "stream.online":
		var ev streamOnlineEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return model.ChatMessage{}, false, err
		}
		s.streamOnline(ev)
		return model.SystemMessage(ev.BroadcasterUserName + " is now live!"), true, nil
	}
	s.logger(context.Background()).Debug("unhandled notification", slog.String("type", eventType))
	return model.ChatMessage{}, false, nil
}

func (s *Service) streamOnline(ev streamOnlineEvent) {
	s.mu.Lock()
	fn := s.onLive
	sess := s.sess
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	n := s.opts.Notifier
	if n == nil || !n.Enabled() || sess == nil || s.opts.Manager == nil {
		return
	}
	err := s.opts.Manager.Submit(func(ctx context.Context) {
		if err := n.Notify(ctx, sess.helix, ev.BroadcasterUserID, ev.BroadcasterUserName); err != nil {
			s.logger(ctx).Error("go-live notification failed", slog.Any("err", err))
		}
	})
	if err != nil {
		s.logger(context.Background()).Warn("go-live notification not queued", slog.Any("err", err))
	}
}
