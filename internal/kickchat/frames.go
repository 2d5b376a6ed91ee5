package kickchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/you/kickmonitor/internal/core"
)

const (
	eventPing        = "pusher:ping"
	eventSubscribe   = "pusher:subscribe"
	eventError       = "pusher:error"
	eventEstablished = "pusher:connection_established"
	eventSubscribed  = "pusher_internal:subscription_succeeded"
	eventChatMessage = `App\Events\ChatMessageEvent`
)

// ErrMalformedFrame marks a frame that could not be decoded. The read loop
// logs and skips it.
var ErrMalformedFrame = errors.New("kickchat: malformed frame")

type frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel,omitempty"`
}

func channelName(chatroomID int64) string {
	return "chatrooms." + strconv.FormatInt(chatroomID, 10) + ".v2"
}

type subscribeData struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

type subscribeMessage struct {
	Event string        `json:"event"`
	Data  subscribeData `json:"data"`
}

func subscribeFrame(chatroomID int64) ([]byte, error) {
	return json.Marshal(subscribeMessage{
		Event: eventSubscribe,
		Data:  subscribeData{Channel: channelName(chatroomID)},
	})
}

var pongFrame = []byte(`{"event":"pusher:pong","data":{}}`)

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return f, nil
}

type chatPayload struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Sender    struct {
		Username string `json:"username"`
		Slug     string `json:"slug"`
		Identity struct {
			Color  string `json:"color"`
			Badges []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

// parseChatMessage decodes a chat event. Pusher delivers data as a JSON
// string holding the payload, so it is decoded twice; an inline object is
// accepted too.
func parseChatMessage(data json.RawMessage) (core.ChatEvent, error) {
	raw := []byte(data)
	var inner string
	if err := json.Unmarshal(data, &inner); err == nil {
		raw = []byte(inner)
	}

	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return core.ChatEvent{}, fmt.Errorf("%w: chat payload: %v", ErrMalformedFrame, err)
	}
	sender := strings.TrimSpace(p.Sender.Username)
	if sender == "" {
		sender = strings.TrimSpace(p.Sender.Slug)
	}
	if sender == "" && p.Content == "" {
		return core.ChatEvent{}, fmt.Errorf("%w: empty chat payload", ErrMalformedFrame)
	}

	ev := core.ChatEvent{
		ID:        p.ID,
		Sender:    sender,
		Content:   p.Content,
		Color:     p.Sender.Identity.Color,
		Timestamp: time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
		ev.SentAt = t.UTC()
	}
	for _, b := range p.Sender.Identity.Badges {
		name := b.Type
		if name == "" {
			name = b.Text
		}
		if name != "" {
			ev.Badges = append(ev.Badges, name)
		}
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s-%d", sender, ev.Timestamp.UnixNano())
	}
	return ev, nil
}
