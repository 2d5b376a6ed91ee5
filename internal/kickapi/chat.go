package kickapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type chatRequest struct {
	BroadcasterUserID int64  `json:"broadcaster_user_id"`
	Content           string `json:"content"`
	Type              string `json:"type"`
}

// SendMessage posts text to the bound channel's chat as the bot and returns
// the platform message id.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	ch, ok := c.Channel()
	if !ok || ch.BroadcasterUserID == 0 {
		return "", &Error{Kind: ChannelUnresolved, Op: "chat.send", Err: errors.New("broadcaster user id not resolved")}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if err := c.sendLimiter.Wait(ctx); err != nil {
		return "", &Error{Kind: Transport, Op: "chat.send", Err: err}
	}

	var env struct {
		Data struct {
			IsSent    bool   `json:"is_sent"`
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	req := chatRequest{BroadcasterUserID: ch.BroadcasterUserID, Content: text, Type: "bot"}
	if err := c.do(ctx, "chat.send", http.MethodPost, c.base+"/public/v1/chat", req, &env); err != nil {
		return "", err
	}
	return env.Data.MessageID, nil
}
