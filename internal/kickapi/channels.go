package kickapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/you/kickmonitor/internal/core"
	"github.com/you/kickmonitor/internal/events"
)

// NormalizeSlug lowercases the slug and turns spaces into hyphens.
func NormalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

type userInfo struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

// CurrentUser returns the slug of the authenticated account.
func (c *Client) CurrentUser(ctx context.Context) (string, int64, error) {
	var env struct {
		Data []userInfo `json:"data"`
	}
	if err := c.do(ctx, "users.me", http.MethodGet, c.base+"/public/v1/users", nil, &env); err != nil {
		return "", 0, err
	}
	if len(env.Data) == 0 || strings.TrimSpace(env.Data[0].Name) == "" {
		return "", 0, &Error{Kind: ChannelUnresolved, Op: "users.me", Err: errors.New("no user in response")}
	}
	return env.Data[0].Name, env.Data[0].UserID, nil
}

type channelDetails struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
}

// ResolveChannel binds the client to username's channel. An empty username
// resolves the authenticated account. The local cache is consulted before the
// network and refreshed after a network lookup.
func (c *Client) ResolveChannel(ctx context.Context, username string) (core.ChannelContext, error) {
	slug := NormalizeSlug(username)
	if slug == "" {
		name, _, err := c.CurrentUser(ctx)
		if err != nil {
			return core.ChannelContext{}, err
		}
		slug = NormalizeSlug(name)
	}

	if c.cache != nil {
		ch, ok, err := c.cache.LookupChannel(ctx, slug)
		if err != nil {
			c.sink.OnEvent(events.Warn, component, fmt.Sprintf("channel cache lookup: %v", err))
		} else if ok && ch.ChatroomID != 0 && ch.BroadcasterUserID != 0 {
			c.SetChannel(ch)
			return ch, nil
		}
	}

	var details channelDetails
	endpoint := c.channelsURL + "/" + url.PathEscape(slug)
	if err := c.do(ctx, "channels.get", http.MethodGet, endpoint, nil, &details); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return core.ChannelContext{}, &Error{Kind: ChannelUnresolved, Op: "channels.get", Status: apiErr.Status, Err: fmt.Errorf("channel %q not found", slug)}
		}
		return core.ChannelContext{}, err
	}
	if details.UserID == 0 || details.Chatroom.ID == 0 {
		return core.ChannelContext{}, &Error{Kind: ChannelUnresolved, Op: "channels.get", Err: fmt.Errorf("channel %q missing ids", slug)}
	}

	ch := core.ChannelContext{Slug: slug, ChatroomID: details.Chatroom.ID, BroadcasterUserID: details.UserID}
	c.SetChannel(ch)
	if c.cache != nil {
		if err := c.cache.SaveChannel(ctx, ch); err != nil {
			c.sink.OnEvent(events.Warn, component, fmt.Sprintf("channel cache save: %v", err))
		}
	}
	c.sink.OnEvent(events.Info, component, "resolved channel "+slug+" chatroom "+strconv.FormatInt(ch.ChatroomID, 10))
	return ch, nil
}
