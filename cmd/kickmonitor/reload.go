package main

import (
	"context"
	"log"

	"github.com/you/kickmonitor/internal/core"
)

type sessionReloader interface {
	Reload() (bool, error)
}

type chatRestarter interface {
	Restart(chatroomID int64)
}

type channelResolver interface {
	Channel() (core.ChannelContext, bool)
	ResolveChannel(ctx context.Context, username string) (core.ChannelContext, error)
}

// kickReloader backs POST /admin/kick/reload: it re-reads the session file,
// re-resolves the channel when it is unbound or may belong to another account,
// and restarts the chat connection.
type kickReloader struct {
	auth     sessionReloader
	chat     chatRestarter
	channels channelResolver
	slug     string
}

func (r *kickReloader) ReloadKick(ctx context.Context) (string, error) {
	changed, err := r.auth.Reload()
	if err != nil {
		return "", err
	}

	// Without a configured slug the channel follows the account, so a new
	// session may mean a different channel.
	ch, ok := r.channels.Channel()
	if !ok || (changed && r.slug == "") {
		ch, err = r.channels.ResolveChannel(ctx, r.slug)
		if err != nil {
			return "", err
		}
	}

	r.chat.Restart(ch.ChatroomID)
	log.Printf("kickmonitor: reload session_changed=%t channel=%s chatroom=%d", changed, ch.Slug, ch.ChatroomID)
	return ch.Slug, nil
}
