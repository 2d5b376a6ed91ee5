package core

import (
	"strings"
	"time"
)

// Session is the persisted OAuth token pair.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// HasAccess reports whether the session carries a usable access token.
func (s *Session) HasAccess() bool {
	return s != nil && strings.TrimSpace(s.AccessToken) != ""
}

// ChannelContext identifies the channel this process is bound to.
type ChannelContext struct {
	Slug              string `json:"slug"`
	ChatroomID        int64  `json:"chatroom_id"`
	BroadcasterUserID int64  `json:"broadcaster_user_id"`
}

// ChatEvent is one inbound chat message. Timestamp is when the frame was
// received; SentAt is the platform's created_at, when present.
type ChatEvent struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Badges    []string  `json:"badges,omitempty"`
	Color     string    `json:"color,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SentAt    time.Time `json:"sent_at,omitempty"`
}

// Redemption statuses as reported by the rewards API.
const (
	RedemptionPending   = "pending"
	RedemptionFulfilled = "fulfilled"
)

// Redemption is a viewer's claim of a channel reward.
type Redemption struct {
	ID          string    `json:"id"`
	RewardID    string    `json:"reward_id,omitempty"`
	RewardTitle string    `json:"reward_title"`
	Redeemer    string    `json:"redeemer"`
	UserInput   string    `json:"user_input,omitempty"`
	Status      string    `json:"status"`
	RedeemedAt  time.Time `json:"redeemed_at,omitempty"`
}

// Reward is a configured channel reward.
type Reward struct {
	ID                                string `json:"id,omitempty"`
	Title                             string `json:"title"`
	Description                       string `json:"description,omitempty"`
	Cost                              int    `json:"cost"`
	BackgroundColor                   string `json:"background_color,omitempty"`
	IsEnabled                         bool   `json:"is_enabled"`
	IsUserInputRequired               bool   `json:"is_user_input_required"`
	ShouldRedemptionsSkipRequestQueue bool   `json:"should_redemptions_skip_request_queue"`
}

// ConnState is the chat connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Subscribed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}
