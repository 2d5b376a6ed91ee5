package kickapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/kickmonitor/internal/core"
)

func (c *Client) rewardsURL() string { return c.base + "/public/v1/channels/rewards" }

func (c *Client) ListRewards(ctx context.Context) ([]core.Reward, error) {
	var env struct {
		Data []core.Reward `json:"data"`
	}
	if err := c.do(ctx, "rewards.list", http.MethodGet, c.rewardsURL(), nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (c *Client) CreateReward(ctx context.Context, r core.Reward) (core.Reward, error) {
	r.ID = ""
	var env struct {
		Data core.Reward `json:"data"`
	}
	if err := c.do(ctx, "rewards.create", http.MethodPost, c.rewardsURL(), r, &env); err != nil {
		return core.Reward{}, err
	}
	return env.Data, nil
}

func (c *Client) UpdateReward(ctx context.Context, r core.Reward) (core.Reward, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return core.Reward{}, errors.New("kickapi: reward id is required")
	}
	r.ID = ""
	var env struct {
		Data core.Reward `json:"data"`
	}
	if err := c.do(ctx, "rewards.update", http.MethodPatch, c.rewardsURL()+"/"+url.PathEscape(id), r, &env); err != nil {
		return core.Reward{}, err
	}
	if env.Data.ID == "" {
		env.Data.ID = id
	}
	return env.Data, nil
}

func (c *Client) DeleteReward(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("kickapi: reward id is required")
	}
	return c.do(ctx, "rewards.delete", http.MethodDelete, c.rewardsURL()+"/"+url.PathEscape(id), nil, nil)
}

type redemptionUser struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type redemptionItem struct {
	ID         string           `json:"id"`
	RedeemedAt string           `json:"redeemed_at"`
	Redeemer   redemptionUser   `json:"redeemer"`
	Status     string           `json:"status"`
	UserInput  string           `json:"user_input"`
	Reward     *rewardRef       `json:"reward,omitempty"`
	Group      []redemptionItem `json:"redemptions,omitempty"`
}

type rewardRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRedemptions lists redemptions with the given status. A 429 is reported
// through limited with an empty list and no error so the caller can back off.
func (c *Client) ListRedemptions(ctx context.Context, status string) (items []core.Redemption, limited bool, err error) {
	endpoint := c.rewardsURL() + "/redemptions?status=" + url.QueryEscape(status)
	var env struct {
		Data []redemptionItem `json:"data"`
	}
	if err := c.do(ctx, "redemptions.list", http.MethodGet, endpoint, nil, &env); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return flattenRedemptions(env.Data, status), false, nil
}

// The API groups redemptions under their reward; flat items carry the reward
// inline. Both shapes are accepted.
func flattenRedemptions(data []redemptionItem, status string) []core.Redemption {
	out := make([]core.Redemption, 0, len(data))
	for _, item := range data {
		if len(item.Group) > 0 {
			for _, r := range item.Group {
				if r.Reward == nil {
					r.Reward = item.Reward
				}
				out = appendRedemption(out, r, status)
			}
			continue
		}
		out = appendRedemption(out, item, status)
	}
	return out
}

func appendRedemption(out []core.Redemption, item redemptionItem, status string) []core.Redemption {
	if strings.TrimSpace(item.ID) == "" {
		return out
	}
	r := core.Redemption{
		ID:        item.ID,
		Redeemer:  item.Redeemer.Username,
		UserInput: item.UserInput,
		Status:    item.Status,
	}
	if r.Redeemer == "" && item.Redeemer.UserID != 0 {
		r.Redeemer = strconv.FormatInt(item.Redeemer.UserID, 10)
	}
	if t, err := time.Parse(time.RFC3339Nano, item.RedeemedAt); err == nil {
		r.RedeemedAt = t
	}
	if r.Status == "" {
		r.Status = status
	}
	if item.Reward != nil {
		r.RewardID = item.Reward.ID
		r.RewardTitle = item.Reward.Title
	}
	return append(out, r)
}

// UnmarshalJSON tolerates a redeemer given as a bare username string.
func (u *redemptionUser) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		u.Username = name
		return nil
	}
	type plain redemptionUser
	return json.Unmarshal(b, (*plain)(u))
}

func (c *Client) AcceptRedemptions(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.do(ctx, "redemptions.accept", http.MethodPost, c.rewardsURL()+"/redemptions/accept", body, nil)
}
