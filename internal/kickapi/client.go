// Package kickapi is a typed wrapper over the Kick public REST API.
package kickapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/kickmonitor/internal/core"
	"github.com/you/kickmonitor/internal/events"
	"github.com/you/kickmonitor/internal/metrics"
)

const (
	DefaultBaseURL     = "https://api.kick.com"
	DefaultChannelsURL = "https://kick.com/api/v2/channels"

	component          = "api"
	defaultTimeout     = 15 * time.Second
	defaultSendEvery   = time.Second
	defaultSendBurst   = 3
	maxResponseBytes   = 1 << 20
	errorSnippetLength = 256
)

// TokenProvider supplies bearer tokens. Refresh is called at most once per
// request, after a 401.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// ChannelCache persists resolved channel contexts between runs.
type ChannelCache interface {
	LookupChannel(ctx context.Context, slug string) (core.ChannelContext, bool, error)
	SaveChannel(ctx context.Context, ch core.ChannelContext) error
}

type Options struct {
	BaseURL     string
	ChannelsURL string
	Tokens      TokenProvider
	HTTP        *http.Client
	Cache       ChannelCache
	Sink        events.Sink
	Metrics     *metrics.Metrics
	// NoRefresh surfaces the first 401 instead of refreshing.
	NoRefresh bool
	// SendInterval paces outbound chat messages.
	SendInterval time.Duration
}

type Client struct {
	base        string
	channelsURL string
	tokens      TokenProvider
	http        *http.Client
	cache       ChannelCache
	sink        events.Sink
	metrics     *metrics.Metrics
	noRefresh   bool
	sendLimiter *rate.Limiter

	mu      sync.RWMutex
	channel *core.ChannelContext
}

func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	channels := strings.TrimRight(strings.TrimSpace(opts.ChannelsURL), "/")
	if channels == "" {
		channels = DefaultChannelsURL
	}
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}
	every := opts.SendInterval
	if every <= 0 {
		every = defaultSendEvery
	}
	return &Client{
		base:        base,
		channelsURL: channels,
		tokens:      opts.Tokens,
		http:        hc,
		cache:       opts.Cache,
		sink:        sink,
		metrics:     opts.Metrics,
		noRefresh:   opts.NoRefresh,
		sendLimiter: rate.NewLimiter(rate.Every(every), defaultSendBurst),
	}
}

// Channel returns the context resolved by ResolveChannel, if any.
func (c *Client) Channel() (core.ChannelContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil {
		return core.ChannelContext{}, false
	}
	return *c.channel, true
}

// SetChannel binds the client to an already resolved channel.
func (c *Client) SetChannel(ch core.ChannelContext) {
	c.mu.Lock()
	c.channel = &ch
	c.mu.Unlock()
}

// do performs an authenticated request. A 401 triggers one refresh and one
// retry unless the client was built with NoRefresh.
func (c *Client) do(ctx context.Context, op, method, url string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: Transport, Op: op, Err: err}
		}
		payload = b
	}
	if c.tokens == nil {
		return &Error{Kind: Unauthorized, Op: op, Err: errors.New("no token provider")}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &Error{Kind: Unauthorized, Op: op, Err: err}
	}

	status, body, err := c.roundTrip(ctx, op, method, url, payload, token)
	if err != nil {
		return &Error{Kind: Transport, Op: op, Err: err}
	}

	if status == http.StatusUnauthorized && !c.noRefresh {
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			c.sink.OnEvent(events.Warn, component, fmt.Sprintf("%s: refresh after 401 failed: %v", op, err))
			return &Error{Kind: Unauthorized, Op: op, Status: status, Err: err}
		}
		status, body, err = c.roundTrip(ctx, op, method, url, payload, token)
		if err != nil {
			return &Error{Kind: Transport, Op: op, Err: err}
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: Unauthorized, Op: op, Status: status}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: RateLimited, Op: op, Status: status}
	case status/100 != 2:
		return &Error{Kind: Transport, Op: op, Status: status, Err: errors.New(snippet(body))}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: Transport, Op: op, Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, url string, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("kickapi: close response body", "op", op, "err", cerr)
		}
	}()
	c.metrics.IncAPIRequest(op, resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errorSnippetLength {
		s = s[:errorSnippetLength] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
