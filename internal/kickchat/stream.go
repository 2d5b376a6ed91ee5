// Package kickchat maintains the realtime chat connection to a Kick chatroom
// over the Pusher WebSocket protocol.
package kickchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/kickmonitor/internal/core"
	"github.com/you/kickmonitor/internal/events"
	"github.com/you/kickmonitor/internal/metrics"
)

const (
	DefaultURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"

	component      = "chat"
	defaultIdle    = 3 * time.Minute
	readLimitBytes = 1 << 20
	dialTimeout    = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

type Options struct {
	URL string
	// IdleTimeout ends the connection when no frame arrives for this long.
	IdleTimeout time.Duration
	OnChat      func(core.ChatEvent)
	OnState     func(core.ConnState)
	Sink        events.Sink
	Metrics     *metrics.Metrics
}

type frameWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Stream is one chat connection. Run may be called again after it returns.
type Stream struct {
	url     string
	idle    time.Duration
	onChat  func(core.ChatEvent)
	onState func(core.ConnState)
	sink    events.Sink
	metrics *metrics.Metrics

	state   atomic.Int32
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(opts Options) *Stream {
	s := &Stream{
		url:     opts.URL,
		idle:    opts.IdleTimeout,
		onChat:  opts.OnChat,
		onState: opts.OnState,
		sink:    opts.Sink,
		metrics: opts.Metrics,
	}
	if s.url == "" {
		s.url = DefaultURL
	}
	if s.idle <= 0 {
		s.idle = defaultIdle
	}
	if s.sink == nil {
		s.sink = events.Discard
	}
	return s
}

func (s *Stream) State() core.ConnState {
	return core.ConnState(s.state.Load())
}

func (s *Stream) setState(st core.ConnState) {
	if core.ConnState(s.state.Swap(int32(st))) == st {
		return
	}
	s.metrics.SetChatState(int(st))
	if s.onState != nil {
		s.onState(st)
	}
}

// Run connects, subscribes to the chatroom and reads until the connection
// ends. It returns nil when the stream was stopped with Disconnect.
func (s *Stream) Run(ctx context.Context, chatroomID int64) error {
	_, err := s.runOnce(ctx, chatroomID)
	return err
}

// Disconnect stops the current Run. Calling it more than once is harmless.
func (s *Stream) Disconnect() {
	if !s.running.Swap(false) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Stream) runOnce(ctx context.Context, chatroomID int64) (subscribed bool, err error) {
	if chatroomID <= 0 {
		return false, errors.New("kickchat: chatroom id is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.running.Store(true)

	defer func() {
		stopped := !s.running.Swap(false)
		s.setState(core.Disconnected)
		if stopped && ctx.Err() == nil {
			err = nil
		}
	}()

	s.setState(core.Connecting)

	dialCtx, dialCancel := context.WithTimeout(runCtx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	dialCancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimitBytes)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, err := subscribeFrame(chatroomID)
	if err != nil {
		return false, err
	}
	if err := s.write(runCtx, conn, sub); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}
	s.setState(core.Subscribed)
	s.sink.OnEvent(events.Info, component, "subscribed to "+channelName(chatroomID))

	for {
		readCtx, readCancel := context.WithTimeout(runCtx, s.idle)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if !s.running.Load() {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}

		if err := s.handleFrame(runCtx, conn, data); err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				s.metrics.IncChatMalformed()
				s.sink.OnEvent(events.Warn, component, err.Error())
				continue
			}
			return true, err
		}
	}
}

// handleFrame processes one inbound frame. A ping is answered before it
// returns, so the pong always precedes the next read.
func (s *Stream) handleFrame(ctx context.Context, w frameWriter, data []byte) error {
	f, err := decodeFrame(data)
	if err != nil {
		return err
	}
	switch f.Event {
	case eventPing:
		if err := s.write(ctx, w, pongFrame); err != nil {
			return fmt.Errorf("send pong: %w", err)
		}
	case eventChatMessage:
		ev, err := parseChatMessage(f.Data)
		if err != nil {
			return err
		}
		s.metrics.IncChatMessages()
		if s.onChat != nil {
			s.onChat(ev)
		}
	case eventError:
		s.sink.OnEvent(events.Warn, component, "server error: "+string(f.Data))
	case eventEstablished, eventSubscribed:
		s.sink.OnEvent(events.Debug, component, f.Event)
	}
	return nil
}

func (s *Stream) write(ctx context.Context, w frameWriter, b []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.Write(wctx, websocket.MessageText, b)
}
