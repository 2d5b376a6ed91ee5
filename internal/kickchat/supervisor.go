package kickchat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/you/kickmonitor/internal/events"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 60 * time.Second
)

// Supervisor keeps a Stream connected, reconnecting with exponential backoff.
// The backoff resets after any connection that reached Subscribed.
type Supervisor struct {
	stream     *Stream
	chatroomID atomic.Int64
	minBackoff time.Duration
	maxBackoff time.Duration
	restart    chan struct{}
}

func NewSupervisor(stream *Stream, chatroomID int64) *Supervisor {
	s := &Supervisor{
		stream:     stream,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		restart:    make(chan struct{}, 1),
	}
	s.chatroomID.Store(chatroomID)
	return s
}

// SetBackoff overrides the reconnect bounds.
func (s *Supervisor) SetBackoff(lo, hi time.Duration) {
	if lo > 0 {
		s.minBackoff = lo
	}
	if hi >= s.minBackoff {
		s.maxBackoff = hi
	}
}

// Restart drops the current connection, optionally switching chatroom, and
// reconnects at once with the backoff reset. It also cuts short a pending
// backoff wait.
func (s *Supervisor) Restart(chatroomID int64) {
	if chatroomID > 0 {
		s.chatroomID.Store(chatroomID)
	}
	select {
	case s.restart <- struct{}{}:
	default:
	}
	s.stream.Disconnect()
}

func (s *Supervisor) restartRequested() bool {
	select {
	case <-s.restart:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		subscribed, err := s.stream.runOnce(ctx, s.chatroomID.Load())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = s.minBackoff
		}
		if s.restartRequested() {
			backoff = s.minBackoff
			s.stream.sink.OnEvent(events.Info, component, "restart requested; reconnecting")
			continue
		}

		if err != nil {
			s.stream.sink.OnEvent(events.Warn, component, fmt.Sprintf("disconnected: %v; reconnecting in %s", err, backoff))
		} else {
			s.stream.sink.OnEvent(events.Info, component, "connection closed; reconnecting in "+backoff.String())
		}
		s.stream.metrics.IncChatReconnects()

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.restart:
			timer.Stop()
			backoff = s.minBackoff
			s.stream.sink.OnEvent(events.Info, component, "restart requested; reconnecting")
			continue
		case <-timer.C:
		}

		if backoff < s.maxBackoff {
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}
}
