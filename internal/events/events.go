// Package events carries everything the integration core reports upward: chat
// messages, redemptions, connection state and structured log lines.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/kickmonitor/internal/core"
)

type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (s Severity) level() slog.Level {
	switch s {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sink receives log-style reports from every component.
type Sink interface {
	OnEvent(sev Severity, component, msg string)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) OnEvent(Severity, string, string) {}

// SlogSink forwards reports to a slog.Logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) OnEvent(sev Severity, component, msg string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), sev.level(), msg, "component", component)
}

// Multi fans a report out to several sinks.
type Multi []Sink

func (m Multi) OnEvent(sev Severity, component, msg string) {
	for _, s := range m {
		if s != nil {
			s.OnEvent(sev, component, msg)
		}
	}
}

// Kind discriminates Event payloads.
type Kind string

const (
	KindChat       Kind = "chat"
	KindRedemption Kind = "redemption"
	KindState      Kind = "state"
	KindLog        Kind = "log"
)

// LogLine is a structured log record published to the consumer.
type LogLine struct {
	Severity  string `json:"severity"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Event is one consumer-facing message.
type Event struct {
	Kind       Kind             `json:"kind"`
	At         time.Time        `json:"at"`
	Chat       *core.ChatEvent  `json:"chat,omitempty"`
	Redemption *core.Redemption `json:"redemption,omitempty"`
	State      string           `json:"state,omitempty"`
	Log        *LogLine         `json:"log,omitempty"`
}

const defaultBusSize = 512

// Bus is the queue between the producers (chat, poller, auth) and the consumer.
// Publishing never blocks: when the buffer is full the oldest event is dropped.
type Bus struct {
	ch       chan Event
	minLevel Severity

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a bus holding up to size undelivered events. Log lines below
// minLevel are not published.
func NewBus(size int, minLevel Severity) *Bus {
	if size <= 0 {
		size = defaultBusSize
	}
	return &Bus{ch: make(chan Event, size), minLevel: minLevel}
}

// Events is the consumer side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

func (b *Bus) PublishChat(msg core.ChatEvent) {
	b.publish(Event{Kind: KindChat, Chat: &msg})
}

func (b *Bus) PublishRedemption(r core.Redemption) {
	b.publish(Event{Kind: KindRedemption, Redemption: &r})
}

func (b *Bus) PublishState(s core.ConnState) {
	b.publish(Event{Kind: KindState, State: s.String()})
}

// OnEvent makes the bus usable as a Sink.
func (b *Bus) OnEvent(sev Severity, component, msg string) {
	if sev < b.minLevel {
		return
	}
	b.publish(Event{Kind: KindLog, Log: &LogLine{Severity: sev.String(), Component: component, Message: msg}})
}

// Dropped returns how many events were discarded because the consumer lagged.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends the event stream. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

func (b *Bus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- ev:
		return
	default:
	}

	select {
	case <-b.ch:
		b.dropped.Add(1)
	default:
	}

	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}
