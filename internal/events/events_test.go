package events

import (
	"testing"

	"github.com/you/kickmonitor/internal/core"
)

func TestBusDropsOldestWhenFull(t *testing.T) {
	b := NewBus(2, Info)
	b.PublishChat(core.ChatEvent{ID: "1"})
	b.PublishChat(core.ChatEvent{ID: "2"})
	b.PublishChat(core.ChatEvent{ID: "3"})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("expected one drop, got %d", got)
	}
	first := <-b.Events()
	second := <-b.Events()
	if first.Chat.ID != "2" || second.Chat.ID != "3" {
		t.Fatalf("expected newest events kept, got %s and %s", first.Chat.ID, second.Chat.ID)
	}
}

func TestBusFiltersLogLevel(t *testing.T) {
	b := NewBus(4, Warn)
	b.OnEvent(Info, "chat", "quiet")
	b.OnEvent(Error, "chat", "loud")
	b.Close()

	var got []Event
	for ev := range b.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != KindLog || got[0].Log.Message != "loud" || got[0].Log.Severity != "error" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	b := NewBus(1, Debug)
	b.Close()
	b.Close()
	b.PublishState(core.Subscribed)
	if _, ok := <-b.Events(); ok {
		t.Fatalf("expected closed channel")
	}
}

type countingSink struct{ n int }

func (c *countingSink) OnEvent(Severity, string, string) { c.n++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	Multi{a, nil, b}.OnEvent(Info, "x", "y")
	if a.n != 1 || b.n != 1 {
		t.Fatalf("expected both sinks called, got %d and %d", a.n, b.n)
	}
}
