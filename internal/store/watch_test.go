package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/kickmonitor/internal/core"
)

func TestWatchSessionFiresOnSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	f := NewSessionFile(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 4)
	if err := WatchSession(ctx, path, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := f.Save(core.Session{AccessToken: "at"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not fire")
	}
}
