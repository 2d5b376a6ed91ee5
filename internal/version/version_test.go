package version

import (
	"testing"
	"time"
)

func TestBuiltAt(t *testing.T) {
	orig := BuildTime
	t.Cleanup(func() { BuildTime = orig })

	BuildTime = "unknown"
	if !BuiltAt().IsZero() {
		t.Fatalf("expected zero time for unknown build time")
	}

	BuildTime = "2026-03-04T05:06:07Z"
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := BuiltAt(); !got.Equal(want) {
		t.Fatalf("unexpected build time %s", got)
	}

	BuildTime = "yesterday"
	if !BuiltAt().IsZero() {
		t.Fatalf("expected zero time for unparsable build time")
	}
}
