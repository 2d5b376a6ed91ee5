package kickauth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func get(t *testing.T, u string) (int, string) {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestCallbackResolvesOnceThenAlreadyCompleted(t *testing.T) {
	l, err := ListenCallback("http://127.0.0.1:0/callback", "st")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := fmt.Sprintf("http://%s/callback", l.Addr())

	if code, _ := get(t, base+"?code=abc&state=st"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if _, body := get(t, base+"?code=def&state=st"); body != "already completed\n" {
		t.Fatalf("expected already completed, got %q", body)
	}

	code, ok := l.WaitForCode(context.Background(), time.Second)
	if !ok || code != "abc" {
		t.Fatalf("expected abc/true, got %q/%v", code, ok)
	}
}

func TestCallbackMissingCodeAndProviderError(t *testing.T) {
	for _, query := range []string{"?state=st", "?error=access_denied&state=st"} {
		l, err := ListenCallback("http://127.0.0.1:0/callback", "st")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		status, _ := get(t, fmt.Sprintf("http://%s/callback%s", l.Addr(), query))
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, status)
		}
		if _, ok := l.WaitForCode(context.Background(), time.Second); ok {
			t.Fatalf("%s: expected not ok", query)
		}
	}
}

func TestCallbackTimeoutAndRebind(t *testing.T) {
	l, err := ListenCallback("http://127.0.0.1:0/callback", "st")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()

	if _, ok := l.WaitForCode(context.Background(), 50*time.Millisecond); ok {
		t.Fatalf("expected timeout")
	}

	again, err := ListenCallback("http://"+addr+"/callback", "st2")
	if err != nil {
		t.Fatalf("rebind after shutdown: %v", err)
	}
	again.Close()
}

func TestCallbackContextCancel(t *testing.T) {
	l, err := ListenCallback("http://127.0.0.1:0/callback", "st")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := l.WaitForCode(ctx, time.Minute); ok {
		t.Fatalf("expected not ok on cancelled context")
	}
}

func TestCallbackRefusesNonLoopback(t *testing.T) {
	if _, err := ListenCallback("http://example.com:8765/callback", "st"); err == nil {
		t.Fatalf("expected non-loopback host to be refused")
	}
	if _, err := ListenCallback("http://127.0.0.1/callback", "st"); err == nil {
		t.Fatalf("expected missing port to be refused")
	}
}

func TestCallbackDefaultPath(t *testing.T) {
	l, err := ListenCallback("http://localhost:0", "st")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	host, _, _ := net.SplitHostPort(l.Addr().String())
	if host != "127.0.0.1" {
		t.Fatalf("expected localhost mapped to 127.0.0.1, got %s", host)
	}
	if l.path != "/callback" {
		t.Fatalf("expected default path, got %s", l.path)
	}
}
