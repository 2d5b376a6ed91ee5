package kickauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultCallbackPath = "/callback"

type callbackResult struct {
	code string
	ok   bool
}

// CallbackListener is the loopback endpoint the browser is redirected to after
// authorization. It resolves on the first request it receives.
type CallbackListener struct {
	state string
	path  string
	srv   *http.Server
	ln    net.Listener

	mu       sync.Mutex
	resolved bool
	result   chan callbackResult
	stopOnce sync.Once
}

// ListenCallback binds the host and port named by redirectURI. Only loopback
// hosts are accepted.
func ListenCallback(redirectURI, state string) (*CallbackListener, error) {
	u, err := url.Parse(strings.TrimSpace(redirectURI))
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		return nil, errors.New("redirect uri must name a port")
	}
	if !isLoopback(host) {
		return nil, fmt.Errorf("redirect host %q is not a loopback address", host)
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	path := u.Path
	if path == "" || path == "/" {
		path = defaultCallbackPath
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("listen on callback port: %w", err)
	}

	l := &CallbackListener{
		state:  state,
		path:   path,
		ln:     ln,
		result: make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("callback listener stopped", "err", err)
		}
	}()
	return l, nil
}

// Addr is the bound address, useful when the redirect named port 0.
func (l *CallbackListener) Addr() net.Addr { return l.ln.Addr() }

// WaitForCode blocks until the redirect arrives, the timeout elapses or ctx is
// cancelled. The server is shut down before it returns.
func (l *CallbackListener) WaitForCode(ctx context.Context, timeout time.Duration) (string, bool) {
	defer l.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-l.result:
		return res.code, res.ok
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (l *CallbackListener) Close() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.resolved = true
		l.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			_ = l.srv.Close()
		}
	})
}

func (l *CallbackListener) handle(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	if l.resolved {
		l.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("already completed\n"))
		return
	}
	l.resolved = true
	l.mu.Unlock()

	q := r.URL.Query()
	code := strings.TrimSpace(q.Get("code"))
	switch {
	case q.Get("error") != "":
		l.fail(w, "Authorization was denied: "+q.Get("error"))
	case code == "":
		l.fail(w, "Authorization response did not include a code.")
	case q.Get("state") != l.state:
		l.fail(w, "Authorization state did not match this login attempt.")
	default:
		writePage(w, http.StatusOK, "Login complete", "You can close this window and return to the application.")
		l.result <- callbackResult{code: code, ok: true}
	}
}

func (l *CallbackListener) fail(w http.ResponseWriter, msg string) {
	writePage(w, http.StatusBadRequest, "Login failed", msg)
	l.result <- callbackResult{}
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(body))
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
