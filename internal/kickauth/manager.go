package kickauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/you/kickmonitor/internal/core"
	"github.com/you/kickmonitor/internal/events"
	"github.com/you/kickmonitor/internal/metrics"
	"github.com/you/kickmonitor/internal/store"
)

const (
	DefaultAuthURL      = "https://id.kick.com/oauth/authorize"
	DefaultTokenURL     = "https://id.kick.com/oauth/token"
	DefaultLoginTimeout = 60 * time.Second

	component      = "auth"
	flightKey      = "auth"
	refreshTimeout = 15 * time.Second
)

// SessionStore persists the token pair between runs.
type SessionStore interface {
	Load() (*core.Session, error)
	Save(core.Session) error
}

type Options struct {
	Credentials  store.Credentials
	AuthURL      string
	TokenURL     string
	LoginTimeout time.Duration
	HTTP         *http.Client
	// OpenBrowser launches the authorize URL; defaults to the system browser.
	OpenBrowser func(url string) error
	Sink        events.Sink
	Metrics     *metrics.Metrics
}

// Manager owns the access token. Login and refresh share one in-flight call.
type Manager struct {
	sessions     SessionStore
	oauth        *oauth2.Config
	creds        store.Credentials
	loginTimeout time.Duration
	httpClient   *http.Client
	openBrowser  func(string) error
	sink         events.Sink
	metrics      *metrics.Metrics

	mu      sync.RWMutex
	session *core.Session

	flight singleflight.Group
}

func NewManager(sessions SessionStore, opts Options) *Manager {
	authURL := strings.TrimSpace(opts.AuthURL)
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	timeout := opts.LoginTimeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	open := opts.OpenBrowser
	if open == nil {
		open = browser.OpenURL
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}
	creds := opts.Credentials
	m := &Manager{
		sessions:     sessions,
		creds:        creds,
		loginTimeout: timeout,
		httpClient:   opts.HTTP,
		openBrowser:  open,
		sink:         sink,
		metrics:      opts.Metrics,
	}
	m.oauth = &oauth2.Config{
		ClientID:     strings.TrimSpace(creds.ClientID),
		ClientSecret: strings.TrimSpace(creds.ClientSecret),
		RedirectURL:  strings.TrimSpace(creds.RedirectURI),
		Scopes:       creds.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return m
}

// Current returns the in-memory access token without touching the network or
// disk. It is empty until a token has been resolved.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// Session returns a copy of the in-memory session.
func (m *Manager) Session() (core.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return core.Session{}, false
	}
	return *m.session, true
}

// EnsureAuthenticated returns the cached token, then the persisted one, and
// only then falls back to an interactive login. A persisted token is used as is;
// a stale one is caught by the first 401.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (string, error) {
	if tok := m.Current(); tok != "" {
		return tok, nil
	}
	sess, err := m.sessions.Load()
	if err != nil {
		m.sink.OnEvent(events.Warn, component, fmt.Sprintf("session file unreadable, logging in again: %v", err))
	}
	if sess.HasAccess() {
		m.setSession(*sess)
		return sess.AccessToken, nil
	}
	return m.Login(ctx)
}

// Token implements the API client's token provider.
func (m *Manager) Token(ctx context.Context) (string, error) {
	return m.EnsureAuthenticated(ctx)
}

// Login runs the interactive PKCE flow.
func (m *Manager) Login(ctx context.Context) (string, error) {
	v, err, _ := m.flight.Do(flightKey, func() (any, error) {
		return m.login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) login(ctx context.Context) (string, error) {
	if !m.creds.Complete() {
		return "", ErrMissingCredentials
	}

	ch := NewChallenge()
	listener, err := ListenCallback(m.oauth.RedirectURL, ch.State)
	if err != nil {
		m.sink.OnEvent(events.Error, component, fmt.Sprintf("callback listener: %v", err))
		return "", wrap(Cancelled, err)
	}

	authURL := m.oauth.AuthCodeURL(ch.State, oauth2.S256ChallengeOption(ch.Verifier))
	m.sink.OnEvent(events.Info, component, "opening browser for login")
	if err := m.openBrowser(authURL); err != nil {
		m.sink.OnEvent(events.Warn, component, fmt.Sprintf("could not open browser (%v); visit %s", err, authURL))
	}

	code, ok := listener.WaitForCode(ctx, m.loginTimeout)
	if !ok {
		m.sink.OnEvent(events.Warn, component, "login cancelled or timed out")
		return "", ErrCancelled
	}

	tok, err := m.oauth.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(ch.Verifier))
	if err != nil {
		m.sink.OnEvent(events.Error, component, fmt.Sprintf("code exchange failed: %s", describe(err)))
		return "", wrap(ExchangeFailed, err)
	}

	sess := sessionFromToken(tok, "")
	if err := m.sessions.Save(sess); err != nil {
		m.sink.OnEvent(events.Error, component, fmt.Sprintf("persist session: %v", err))
	}
	m.setSession(sess)
	m.sink.OnEvent(events.Info, component, "login complete")
	return sess.AccessToken, nil
}

// Refresh trades the persisted refresh token for a new access token. On
// failure the stored session is left as it was.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.flight.Do(flightKey, func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	if !m.creds.Complete() {
		m.metrics.IncTokenRefresh("error")
		return "", wrap(RefreshFailed, ErrMissingCredentials)
	}

	prev, err := m.sessions.Load()
	if err != nil {
		m.metrics.IncTokenRefresh("error")
		return "", wrap(RefreshFailed, err)
	}
	if prev == nil || strings.TrimSpace(prev.RefreshToken) == "" {
		m.metrics.IncTokenRefresh("error")
		return "", wrap(RefreshFailed, errors.New("no refresh token stored"))
	}

	reqCtx, cancel := context.WithTimeout(m.httpContext(ctx), refreshTimeout)
	defer cancel()

	src := m.oauth.TokenSource(reqCtx, &oauth2.Token{RefreshToken: prev.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		m.metrics.IncTokenRefresh("error")
		m.sink.OnEvent(events.Error, component, fmt.Sprintf("token refresh failed: %s", describe(err)))
		return "", wrap(RefreshFailed, err)
	}

	sess := sessionFromToken(tok, prev.RefreshToken)
	if err := m.sessions.Save(sess); err != nil {
		m.sink.OnEvent(events.Error, component, fmt.Sprintf("persist refreshed session: %v", err))
	}
	m.setSession(sess)
	m.metrics.IncTokenRefresh("ok")
	if !sess.ExpiresAt.IsZero() {
		m.sink.OnEvent(events.Info, component, "refreshed token; expires at "+sess.ExpiresAt.Format(time.RFC3339))
	} else {
		m.sink.OnEvent(events.Info, component, "refreshed token")
	}
	return sess.AccessToken, nil
}

// Reload re-reads the session file, picking up tokens written by another
// process. It reports whether the access token changed.
func (m *Manager) Reload() (bool, error) {
	sess, err := m.sessions.Load()
	if err != nil {
		return false, err
	}
	if !sess.HasAccess() {
		return false, nil
	}
	changed := m.Current() != sess.AccessToken
	m.setSession(*sess)
	return changed, nil
}

func (m *Manager) setSession(sess core.Session) {
	m.mu.Lock()
	m.session = &sess
	m.mu.Unlock()
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func sessionFromToken(tok *oauth2.Token, prevRefresh string) core.Session {
	sess := core.Session{
		AccessToken:  strings.TrimSpace(tok.AccessToken),
		RefreshToken: strings.TrimSpace(tok.RefreshToken),
	}
	if sess.RefreshToken == "" {
		sess.RefreshToken = strings.TrimSpace(prevRefresh)
	}
	if !tok.Expiry.IsZero() {
		sess.ExpiresAt = tok.Expiry.UTC()
	}
	return sess
}

// describe keeps token endpoint bodies out of logs; they may echo secrets.
func describe(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.ErrorCode != "" {
			return fmt.Sprintf("status %d (%s)", re.Response.StatusCode, re.ErrorCode)
		}
		return fmt.Sprintf("status %d", re.Response.StatusCode)
	}
	return err.Error()
}
