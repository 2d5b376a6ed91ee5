package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/you/kickmonitor/internal/store"
)

var configEnv = []string{
	"KICKMON_CLIENT_ID", "KICK_CLIENT_ID",
	"KICKMON_CLIENT_SECRET", "KICK_CLIENT_SECRET",
	"KICKMON_REDIRECT_URI", "KICK_REDIRECT_URI",
	"KICKMON_SCOPES", "KICK_SCOPES",
	"KICKMON_CHANNEL", "KICK_CHANNEL",
	"KICKMON_SESSION_FILE", "KICKMON_SQLITE_PATH",
	"KICKMON_HTTP_ADDR", "KICKMON_LOGIN_TIMEOUT",
	"KICKMON_POLL_BASE_MS", "KICKMON_POLL_BURST_MS",
	"KICKMON_POLL_PAUSE_MS", "KICKMON_DEDUP_SIZE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range configEnv {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.Session.File != "kick_session.json" {
		t.Fatalf("unexpected session file: %q", cfg.Session.File)
	}
	if cfg.SQLite.Path != "kickmonitor.db" {
		t.Fatalf("unexpected sqlite path: %q", cfg.SQLite.Path)
	}
	if cfg.Kick.LoginTimeout != 60*time.Second {
		t.Fatalf("unexpected login timeout: %s", cfg.Kick.LoginTimeout)
	}
	if cfg.PollBase() != 1500*time.Millisecond || cfg.PollBurst() != 500*time.Millisecond {
		t.Fatalf("unexpected poll intervals: %s %s", cfg.PollBase(), cfg.PollBurst())
	}
	if cfg.RateLimitPause() != 5*time.Second {
		t.Fatalf("unexpected rate limit pause: %s", cfg.RateLimitPause())
	}
	if cfg.Poll.DedupSize != 4096 {
		t.Fatalf("unexpected dedup size: %d", cfg.Poll.DedupSize)
	}

	creds := cfg.Credentials()
	if creds.RedirectURI != "http://127.0.0.1:8765/callback" {
		t.Fatalf("unexpected redirect uri: %q", creds.RedirectURI)
	}
	if len(creds.Scopes) == 0 {
		t.Fatalf("expected default scopes")
	}
	if creds.Complete() {
		t.Fatalf("credentials without id/secret must not be complete")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KICKMON_CLIENT_ID", "cid")
	t.Setenv("KICKMON_CLIENT_SECRET", "secret")
	t.Setenv("KICKMON_REDIRECT_URI", "http://localhost:9999/cb")
	t.Setenv("KICKMON_SCOPES", "user:read, chat:write user:read")
	t.Setenv("KICKMON_CHANNEL", "Streamer")
	t.Setenv("KICKMON_LOGIN_TIMEOUT", "90s")
	t.Setenv("KICKMON_POLL_BASE_MS", "2000")
	t.Setenv("KICKMON_DEDUP_SIZE", "-5")

	cfg := Load()
	if cfg.Kick.Channel != "streamer" {
		t.Fatalf("channel not normalised: %q", cfg.Kick.Channel)
	}
	if cfg.Kick.LoginTimeout != 90*time.Second {
		t.Fatalf("unexpected login timeout: %s", cfg.Kick.LoginTimeout)
	}
	if cfg.PollBase() != 2*time.Second {
		t.Fatalf("unexpected poll base: %s", cfg.PollBase())
	}
	if cfg.Poll.DedupSize != 4096 {
		t.Fatalf("invalid dedup size should fall back, got %d", cfg.Poll.DedupSize)
	}

	creds := cfg.Credentials()
	if !creds.Complete() {
		t.Fatalf("expected complete credentials")
	}
	if strings.Join(creds.Scopes, " ") != "user:read chat:write" {
		t.Fatalf("unexpected scopes: %v", creds.Scopes)
	}
	if creds.RedirectURI != "http://localhost:9999/cb" {
		t.Fatalf("unexpected redirect: %q", creds.RedirectURI)
	}
	if len(cfg.LegacyEnv) != 0 {
		t.Fatalf("unexpected legacy env: %v", cfg.LegacyEnv)
	}
}

func TestLegacyEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("KICK_CLIENT_ID", "legacy-id")
	t.Setenv("KICK_CHANNEL", "oldname")
	t.Setenv("KICKMON_LOGIN_TIMEOUT", "45")

	cfg := Load()
	if cfg.Kick.ClientID != "legacy-id" || cfg.Kick.Channel != "oldname" {
		t.Fatalf("legacy values not read: %+v", cfg.Kick)
	}
	if strings.Join(cfg.LegacyEnv, ",") != "KICK_CLIENT_ID,KICK_CHANNEL" {
		t.Fatalf("unexpected legacy env list: %v", cfg.LegacyEnv)
	}
	if cfg.Kick.LoginTimeout != 45*time.Second {
		t.Fatalf("bare seconds not accepted: %s", cfg.Kick.LoginTimeout)
	}
}

type fakeCredStore struct {
	creds store.Credentials
	err   error
}

func (f fakeCredStore) LoadCredentials(context.Context) (store.Credentials, error) {
	return f.creds, f.err
}

func TestMergeStoredKeepsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("KICKMON_CLIENT_ID", "env-id")

	cfg := Load()
	err := cfg.MergeStored(context.Background(), fakeCredStore{creds: store.Credentials{
		ClientID:     "db-id",
		ClientSecret: "db-secret",
		RedirectURI:  "http://127.0.0.1:7000/callback",
		Scopes:       []string{"user:read"},
	}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if cfg.Kick.ClientID != "env-id" {
		t.Fatalf("environment value overwritten: %q", cfg.Kick.ClientID)
	}
	if cfg.Kick.ClientSecret != "db-secret" || cfg.Kick.RedirectURI != "http://127.0.0.1:7000/callback" {
		t.Fatalf("stored values not merged: %+v", cfg.Kick)
	}

	boom := errors.New("boom")
	if err := cfg.MergeStored(context.Background(), fakeCredStore{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestRedactedSnapshot(t *testing.T) {
	clearEnv(t)
	t.Setenv("KICKMON_CLIENT_ID", "client123")
	t.Setenv("KICKMON_CLIENT_SECRET", "supersecret")

	cfg := Load()
	raw := cfg.RedactedJSON()
	if strings.Contains(string(raw), "supersecret") || strings.Contains(string(raw), "client123") {
		t.Fatalf("secret leaked in redacted json: %s", raw)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	kick, ok := payload["kick"].(map[string]any)
	if !ok {
		t.Fatalf("kick section missing: %v", payload)
	}
	if kick["client_secret"] != "***REDACTED*** (len=11)" {
		t.Fatalf("unexpected redaction: %v", kick["client_secret"])
	}

	summary := string(cfg.SummaryJSON())
	if strings.Contains(summary, "supersecret") {
		t.Fatalf("secret leaked in summary: %s", summary)
	}
	if !strings.Contains(summary, `"login_ready":true`) {
		t.Fatalf("summary missing login_ready: %s", summary)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("KICKMON_CLIENT_ID", "from-env")

	path := filepath.Join(t.TempDir(), ".env")
	content := "KICKMON_CLIENT_ID=from-file\nKICKMON_CHANNEL=dotenvchan\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// Registered with Setenv so the value is restored after the test.
	t.Setenv("KICKMON_CHANNEL", "")
	os.Unsetenv("KICKMON_CHANNEL")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	cfg := Load()
	if cfg.Kick.ClientID != "from-env" {
		t.Fatalf("dotenv overrode environment: %q", cfg.Kick.ClientID)
	}
	if cfg.Kick.Channel != "dotenvchan" {
		t.Fatalf("dotenv value not loaded: %q", cfg.Kick.Channel)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
