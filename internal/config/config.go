package config

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/kickmonitor/internal/store"
)

type Config struct {
	Kick    KickConfig
	Session SessionConfig
	SQLite  SQLiteConfig
	HTTP    HTTPConfig
	Poll    PollConfig
	// LegacyEnv lists the KICK_* variables that supplied a value.
	LegacyEnv []string
}

type KickConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Channel      string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	ChannelsURL  string
	PusherURL    string
	LoginTimeout time.Duration
}

type SessionConfig struct {
	File string
}

type SQLiteConfig struct {
	Path string
}

type HTTPConfig struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
}

type PollConfig struct {
	BaseMS           int
	BurstMS          int
	RateLimitPauseMS int
	DedupSize        int
}

const (
	defaultRedirectURI  = "http://127.0.0.1:8765/callback"
	defaultSessionFile  = "kick_session.json"
	defaultSQLitePath   = "kickmonitor.db"
	defaultLoginTimeout = 60 * time.Second
	defaultPollBaseMS   = 1500
	defaultPollBurstMS  = 500
	defaultPauseMS      = 5000
	defaultDedupSize    = 4096
	defaultRateRPS      = 10
	defaultRateBurst    = 20
)

var defaultScopes = []string{
	"user:read",
	"channel:read",
	"chat:write",
	"channel:rewards:read",
	"channel:rewards:write",
}

// LoadDotEnv reads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func Load() Config {
	cfg := Config{}

	cfg.Kick.ClientID = cfg.readString("KICKMON_CLIENT_ID", "KICK_CLIENT_ID")
	cfg.Kick.ClientSecret = cfg.readString("KICKMON_CLIENT_SECRET", "KICK_CLIENT_SECRET")
	cfg.Kick.RedirectURI = cfg.readString("KICKMON_REDIRECT_URI", "KICK_REDIRECT_URI")
	cfg.Kick.Scopes = splitList(cfg.readString("KICKMON_SCOPES", "KICK_SCOPES"))
	cfg.Kick.Channel = strings.ToLower(cfg.readString("KICKMON_CHANNEL", "KICK_CHANNEL"))

	cfg.Kick.AuthURL = strings.TrimSpace(os.Getenv("KICKMON_AUTH_URL"))
	cfg.Kick.TokenURL = strings.TrimSpace(os.Getenv("KICKMON_TOKEN_URL"))
	cfg.Kick.APIBaseURL = strings.TrimSpace(os.Getenv("KICKMON_API_URL"))
	cfg.Kick.ChannelsURL = strings.TrimSpace(os.Getenv("KICKMON_CHANNELS_URL"))
	cfg.Kick.PusherURL = strings.TrimSpace(os.Getenv("KICKMON_PUSHER_URL"))
	cfg.Kick.LoginTimeout = readDuration("KICKMON_LOGIN_TIMEOUT", defaultLoginTimeout)

	cfg.Session.File = strings.TrimSpace(os.Getenv("KICKMON_SESSION_FILE"))
	if cfg.Session.File == "" {
		cfg.Session.File = defaultSessionFile
	}
	cfg.SQLite.Path = strings.TrimSpace(os.Getenv("KICKMON_SQLITE_PATH"))
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = defaultSQLitePath
	}

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("KICKMON_HTTP_ADDR"))
	cfg.HTTP.RateLimitRPS = readInt("KICKMON_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateLimitBurst = readInt("KICKMON_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("KICKMON_HTTP_CORS_ORIGINS"))

	cfg.Poll.BaseMS = readInt("KICKMON_POLL_BASE_MS", defaultPollBaseMS)
	cfg.Poll.BurstMS = readInt("KICKMON_POLL_BURST_MS", defaultPollBurstMS)
	cfg.Poll.RateLimitPauseMS = readInt("KICKMON_POLL_PAUSE_MS", defaultPauseMS)
	cfg.Poll.DedupSize = readInt("KICKMON_DEDUP_SIZE", defaultDedupSize)

	return cfg
}

// readString prefers the KICKMON_ name and records when the legacy name was used.
func (c *Config) readString(name, legacy string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	v := strings.TrimSpace(os.Getenv(legacy))
	if v != "" {
		c.LegacyEnv = append(c.LegacyEnv, legacy)
	}
	return v
}

// Credentials returns the OAuth parameters with defaults applied.
func (c Config) Credentials() store.Credentials {
	creds := store.Credentials{
		ClientID:     c.Kick.ClientID,
		ClientSecret: c.Kick.ClientSecret,
		RedirectURI:  c.Kick.RedirectURI,
		Scopes:       append([]string(nil), c.Kick.Scopes...),
	}
	if creds.RedirectURI == "" {
		creds.RedirectURI = defaultRedirectURI
	}
	if len(creds.Scopes) == 0 {
		creds.Scopes = append([]string(nil), defaultScopes...)
	}
	return creds
}

// CredentialStore is the slice of the settings store the config reads from.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) (store.Credentials, error)
}

// MergeStored fills OAuth fields the environment left empty from the settings
// store. Environment values always win.
func (c *Config) MergeStored(ctx context.Context, st CredentialStore) error {
	stored, err := st.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	if c.Kick.ClientID == "" {
		c.Kick.ClientID = stored.ClientID
	}
	if c.Kick.ClientSecret == "" {
		c.Kick.ClientSecret = stored.ClientSecret
	}
	if c.Kick.RedirectURI == "" {
		c.Kick.RedirectURI = stored.RedirectURI
	}
	if len(c.Kick.Scopes) == 0 {
		c.Kick.Scopes = append([]string(nil), stored.Scopes...)
	}
	return nil
}

func (c Config) PollBase() time.Duration {
	return time.Duration(c.Poll.BaseMS) * time.Millisecond
}

func (c Config) PollBurst() time.Duration {
	return time.Duration(c.Poll.BurstMS) * time.Millisecond
}

func (c Config) RateLimitPause() time.Duration {
	return time.Duration(c.Poll.RateLimitPauseMS) * time.Millisecond
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

// dedupe drops blanks and case-insensitive repeats, keeping first-seen order.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// readDuration accepts Go durations ("90s") or bare seconds.
func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

type Summary struct {
	Channel     string      `json:"channel,omitempty"`
	SessionFile string      `json:"session_file"`
	SQLitePath  string      `json:"sqlite_path"`
	HTTPAddr    string      `json:"http_addr,omitempty"`
	Kick        KickSummary `json:"kick"`
	Poll        PollConfig  `json:"poll"`
	LegacyEnv   []string    `json:"legacy_env,omitempty"`
}

type KickSummary struct {
	ClientID       string   `json:"client_id,omitempty"`
	ClientSecret   string   `json:"client_secret,omitempty"`
	RedirectURI    string   `json:"redirect_uri"`
	Scopes         []string `json:"scopes"`
	LoginReady     bool     `json:"login_ready"`
	LoginTimeoutMS int64    `json:"login_timeout_ms"`
}

func (c Config) Summary() Summary {
	creds := c.Credentials()
	return Summary{
		Channel:     c.Kick.Channel,
		SessionFile: c.Session.File,
		SQLitePath:  c.SQLite.Path,
		HTTPAddr:    c.HTTP.Addr,
		Kick: KickSummary{
			ClientID:       redactString(creds.ClientID),
			ClientSecret:   redactString(creds.ClientSecret),
			RedirectURI:    creds.RedirectURI,
			Scopes:         creds.Scopes,
			LoginReady:     creds.Complete(),
			LoginTimeoutMS: c.Kick.LoginTimeout.Milliseconds(),
		},
		Poll:      c.Poll,
		LegacyEnv: append([]string(nil), c.LegacyEnv...),
	}
}

func (c Config) Redacted() map[string]any {
	creds := c.Credentials()
	return map[string]any{
		"kick": map[string]any{
			"client_id":     redactString(creds.ClientID),
			"client_secret": redactString(creds.ClientSecret),
			"redirect_uri":  creds.RedirectURI,
			"scopes":        creds.Scopes,
			"channel":       c.Kick.Channel,
			"auth_url":      c.Kick.AuthURL,
			"token_url":     c.Kick.TokenURL,
			"api_url":       c.Kick.APIBaseURL,
			"channels_url":  c.Kick.ChannelsURL,
			"pusher_url":    c.Kick.PusherURL,
			"login_timeout": c.Kick.LoginTimeout.String(),
		},
		"session_file": c.Session.File,
		"sqlite_path":  c.SQLite.Path,
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"rate_rps":     c.HTTP.RateLimitRPS,
			"rate_burst":   c.HTTP.RateLimitBurst,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
		},
		"poll": map[string]any{
			"base_ms":  c.Poll.BaseMS,
			"burst_ms": c.Poll.BurstMS,
			"pause_ms": c.Poll.RateLimitPauseMS,
			"dedup":    c.Poll.DedupSize,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
