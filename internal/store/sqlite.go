package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/kickmonitor/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS channels (
  slug TEXT PRIMARY KEY,
  chatroom_id INTEGER NOT NULL,
  broadcaster_user_id INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);`

const (
	keyClientID     = "kick.client_id"
	keyClientSecret = "kick.client_secret"
	keyRedirectURI  = "kick.redirect_uri"
	keyScopes       = "kick.scopes"
)

// Credentials are the four OAuth parameters the operator provides.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// Complete reports whether a login can be attempted with these credentials.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping() error { return s.db.Ping() }

func (s *SQLite) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read setting %s", key)
	}
	return v, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;`
	_, err := s.db.ExecContext(ctx, q, key, value)
	return errors.Wrapf(err, "write setting %s", key)
}

func (s *SQLite) LoadCredentials(ctx context.Context) (Credentials, error) {
	var (
		creds  Credentials
		scopes string
	)
	fields := []struct {
		key string
		dst *string
	}{
		{keyClientID, &creds.ClientID},
		{keyClientSecret, &creds.ClientSecret},
		{keyRedirectURI, &creds.RedirectURI},
		{keyScopes, &scopes},
	}
	for _, f := range fields {
		v, err := s.Setting(ctx, f.key)
		if err != nil {
			return Credentials{}, err
		}
		*f.dst = strings.TrimSpace(v)
	}
	creds.Scopes = strings.Fields(scopes)
	return creds, nil
}

func (s *SQLite) SaveCredentials(ctx context.Context, creds Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin credentials tx")
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;`
	values := map[string]string{
		keyClientID:     strings.TrimSpace(creds.ClientID),
		keyClientSecret: strings.TrimSpace(creds.ClientSecret),
		keyRedirectURI:  strings.TrimSpace(creds.RedirectURI),
		keyScopes:       strings.Join(creds.Scopes, " "),
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, q, k, v); err != nil {
			return errors.Wrapf(err, "write setting %s", k)
		}
	}
	return errors.Wrap(tx.Commit(), "commit credentials")
}

// LookupChannel returns the cached context for slug, or ok=false on a miss.
func (s *SQLite) LookupChannel(ctx context.Context, slug string) (core.ChannelContext, bool, error) {
	ch := core.ChannelContext{Slug: slug}
	err := s.db.QueryRowContext(ctx,
		`SELECT chatroom_id, broadcaster_user_id FROM channels WHERE slug = ?;`, slug,
	).Scan(&ch.ChatroomID, &ch.BroadcasterUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ChannelContext{}, false, nil
	}
	if err != nil {
		return core.ChannelContext{}, false, errors.Wrap(err, "lookup channel")
	}
	return ch, true, nil
}

func (s *SQLite) SaveChannel(ctx context.Context, ch core.ChannelContext) error {
	const q = `INSERT INTO channels (slug, chatroom_id, broadcaster_user_id, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(slug) DO UPDATE SET
  chatroom_id = excluded.chatroom_id,
  broadcaster_user_id = excluded.broadcaster_user_id,
  updated_at = excluded.updated_at;`
	_, err := s.db.ExecContext(ctx, q, ch.Slug, ch.ChatroomID, ch.BroadcasterUserID,
		time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "save channel")
}
