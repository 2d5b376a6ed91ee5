package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/you/kickmonitor/internal/core"
)

// SessionFile persists the OAuth token pair as a JSON document.
type SessionFile struct {
	path string
	mu   sync.Mutex
}

func NewSessionFile(path string) *SessionFile {
	return &SessionFile{path: strings.TrimSpace(path)}
}

func (f *SessionFile) Path() string { return f.path }

// Load returns nil, nil when no session has been saved yet.
func (f *SessionFile) Load() (*core.Session, error) {
	if f.path == "" {
		return nil, errors.New("store: session file path is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read session: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("store: decode session: %w", err)
	}
	sess.AccessToken = strings.TrimSpace(sess.AccessToken)
	sess.RefreshToken = strings.TrimSpace(sess.RefreshToken)
	return &sess, nil
}

func (f *SessionFile) Save(sess core.Session) error {
	if f.path == "" {
		return errors.New("store: session file path is empty")
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := atomicWrite(f.path, data, 0o600); err != nil {
		return fmt.Errorf("store: write session: %w", err)
	}
	return nil
}

// Clear removes the session so the next start forces a login.
func (f *SessionFile) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: remove session: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil && !os.IsExist(err) {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
