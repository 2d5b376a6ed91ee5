package kickauth

import (
	"context"
	"errors"
)

var errNoToken = errors.New("kickauth: no access token available")

// Passive returns a token provider that only reads the current token. It is
// handed to background loops that must never trigger a login or refresh.
func (m *Manager) Passive() PassiveProvider {
	return PassiveProvider{m: m}
}

type PassiveProvider struct {
	m *Manager
}

func (p PassiveProvider) Token(context.Context) (string, error) {
	if tok := p.m.Current(); tok != "" {
		return tok, nil
	}
	return "", errNoToken
}

func (p PassiveProvider) Refresh(context.Context) (string, error) {
	return "", wrap(RefreshFailed, errors.New("passive provider does not refresh"))
}
