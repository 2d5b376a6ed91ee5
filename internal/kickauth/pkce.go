package kickauth

import (
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Challenge is the per-attempt PKCE material. It is never persisted.
type Challenge struct {
	Verifier  string
	Challenge string
	State     string
}

// NewChallenge returns a 32-byte base64url verifier, its S256 challenge and a
// random state value.
func NewChallenge() Challenge {
	verifier := oauth2.GenerateVerifier()
	return Challenge{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     uuid.NewString(),
	}
}
