// Package auth verifies shared credentials on the signaling WebSocket.
//
// Token issuance and user authentication proper live with the platform's
// identity service; this package only checks that a connecting client holds
// the deployment's shared key when that mode is enabled.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/solstice-social/solstice-calls/internal/config"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAllVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAllVerifier accepts any credential, including none.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(string) error { return nil }

// CredentialFromHello extracts the credential from a hello frame.
func CredentialFromHello(mode config.AuthMode, apiKey string) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromQuery extracts the credential from the WebSocket upgrade URL.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
