// Package auth verifies the join tokens presented by call participants.
//
// Token issuance belongs to the account service; the relay only checks that a
// presented HS256 token is valid and, when it carries a room claim, that it
// matches the room being joined.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/smartbell/doorcall/internal/config"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrRoomMismatch = errors.New("auth: token not valid for room")
)

// Verifier checks join credentials for a room.
type Verifier interface {
	// Verify validates token for joining room. room may be checked against a
	// "room" claim when the token carries one.
	Verify(token, room string) error
}

// NewVerifier builds a Verifier from the configured auth mode.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return allowAll{}, nil
	case config.AuthModeToken:
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("auth mode token requires a JWT secret")
		}
		return &tokenVerifier{secret: []byte(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type allowAll struct{}

func (allowAll) Verify(string, string) error { return nil }

type tokenVerifier struct {
	secret []byte
}

type joinClaims struct {
	Room string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

func (v *tokenVerifier) Verify(token, room string) error {
	if token == "" {
		return ErrMissingToken
	}

	claims := &joinClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}

	// A token without a room claim is valid for any room (account-level token).
	if claims.Room != "" && claims.Room != room {
		return ErrRoomMismatch
	}
	return nil
}
