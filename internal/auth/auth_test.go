package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/smartbell/doorcall/internal/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTokenVerifier(t *testing.T) Verifier {
	t.Helper()
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeToken, JWTSecret: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifier_None(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := v.Verify("", "cam123"); err != nil {
		t.Fatalf("allow-all verifier rejected: %v", err)
	}
}

func TestVerifier_ValidToken(t *testing.T) {
	v := newTokenVerifier(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(token, "cam123"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifier_RoomClaim(t *testing.T) {
	v := newTokenVerifier(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"room": "cam123",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(token, "cam123"); err != nil {
		t.Fatalf("Verify matching room: %v", err)
	}
	if err := v.Verify(token, "cam999"); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("Verify mismatched room: err=%v, want ErrRoomMismatch", err)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	v := newTokenVerifier(t)

	if err := v.Verify("", "cam123"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token: err=%v, want ErrMissingToken", err)
	}

	wrongKey := signToken(t, "other-secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err := v.Verify(wrongKey, "cam123"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong key: err=%v, want ErrInvalidToken", err)
	}

	expired := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if err := v.Verify(expired, "cam123"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: err=%v, want ErrInvalidToken", err)
	}
}
