package idp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/tierguard/internal/store/core"
)

var testSecret = []byte("test-secret-0123456789abcdef0000")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign err: %v", err)
	}
	return s
}

func TestSession_ParsesAMRClaims(t *testing.T) {
	r := NewTokenReader(testSecret, "https://idp.example.com", time.Minute)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"iss": "https://idp.example.com",
		"sub": "u1",
		"sid": "sess-1",
		"amr": []string{"password", "totp"},
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	sess, err := r.Session(context.Background(), tok)
	if err != nil {
		t.Fatalf("Session err: %v", err)
	}
	if sess.ID != "sess-1" || sess.UserID != "u1" {
		t.Fatalf("sesión inesperada: %+v", sess)
	}
	if !sess.Has(core.AMRPassword) || !sess.Has(core.AMRTOTP) {
		t.Fatalf("AMR set mal parseado: %v", sess.AMR)
	}
	if sess.Has(core.AMRWebAuthn) {
		t.Fatal("webauthn no debería estar presente")
	}

	// Segunda resolución sale del cache.
	again, err := r.Session(context.Background(), tok)
	if err != nil || again.ID != sess.ID {
		t.Fatalf("cache hit falló: %+v %v", again, err)
	}
}

func TestSession_RejectsBadSignature(t *testing.T) {
	r := NewTokenReader(testSecret, "", time.Minute)
	tok := signToken(t, []byte("otro-secreto-otro-secreto-123456"), jwt.MapClaims{
		"sub": "u1",
		"sid": "s1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := r.Session(context.Background(), tok); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestSession_RejectsExpired(t *testing.T) {
	r := NewTokenReader(testSecret, "", time.Minute)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"sub": "u1",
		"sid": "s1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := r.Session(context.Background(), tok); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestSession_RequiresSidAndSub(t *testing.T) {
	r := NewTokenReader(testSecret, "", time.Minute)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := r.Session(context.Background(), tok); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession sin sid, got %v", err)
	}
}

func TestSession_WrongIssuer(t *testing.T) {
	r := NewTokenReader(testSecret, "https://idp.example.com", time.Minute)
	tok := signToken(t, testSecret, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "u1",
		"sid": "s1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := r.Session(context.Background(), tok); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession por issuer, got %v", err)
	}
}
