// Package idp es la frontera con el identity provider externo. El engine no
// verifica credenciales: solo consume una vista read-only del AMR set de la
// sesión, transportada en los session tokens que emite el IdP.
package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"

	tokens "github.com/dropDatabas3/tierguard/internal/security/token"
	"github.com/dropDatabas3/tierguard/internal/store/core"
)

// ErrInvalidSession indica un session token inválido, vencido o mal firmado.
var ErrInvalidSession = errors.New("invalid session token")

// SessionReader provee la vista read-only de una sesión del IdP.
type SessionReader interface {
	// Session resuelve un session token a (session_id, user_id, AMR set).
	Session(ctx context.Context, token string) (core.Session, error)
}

// TokenReader implementa SessionReader parseando session tokens HS256.
// Claims esperados: sub (user id), sid (session id), amr (RFC 8176).
// Las sesiones resueltas se cachean in-process con TTL corto para no pagar
// el parse + verificación en cada evaluate.
type TokenReader struct {
	secret []byte
	issuer string
	cache  *gocache.Cache
}

type sessionClaims struct {
	SessionID string   `json:"sid"`
	AMR       []string `json:"amr"`
	jwt.RegisteredClaims
}

// NewTokenReader crea el reader. issuer vacío desactiva el check de iss.
func NewTokenReader(secret []byte, issuer string, cacheTTL time.Duration) *TokenReader {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &TokenReader{
		secret: secret,
		issuer: issuer,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
	}
}

func (r *TokenReader) Session(ctx context.Context, token string) (core.Session, error) {
	key := tokens.SHA256Base64URL(token)
	if v, ok := r.cache.Get(key); ok {
		return v.(core.Session), nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return core.Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return core.Session{}, fmt.Errorf("%w: faltan claims sid/sub", ErrInvalidSession)
	}

	amr := make([]core.AMR, 0, len(claims.AMR))
	for _, m := range claims.AMR {
		amr = append(amr, core.AMR(m))
	}
	sess := core.Session{ID: claims.SessionID, UserID: claims.Subject, AMR: amr}
	r.cache.Set(key, sess, gocache.DefaultExpiration)
	return sess, nil
}
