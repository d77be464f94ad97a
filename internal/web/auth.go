package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("web: auth disabled")
	ErrInvalidToken = errors.New("web: invalid or expired token")
)

type claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and verifies bearer tokens for duraloopd's HTTP
// surface, adapted from auth.JWTService — narrowed to a
// single operator subject rather than a full user/email claim set,
// since this surface has no multi-tenant user model.
type Authenticator struct {
	secret []byte
	expiry time.Duration
}

func NewAuthenticator(secret string, expiry time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), expiry: expiry}
}

// Generate issues a signed token for subject (an operator or service
// identity, opaque to this package).
func (a *Authenticator) Generate(subject string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: subject,
		IssuedAt: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.secret)
}

func (a *Authenticator) Validate(token string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}

type subjectKey struct{}

// Subject returns the authenticated caller's subject, if the request
// passed through Middleware.
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey{}).(string)
	return v, ok
}

// Middleware rejects requests without a valid "Authorization: Bearer
// <token>" header, grounded on web.AuthMiddleware.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, err := a.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
