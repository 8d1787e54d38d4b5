package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/golang-jwt/jwt/v5"
)

// ErrSessionExpired reports that the client's own session token has expired.
var ErrSessionExpired = errors.New("auth: session expired, sign in again")

// TokenSource supplies the bearer token sent with remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature;
// the remote verifies. Tokens that are not JWTs report ok=false.
func TokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckExpiry wraps source so an expired JWT fails locally with an auth
// fault instead of being sent.
func CheckExpiry(source TokenSource, clock func() time.Time) TokenSource {
	if clock == nil {
		clock = time.Now
	}
	return &expiryChecked{source: source, clock: clock}
}

type expiryChecked struct {
	source TokenSource
	clock  func() time.Time
}

func (s *expiryChecked) Token(ctx context.Context) (string, error) {
	token, err := s.source.Token(ctx)
	if err != nil {
		return "", err
	}
	if expiresAt, ok := TokenExpiry(token); ok && !s.clock().Before(expiresAt) {
		return "", remote.NewError(remote.KindAuth, "session", ErrSessionExpired)
	}
	return token, nil
}
