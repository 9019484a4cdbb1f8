// Package auth issues and verifies the bearer tokens the relay accepts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("auth: signing secret is empty")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSession    = errors.New("auth: no session token")
)

// Claims carried by a session token. The user id is the standard subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Sign issues an HS256 token for userID valid for ttl. A ttl <= 0 issues a
// token without expiry.
func Sign(secret, userID string, ttl time.Duration) (string, error) {
	return signAt(secret, userID, ttl, time.Now())
}

func signAt(secret, userID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("auth: empty user id")
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verifier validates tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier returns a Verifier for secret. now may be nil.
func NewVerifier(secret string, now func() time.Time) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), now: now}, nil
}

// Verify returns the user id of a valid token. A "Bearer " prefix is
// accepted.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Subject reads the user id from a token without verifying it. Clients use it
// to learn their own identity from the token they were handed.
func Subject(token string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// StaticSession is a session provider for a fixed token.
type StaticSession struct {
	Token string
}

// Session returns the token's subject and the token itself.
func (s StaticSession) Session(context.Context) (string, string, error) {
	if s.Token == "" {
		return "", "", ErrNoSession
	}
	user, err := Subject(s.Token)
	if err != nil {
		return "", "", err
	}
	return user, s.Token, nil
}

// FileSession reads the token from a file on every call, so a refreshed
// token is picked up on the next reconnect.
type FileSession struct {
	Path string
}

func (f FileSession) Session(ctx context.Context) (string, string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", ErrNoSession
		}
		return "", "", err
	}
	return StaticSession{Token: strings.TrimSpace(string(data))}.Session(ctx)
}
