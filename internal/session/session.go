// Package session holds the bearer credential used for backend requests.
//
// The credential itself is issued and stored by an external session service; this
// package only keeps the current token, inspects its claims and refuses to hand out a
// missing or expired token so that callers fail with AUTH_REQUIRED before any fetch.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for a request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Claims is what the client can learn from a token without the issuer's keys.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	Opaque    bool // token is not a JWT; subject is derived from its hash
}

// Inspect parses token claims without verifying the signature. Verification is the
// backend's job; the client only needs the subject for scoping and the expiry for
// short-circuiting. Tokens that are not JWTs are accepted as opaque credentials.
func Inspect(token string) Claims {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		sum := sha256.Sum256([]byte(token))
		return Claims{Subject: "opaque-" + hex.EncodeToString(sum[:8]), Opaque: true}
	}

	var c Claims
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if c.Subject == "" {
		sum := sha256.Sum256([]byte(token))
		c.Subject = "anon-" + hex.EncodeToString(sum[:8])
	}
	return c
}

// Session is the process's current credential. It is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims Claims
	now    func() time.Time
}

// New returns a session, signed in when token is non-empty.
func New(token string) *Session {
	s := &Session{now: time.Now}
	s.SignIn(token)
	return s
}

// SetClock replaces time.Now for expiry checks.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SignIn replaces the current token.
func (s *Session) SignIn(token string) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if token == "" {
		s.claims = Claims{}
		return
	}
	s.claims = Inspect(token)
}

// SignOut forgets the token.
func (s *Session) SignOut() {
	s.SignIn("")
}

// Token implements TokenSource.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "no credential present", "")
	}
	if !s.claims.ExpiresAt.IsZero() && !s.now().Before(s.claims.ExpiresAt) {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "credential expired", "")
	}
	return s.token, nil
}

// Scope returns the subject used to partition caches and drafts, or "" when signed out.
func (s *Session) Scope() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return ""
	}
	return s.claims.Subject
}

// Claims returns the inspected claims of the current token.
func (s *Session) Claims() Claims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

// Authenticated reports whether Token would succeed.
func (s *Session) Authenticated() bool {
	_, err := s.Token(context.Background())
	return err == nil
}

// Static is a TokenSource that always returns the same token.
type Static string

// Token implements TokenSource.
func (t Static) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "no credential present", "")
	}
	return string(t), nil
}
