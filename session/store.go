// Package session keeps the bearer credential for the active user. Every
// session boundary (login, registration, logout) fires the registered hooks
// so caches holding the previous user's data are fully cleared.
package session

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidToken is returned when a token cannot be parsed or names no
// subject.
var ErrInvalidToken = errors.New("invalid session token")

// Credential is the stored session: the raw bearer token plus the claims the
// client itself needs. Signature verification is the server's job; the
// client only reads unverified claims to derive the cache partition owner
// and to drop obviously expired tokens.
type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the credential's expiry has passed.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Store holds at most one credential. It implements the task client's
// CredentialSource and the controller's UserSource.
type Store struct {
	mu     sync.RWMutex
	cred   *Credential
	hooks  []func()
	now    func() time.Time
	logger *log.Logger
}

// NewStore creates an empty session store. logger may be nil.
func NewStore(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{now: time.Now, logger: logger}
}

// OnSessionChange registers a hook fired after every session boundary.
// The cache's Clear is the expected registrant.
func (s *Store) OnSessionChange(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// SetCredential installs the token for a new session and fires the session
// hooks. It is called after a successful login or registration.
func (s *Store) SetCredential(token string) error {
	cred, err := credentialFromToken(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cred = cred
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	s.logger.WithField("user", cred.UserID).Debug("session.started")
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Clear drops the credential and fires the session hooks. It is called on
// logout, including when the remote logout call failed.
func (s *Store) Clear() {
	s.mu.Lock()
	had := s.cred != nil
	s.cred = nil
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	if had {
		s.logger.Debug("session.ended")
	}
	for _, fn := range hooks {
		fn()
	}
}

// Credential returns the current credential, or nil when no session is
// active or the token has expired.
func (s *Store) Credential() *Credential {
	s.mu.RLock()
	cred := s.cred
	now := s.now()
	s.mu.RUnlock()
	if cred == nil || cred.Expired(now) {
		return nil
	}
	out := *cred
	return &out
}

// Token returns the bearer token or "" when no usable session exists.
func (s *Store) Token() string {
	if cred := s.Credential(); cred != nil {
		return cred.Token
	}
	return ""
}

// UserID returns the cache partition owner or "" without a session.
func (s *Store) UserID() string {
	if cred := s.Credential(); cred != nil {
		return cred.UserID
	}
	return ""
}

// credentialFromToken reads sub and exp from the token without verifying the
// signature.
func credentialFromToken(token string) (*Credential, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, ErrInvalidToken
	}
	cred := &Credential{Token: token, UserID: sub}
	if exp, ok := claims["exp"].(float64); ok {
		cred.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return cred, nil
}
