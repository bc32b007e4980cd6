package corppass

import (
	"crypto/rsa"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session store keys, fixed by the wire/storage contract: both timestamps
// are integer epoch seconds.
const (
	SessionKeyLastRequestAt    = "last_request_at"
	SessionKeySessionStartedAt = "session_started_at"
)

// SessionStore is the narrow view of the host middleware's session this
// package needs: two integer timestamp fields, the authenticated identity,
// and forced logout. Hosts adapt whatever session mechanism they actually
// use behind this interface; persistence and locking are theirs.
type SessionStore interface {
	// LastRequestAt returns the inactivity timestamp, if set.
	LastRequestAt() (int64, bool)
	SetLastRequestAt(epoch int64)

	// SessionStartedAt returns the login timestamp, if set.
	SessionStartedAt() (int64, bool)
	SetSessionStartedAt(epoch int64)

	// User returns the authenticated identity, if any.
	User() (*User, bool)
	SetUser(u *User)

	// Logout clears the authenticated identity and both timestamps.
	Logout()
}

// MemorySessionStore is a SessionStore held in process memory. It backs
// tests and single-process hosts.
type MemorySessionStore struct {
	lastRequestAt    *int64
	sessionStartedAt *int64
	user             *User
}

// NewMemorySessionStore creates an empty in-memory session.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

// LastRequestAt returns the inactivity timestamp, if set.
func (s *MemorySessionStore) LastRequestAt() (int64, bool) {
	if s.lastRequestAt == nil {
		return 0, false
	}
	return *s.lastRequestAt, true
}

// SetLastRequestAt stores the inactivity timestamp.
func (s *MemorySessionStore) SetLastRequestAt(epoch int64) {
	s.lastRequestAt = &epoch
}

// SessionStartedAt returns the login timestamp, if set.
func (s *MemorySessionStore) SessionStartedAt() (int64, bool) {
	if s.sessionStartedAt == nil {
		return 0, false
	}
	return *s.sessionStartedAt, true
}

// SetSessionStartedAt stores the login timestamp.
func (s *MemorySessionStore) SetSessionStartedAt(epoch int64) {
	s.sessionStartedAt = &epoch
}

// User returns the authenticated identity, if any.
func (s *MemorySessionStore) User() (*User, bool) {
	if s.user == nil {
		return nil, false
	}
	return s.user, true
}

// SetUser marks the session authenticated.
func (s *MemorySessionStore) SetUser(u *User) {
	s.user = u
}

// Logout clears the authenticated identity and both timestamps.
func (s *MemorySessionStore) Logout() {
	s.user = nil
	s.lastRequestAt = nil
	s.sessionStartedAt = nil
}

// ErrSessionNotFound is returned when a session cookie is missing, invalid
// or expired.
var ErrSessionNotFound = errors.New("session not found")

// sessionClaims is the JWT claims layout for cookie-backed sessions. The
// identity is the serialized AuthAccess tuple; the two policy timestamps
// ride alongside as epoch seconds.
type sessionClaims struct {
	jwt.RegisteredClaims
	AuthAccess       string `json:"aa,omitempty"`
	TwoFA            bool   `json:"twofa,omitempty"`
	LastRequestAt    int64  `json:"lra,omitempty"`
	SessionStartedAt int64  `json:"ssa,omitempty"`
}

// CookieSession implements SessionStore on top of a signed JWT cookie
// (RS256), for hosts without their own session storage. Load it at the
// start of a request and Write it back once the request is handled.
type CookieSession struct {
	MemorySessionStore

	privateKey *rsa.PrivateKey
	cookieName string
	maxAge     time.Duration
	cfg        *Config
	sink       EventSink
}

// NewCookieSession creates an unauthenticated cookie session.
func NewCookieSession(privateKey *rsa.PrivateKey, cookieName string, maxAge time.Duration, cfg *Config, sink EventSink) *CookieSession {
	return &CookieSession{
		privateKey: privateKey,
		cookieName: cookieName,
		maxAge:     maxAge,
		cfg:        cfg,
		sink:       sink,
	}
}

// LoadCookieSession restores a session from the request's cookie. A missing
// or unverifiable cookie yields ErrSessionNotFound together with a fresh
// empty session.
func LoadCookieSession(r *http.Request, privateKey *rsa.PrivateKey, cookieName string, maxAge time.Duration, cfg *Config, sink EventSink) (*CookieSession, error) {
	s := NewCookieSession(privateKey, cookieName, maxAge, cfg, sink)

	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return s, ErrSessionNotFound
	}

	parsed, err := jwt.ParseWithClaims(cookie.Value, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return &s.privateKey.PublicKey, nil
	})
	if err != nil {
		return s, ErrSessionNotFound
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return s, ErrSessionNotFound
	}

	if claims.LastRequestAt != 0 {
		s.SetLastRequestAt(claims.LastRequestAt)
	}
	if claims.SessionStartedAt != 0 {
		s.SetSessionStartedAt(claims.SessionStartedAt)
	}
	if claims.AuthAccess != "" {
		s.SetUser(DeserializeUser(claims.AuthAccess, claims.TwoFA, cfg, sink))
	}
	return s, nil
}

// Write mints the signed cookie reflecting the session's current state and
// sets it on the response. A logged-out session clears the cookie.
func (s *CookieSession) Write(w http.ResponseWriter) error {
	user, authenticated := s.User()
	if !authenticated {
		http.SetCookie(w, &http.Cookie{
			Name:     s.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
		})
		return nil
	}

	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
		},
	}
	claims.AuthAccess, claims.TwoFA = user.Serialize()
	if v, ok := s.LastRequestAt(); ok {
		claims.LastRequestAt = v
	}
	if v, ok := s.SessionStartedAt(); ok {
		claims.SessionStartedAt = v
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.maxAge / time.Second),
		HttpOnly: true,
		Secure:   true,
	})
	return nil
}
