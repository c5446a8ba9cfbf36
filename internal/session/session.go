// Package session acquires authenticated sessions per role through the login
// API and installs the token in the page's local storage, so tests start on
// protected routes without driving the login form.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3/jwt"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/browser"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/obs"
)

// Local storage keys. TokenKey is the only key written. LegacyTokenKey is
// read by older screens; it is cleared on logout and counts as a token when
// checking for absence.
const (
	TokenKey       = "token"
	LegacyTokenKey = "auth_token"
)

// expirySkew retires a cached session slightly before its token expires.
const expirySkew = 30 * time.Second

// Role is the account type a session is acquired for.
type Role string

const (
	Teacher Role = "teacher"
	Student Role = "student"
)

// ParseRole validates s as a role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case Teacher, Student:
		return r, nil
	default:
		return "", errs.New(errs.InvalidConfig, fmt.Sprintf("unknown role %q", s))
	}
}

func (r Role) String() string { return string(r) }

// State is where a role is in the session lifecycle.
type State int

const (
	NoSession State = iota
	Authenticating
	Active
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	default:
		return "no_session"
	}
}

// Session is an acquired credential.
type Session struct {
	Role       Role
	Token      string
	UserID     apiclient.ID
	Email      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether s can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Add(expirySkew).Before(s.ExpiresAt)
}

// AuthenticationError means a role's credentials could not produce a session.
// It is an environment problem and aborts the dependent test.
type AuthenticationError struct {
	Role   Role
	Email  string
	Status int
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication as %s (%s) failed with status %d: %v", e.Role, e.Email, e.Status, e.Err)
	}
	return fmt.Sprintf("authentication as %s (%s) failed: %v", e.Role, e.Email, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) ErrorCode() errs.Code { return errs.Authentication }

// Authenticator exchanges credentials for a token. *apiclient.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*apiclient.LoginResponse, error)
}

// cache is shared by a Manager and every page-bound view of it.
type cache struct {
	mu       sync.Mutex
	sessions map[Role]*Session
	states   map[Role]State
	loginMu  sync.Mutex
}

// Manager caches one session per role.
type Manager struct {
	auth  Authenticator
	creds map[Role]config.Credentials
	ttl   time.Duration
	now   func() time.Time
	store browser.Storage
	cache *cache
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager using the role credentials and session TTL in cfg.
func NewManager(cfg *config.Config, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		auth: auth,
		creds: map[Role]config.Credentials{
			Teacher: cfg.Teacher,
			Student: cfg.Student,
		},
		ttl: cfg.SessionTTL,
		now: time.Now,
		cache: &cache{
			sessions: make(map[Role]*Session),
			states:   make(map[Role]State),
		},
	}
	if m.ttl <= 0 {
		m.ttl = time.Hour
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ForPage returns a view of m that also writes tokens into store. The view
// shares m's session cache. The page must already be on the application
// origin, since local storage is per origin.
func (m *Manager) ForPage(store browser.Storage) *Manager {
	clone := *m
	clone.store = store
	return &clone
}

// State reports role's lifecycle state.
func (m *Manager) State(role Role) State {
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()
	if s, ok := m.cache.sessions[role]; ok && !s.Valid(m.now()) {
		return NoSession
	}
	return m.cache.states[role]
}

func (m *Manager) setState(role Role, st State, s *Session) {
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()
	m.cache.states[role] = st
	if s != nil {
		m.cache.sessions[role] = s
	} else if st == NoSession {
		delete(m.cache.sessions, role)
	}
}

func (m *Manager) cached(role Role) *Session {
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()
	s := m.cache.sessions[role]
	if !s.Valid(m.now()) {
		return nil
	}
	return s
}

// EnsureSession returns a valid session for role, logging in when none is
// cached. When m is bound to a page, the token is written under TokenKey and
// read back before returning.
func (m *Manager) EnsureSession(ctx context.Context, role Role) (*Session, error) {
	creds, ok := m.creds[role]
	if !ok {
		return nil, &AuthenticationError{Role: role, Err: errors.New("no credentials configured for role")}
	}

	s := m.cached(role)
	if s == nil {
		var err error
		if s, err = m.login(ctx, role, creds); err != nil {
			return nil, err
		}
	}
	if m.store != nil {
		if err := m.install(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *Manager) login(ctx context.Context, role Role, creds config.Credentials) (*Session, error) {
	m.cache.loginMu.Lock()
	defer m.cache.loginMu.Unlock()
	if s := m.cached(role); s != nil {
		return s, nil
	}

	log := obs.From(obs.WithRole(ctx, string(role)))
	m.setState(role, Authenticating, nil)
	resp, err := m.auth.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		m.setState(role, NoSession, nil)
		authErr := &AuthenticationError{Role: role, Email: creds.Email, Status: apiclient.StatusOf(err), Err: err}
		log.Error("session_login_failed", "email", creds.Email, "status", authErr.Status, "err", err)
		return nil, authErr
	}

	acquired := m.now()
	s := &Session{
		Role:       role,
		Token:      resp.Token,
		UserID:     resp.User.ID,
		Email:      resp.User.Email,
		AcquiredAt: acquired,
		ExpiresAt:  expiresAt(resp.Token, acquired, m.ttl),
	}
	if resp.User.Role != "" && resp.User.Role != string(role) {
		m.setState(role, NoSession, nil)
		return nil, &AuthenticationError{
			Role:   role,
			Email:  creds.Email,
			Status: http.StatusOK,
			Err:    fmt.Errorf("account has role %q", resp.User.Role),
		}
	}
	m.setState(role, Active, s)
	log.Info("session_acquired", "user_id", s.UserID.String(), "expires_at", s.ExpiresAt.Format(time.RFC3339))
	return s, nil
}

// install writes s.Token to the bound page and verifies it stuck.
func (m *Manager) install(ctx context.Context, s *Session) error {
	if err := m.store.SetLocalStorage(ctx, TokenKey, s.Token); err != nil {
		return &AuthenticationError{Role: s.Role, Email: s.Email, Err: fmt.Errorf("write %s to local storage: %w", TokenKey, err)}
	}
	got, ok, err := m.store.LocalStorage(ctx, TokenKey)
	if err != nil {
		return &AuthenticationError{Role: s.Role, Email: s.Email, Err: fmt.Errorf("read back %s: %w", TokenKey, err)}
	}
	if !ok || got != s.Token {
		return &AuthenticationError{Role: s.Role, Email: s.Email, Err: fmt.Errorf("local storage %s does not hold the acquired token", TokenKey)}
	}
	return nil
}

// Logout forgets role's session and, when bound to a page, removes both token
// keys from local storage.
func (m *Manager) Logout(ctx context.Context, role Role) error {
	m.setState(role, NoSession, nil)
	if m.store == nil {
		return nil
	}
	for _, key := range []string{TokenKey, LegacyTokenKey} {
		if err := m.store.RemoveLocalStorage(ctx, key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	obs.From(obs.WithRole(ctx, string(role))).Info("session_logout")
	return nil
}

// StoredToken returns the token held by store under either key, canonical first.
func StoredToken(ctx context.Context, store browser.Storage) (string, bool, error) {
	for _, key := range []string{TokenKey, LegacyTokenKey} {
		v, ok, err := store.LocalStorage(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok && v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// expiresAt reads the exp claim from token without verifying it. Opaque
// tokens, or tokens without exp, get acquired+ttl.
func expiresAt(token string, acquired time.Time, ttl time.Duration) time.Time {
	fallback := acquired.Add(ttl)
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return fallback
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil || claims.Expiry == nil {
		return fallback
	}
	return claims.Expiry.Time()
}
