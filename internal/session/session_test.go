package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"pgregory.net/rapid"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/browser/htmlpage"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/stubapp"
)

type fakeAuth struct {
	mu     sync.Mutex
	calls  int
	token  string
	role   string
	failOn string
}

func (f *fakeAuth) Login(_ context.Context, email, _ string) (*apiclient.LoginResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if email == f.failOn {
		return nil, &apiclient.StatusError{Method: http.MethodPost, Path: "/auth/login", Status: http.StatusUnauthorized, Body: "Credenciales inválidas"}
	}
	role := f.role
	if role == "" {
		role = "teacher"
	}
	return &apiclient.LoginResponse{Token: f.token, User: apiclient.User{ID: "7", Email: email, Role: role}}, nil
}

func (f *fakeAuth) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(jwt.Claims{Subject: "7", Expiry: jwt.NewNumericDate(exp)}).CompactSerialize()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestEnsureSession_CachesUntilExpiry(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	auth := &fakeAuth{token: signedToken(t, now.Add(10*time.Minute))}
	m := NewManager(config.Default(), auth, WithClock(clock))
	ctx := context.Background()

	first, err := m.EnsureSession(ctx, Teacher)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	second, err := m.EnsureSession(ctx, Teacher)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if first != second || auth.Calls() != 1 {
		t.Fatalf("expected cached session, got %d logins", auth.Calls())
	}
	if !first.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expected expiry from token exp, got %v", first.ExpiresAt)
	}
	if m.State(Teacher) != Active {
		t.Fatalf("expected active, got %v", m.State(Teacher))
	}

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()
	if m.State(Teacher) != NoSession {
		t.Fatalf("expected expired session to report no_session, got %v", m.State(Teacher))
	}
	if _, err := m.EnsureSession(ctx, Teacher); err != nil {
		t.Fatalf("EnsureSession after expiry failed: %v", err)
	}
	if auth.Calls() != 2 {
		t.Fatalf("expected re-login after expiry, got %d logins", auth.Calls())
	}
}

func TestEnsureSession_OpaqueTokenUsesTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	cfg := config.Default()
	cfg.SessionTTL = 20 * time.Minute
	m := NewManager(cfg, &fakeAuth{token: "opaque-token"}, WithClock(func() time.Time { return now }))

	s, err := m.EnsureSession(context.Background(), Teacher)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if !s.ExpiresAt.Equal(now.Add(20 * time.Minute)) {
		t.Fatalf("expected TTL expiry, got %v", s.ExpiresAt)
	}
}

func TestEnsureSession_RejectedCredentials(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	m := NewManager(cfg, &fakeAuth{token: "x", failOn: cfg.Teacher.Email})

	_, err := m.EnsureSession(context.Background(), Teacher)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T %v", err, err)
	}
	if authErr.Status != http.StatusUnauthorized || authErr.Role != Teacher {
		t.Fatalf("unexpected error detail: %+v", authErr)
	}
	if !errs.IsSetup(err) {
		t.Fatalf("authentication failures must count as setup errors")
	}
	if m.State(Teacher) != NoSession {
		t.Fatalf("expected no_session after failure, got %v", m.State(Teacher))
	}
}

func TestEnsureSession_RoleMismatch(t *testing.T) {
	t.Parallel()
	m := NewManager(config.Default(), &fakeAuth{token: "x", role: "student"})

	_, err := m.EnsureSession(context.Background(), Teacher)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestEnsureSession_WritesCanonicalKey(t *testing.T) {
	t.Parallel()
	page := htmlpage.New("http://critico.test")
	auth := &fakeAuth{token: "tok-123"}
	m := NewManager(config.Default(), auth).ForPage(page)
	ctx := context.Background()

	if _, err := m.EnsureSession(ctx, Teacher); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if v, ok, _ := page.LocalStorage(ctx, TokenKey); !ok || v != "tok-123" {
		t.Fatalf("expected %s=tok-123, got %q (present=%v)", TokenKey, v, ok)
	}
	if _, ok, _ := page.LocalStorage(ctx, LegacyTokenKey); ok {
		t.Fatalf("legacy key must never be written")
	}
}

func TestLogout_RemovesBothKeys(t *testing.T) {
	t.Parallel()
	page := htmlpage.New("http://critico.test")
	m := NewManager(config.Default(), &fakeAuth{token: "tok"}).ForPage(page)
	ctx := context.Background()

	if _, err := m.EnsureSession(ctx, Teacher); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	_ = page.SetLocalStorage(ctx, LegacyTokenKey, "old")

	if err := m.Logout(ctx, Teacher); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, ok, err := StoredToken(ctx, page); err != nil || ok {
		t.Fatalf("expected no token after logout (err=%v)", err)
	}
	if m.State(Teacher) != NoSession {
		t.Fatalf("expected no_session, got %v", m.State(Teacher))
	}
}

func TestStoredToken_LegacyKeyCounts(t *testing.T) {
	t.Parallel()
	page := htmlpage.New("http://critico.test")
	ctx := context.Background()
	_ = page.SetLocalStorage(ctx, LegacyTokenKey, "legacy")

	v, ok, err := StoredToken(ctx, page)
	if err != nil || !ok || v != "legacy" {
		t.Fatalf("expected legacy token to count as present, got %q %v %v", v, ok, err)
	}
}

func TestForPage_SharesCache(t *testing.T) {
	t.Parallel()
	auth := &fakeAuth{token: "shared"}
	m := NewManager(config.Default(), auth)
	ctx := context.Background()

	if _, err := m.EnsureSession(ctx, Student); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	page := htmlpage.New("http://critico.test")
	if _, err := m.ForPage(page).EnsureSession(ctx, Student); err != nil {
		t.Fatalf("page-bound EnsureSession failed: %v", err)
	}
	if auth.Calls() != 1 {
		t.Fatalf("expected one login across views, got %d", auth.Calls())
	}
}

// Against the stub backend: every role ends up with the acquired token stored.
func testEnsureSessionStoresToken(t *rapid.T, client *apiclient.Client) {
	role := rapid.SampledFrom([]Role{Teacher, Student}).Draw(t, "role")
	page := htmlpage.New("http://critico.test")
	m := NewManager(config.Default(), client).ForPage(page)

	s, err := m.EnsureSession(context.Background(), role)
	if err != nil {
		t.Fatalf("EnsureSession(%s) failed: %v", role, err)
	}
	got, ok, _ := page.LocalStorage(context.Background(), TokenKey)
	if !ok || got == "" || got != s.Token {
		t.Fatalf("storage holds %q, session token %q", got, s.Token)
	}
	if !s.ExpiresAt.After(s.AcquiredAt) {
		t.Fatalf("expiry %v not after acquisition %v", s.ExpiresAt, s.AcquiredAt)
	}
}

func TestEnsureSessionStoresToken(t *testing.T) {
	t.Parallel()
	app, err := stubapp.New(stubapp.Options{})
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	client := apiclient.New(srv.URL + "/api")

	rapid.Check(t, func(t *rapid.T) { testEnsureSessionStoresToken(t, client) })
}

func TestParseRole(t *testing.T) {
	t.Parallel()
	if r, err := ParseRole("student"); err != nil || r != Student {
		t.Fatalf("ParseRole(student) = %v, %v", r, err)
	}
	if _, err := ParseRole("admin"); errs.CodeOf(err) != errs.InvalidConfig {
		t.Fatalf("expected invalid_config, got %v", err)
	}
}
