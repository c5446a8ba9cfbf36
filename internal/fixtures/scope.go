package fixtures

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/critico-e2e/internal/ledger"
)

// Scope is one run's fixture namespace: a short token embedded in every
// generated title plus the ledger of created entities.
type Scope struct {
	Token  string
	Ledger ledger.Ledger

	mu   sync.Mutex
	last int64
	now  func() time.Time
	ids  map[string]ledger.Kind
}

// NewScope returns a scope with a fresh token.
func NewScope(l ledger.Ledger) *Scope {
	return ScopeFor(NewToken(), l)
}

// ScopeFor reopens an existing run token, for cleanup of an earlier run.
func ScopeFor(token string, l ledger.Ledger) *Scope {
	return &Scope{Token: token, Ledger: l, now: time.Now}
}

// NewToken returns an 8-hex-character run token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// stamp returns a nanosecond timestamp strictly greater than any earlier one
// from this scope.
func (s *Scope) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixNano()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}

// claim registers id as issued for kind. It returns false, with the kind it
// was first issued for, when any orchestrator sharing this scope saw it before.
func (s *Scope) claim(id string, kind ledger.Kind) (ledger.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, dup := s.ids[id]; dup {
		return prev, false
	}
	if s.ids == nil {
		s.ids = make(map[string]ledger.Kind)
	}
	s.ids[id] = kind
	return kind, true
}

// Title suffixes base with the run token and a timestamp, e.g.
// "Lógica 3f9a02bc-1760875200000000000".
func (s *Scope) Title(base string) string {
	return fmt.Sprintf("%s %s-%d", strings.TrimSpace(base), s.Token, s.stamp())
}

// Owns reports whether title was generated by this scope.
func (s *Scope) Owns(title string) bool {
	return strings.Contains(title, " "+s.Token+"-")
}
