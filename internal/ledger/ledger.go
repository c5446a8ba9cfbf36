// Package ledger records every fixture entity a run creates, so cleanup can
// delete them in reverse order even after the creating process is gone.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Kind is a fixture entity type.
type Kind string

const (
	KindCourse     Kind = "course"
	KindTopic      Kind = "topic"
	KindText       Kind = "text"
	KindQuestion   Kind = "question"
	KindEnrollment Kind = "enrollment"
	KindAnswer     Kind = "answer"
)

// ErrUnknownEntry is returned by MarkDeleted for a sequence number the ledger
// never issued in that scope.
var ErrUnknownEntry = errors.New("ledger: unknown entry")

// Entry is one created entity.
type Entry struct {
	Seq       int64 // assigned by Record, increasing in creation order
	Scope     string
	Kind      Kind
	ID        string
	Role      string // role whose session created, and therefore deletes, the entity
	Path      string // API path that deletes it, e.g. /courses/42
	Title     string
	CreatedAt time.Time
	DeletedAt time.Time // zero while pending
}

// Pending reports whether the entity has not been deleted yet.
func (e Entry) Pending() bool { return e.DeletedAt.IsZero() }

// Ledger stores entries per run scope. Implementations are safe for
// concurrent use.
type Ledger interface {
	// Record stores e and returns it with Seq assigned.
	Record(ctx context.Context, e Entry) (Entry, error)
	// Pending lists the scope's undeleted entries, newest first.
	Pending(ctx context.Context, scope string) ([]Entry, error)
	// Entries lists every entry of the scope in creation order.
	Entries(ctx context.Context, scope string) ([]Entry, error)
	MarkDeleted(ctx context.Context, scope string, seq int64, at time.Time) error
	// Scopes lists scopes that still have pending entries.
	Scopes(ctx context.Context) ([]string, error)
	Close() error
}

// Open returns a SQLite ledger at path, or an in-memory one when path is empty.
func Open(ctx context.Context, path string) (Ledger, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenSQLite(ctx, path)
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, e Entry) (Entry, error) {
	if err := validate(e); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	e.DeletedAt = time.Time{}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *Memory) Pending(_ context.Context, scope string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.Scope == scope && e.Pending() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Entries(_ context.Context, scope string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Scope == scope {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) MarkDeleted(_ context.Context, scope string, seq int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].Scope == scope && m.entries[i].Seq == seq {
			if m.entries[i].Pending() {
				m.entries[i].DeletedAt = at
			}
			return nil
		}
	}
	return ErrUnknownEntry
}

func (m *Memory) Scopes(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		if e.Pending() && !seen[e.Scope] {
			seen[e.Scope] = true
			out = append(out, e.Scope)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func validate(e Entry) error {
	switch {
	case e.Scope == "":
		return errors.New("ledger: entry has no scope")
	case e.ID == "":
		return errors.New("ledger: entry has no id")
	case e.Path == "":
		return errors.New("ledger: entry has no delete path")
	}
	return nil
}
