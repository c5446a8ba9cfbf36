package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type opener func(t *testing.T) Ledger

func implementations() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Ledger { return NewMemory() },
		"sqlite": func(t *testing.T) Ledger {
			t.Helper()
			l, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
	}
}

func entry(scope string, kind Kind, id string) Entry {
	return Entry{
		Scope:     scope,
		Kind:      kind,
		ID:        id,
		Role:      "teacher",
		Path:      fmt.Sprintf("/%ss/%s", kind, id),
		Title:     "T-" + id,
		CreatedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
}

func TestLedger_PendingIsNewestFirst(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()
			for i, kind := range []Kind{KindCourse, KindTopic, KindText, KindQuestion} {
				if _, err := l.Record(ctx, entry("run1", kind, fmt.Sprint(i+1))); err != nil {
					t.Fatalf("Record failed: %v", err)
				}
			}
			if _, err := l.Record(ctx, entry("run2", KindCourse, "99")); err != nil {
				t.Fatalf("Record failed: %v", err)
			}

			pending, err := l.Pending(ctx, "run1")
			if err != nil {
				t.Fatalf("Pending failed: %v", err)
			}
			var got []Kind
			for _, e := range pending {
				got = append(got, e.Kind)
			}
			want := []Kind{KindQuestion, KindText, KindTopic, KindCourse}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("pending order = %v, want %v", got, want)
			}
		})
	}
}

func TestLedger_MarkDeleted(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()
			a, _ := l.Record(ctx, entry("run", KindCourse, "1"))
			b, _ := l.Record(ctx, entry("run", KindTopic, "2"))

			at := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)
			if err := l.MarkDeleted(ctx, "run", b.Seq, at); err != nil {
				t.Fatalf("MarkDeleted failed: %v", err)
			}
			if err := l.MarkDeleted(ctx, "run", b.Seq, at.Add(time.Hour)); err != nil {
				t.Fatalf("second MarkDeleted failed: %v", err)
			}
			pending, _ := l.Pending(ctx, "run")
			if len(pending) != 1 || pending[0].Seq != a.Seq {
				t.Fatalf("expected only the course pending, got %+v", pending)
			}

			all, _ := l.Entries(ctx, "run")
			if len(all) != 2 || !all[1].DeletedAt.Equal(at) {
				t.Fatalf("expected first deletion time kept, got %+v", all)
			}
			if err := l.MarkDeleted(ctx, "run", 12345, at); !errors.Is(err, ErrUnknownEntry) {
				t.Fatalf("expected ErrUnknownEntry, got %v", err)
			}
		})
	}
}

func TestLedger_ScopesListOnlyPending(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()
			done, _ := l.Record(ctx, entry("done", KindCourse, "1"))
			_, _ = l.Record(ctx, entry("open", KindCourse, "2"))
			_ = l.MarkDeleted(ctx, "done", done.Seq, time.Now())

			scopes, err := l.Scopes(ctx)
			if err != nil {
				t.Fatalf("Scopes failed: %v", err)
			}
			if len(scopes) != 1 || scopes[0] != "open" {
				t.Fatalf("expected [open], got %v", scopes)
			}
		})
	}
}

func TestLedger_RejectsIncompleteEntries(t *testing.T) {
	for name, open := range implementations() {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			e := entry("run", KindCourse, "1")
			e.Path = ""
			if _, err := l.Record(context.Background(), e); err == nil {
				t.Fatalf("expected error for entry without delete path")
			}
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if _, err := l.Record(ctx, entry("crashed", KindCourse, "7")); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	_ = l.Close()

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	pending, err := reopened.Pending(ctx, "crashed")
	if err != nil || len(pending) != 1 || pending[0].ID != "7" {
		t.Fatalf("expected entry to survive reopen, got %+v (%v)", pending, err)
	}
}

func testMemorySeqIncreases(t *rapid.T) {
	l := NewMemory()
	n := rapid.IntRange(1, 30).Draw(t, "n")
	var last int64
	for i := 0; i < n; i++ {
		e, err := l.Record(context.Background(), entry("s", KindCourse, fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if e.Seq <= last {
			t.Fatalf("seq %d not greater than %d", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestMemorySeqIncreases(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testMemorySeqIncreases)
}
