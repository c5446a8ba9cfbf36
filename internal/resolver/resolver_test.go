package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kuitang/critico-e2e/internal/browser"
	"github.com/kuitang/critico-e2e/internal/browser/htmlpage"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/selectors"
)

// recordingQuerier answers Count from a fixed table and records every query.
type recordingQuerier struct {
	mu      sync.Mutex
	counts  map[string]int
	queries []string
}

func (q *recordingQuerier) Count(ctx context.Context, query browser.Query) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, query.CSS)
	return q.counts[query.CSS], nil
}

func (q *recordingQuerier) seen() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queries...)
}

func newResolver(page Querier) *Resolver {
	return New(selectors.Default(), page, WithTimeout(200*time.Millisecond), WithPollInterval(10*time.Millisecond))
}

// Primary attribute selector present: fallback is never queried.
func TestFind_PrimaryWins(t *testing.T) {
	t.Parallel()

	q := &recordingQuerier{counts: map[string]int{
		`[data-cy="email-input"]`: 1,
		`input[type="email"]`:     1,
	}}
	h, err := newResolver(q).Find(context.Background(), "auth", "emailInput", FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if h.Strategy.Kind != selectors.KindAttribute {
		t.Fatalf("resolved via %s, want attribute", h.Strategy)
	}
	for _, css := range q.seen() {
		if css == `input[type="email"]` {
			t.Fatal("fallback strategy was queried although the primary matched")
		}
	}
}

func TestFind_FallsBackToCSS(t *testing.T) {
	t.Parallel()

	q := &recordingQuerier{counts: map[string]int{`input[type="email"]`: 1}}
	h, err := newResolver(q).Find(context.Background(), "auth", "emailInput", FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if h.Query.CSS != `input[type="email"]` {
		t.Fatalf("resolved query = %s", h.Query)
	}
	seen := q.seen()
	if len(seen) < 2 || seen[0] != `[data-cy="email-input"]` || seen[1] != `input[type="email"]` {
		t.Fatalf("strategies queried out of order: %v", seen)
	}
}

func TestFind_NotFoundListsEveryStrategy(t *testing.T) {
	t.Parallel()

	q := &recordingQuerier{counts: map[string]int{}}
	_, err := newResolver(q).Find(context.Background(), "auth", "emailInput", FindOptions{Timeout: 50 * time.Millisecond})

	var notFound *ElementNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *ElementNotFoundError, got %T: %v", err, err)
	}
	if len(notFound.Attempted) != 2 {
		t.Fatalf("attempted %d strategies, want 2", len(notFound.Attempted))
	}
	for _, want := range []string{`[data-cy="email-input"]`, `input[type="email"]`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
	if errs.CodeOf(err) != errs.ElementNotFound {
		t.Fatalf("CodeOf = %s", errs.CodeOf(err))
	}
}

func TestFind_UnknownSelectorFailsImmediately(t *testing.T) {
	t.Parallel()

	q := &recordingQuerier{}
	start := time.Now()
	_, err := newResolver(q).Find(context.Background(), "auth", "fingerprintReader", FindOptions{Timeout: time.Second})
	if errs.CodeOf(err) != errs.UnknownSelector {
		t.Fatalf("expected unknown selector error, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("unknown selector should not wait for the timeout")
	}
	if len(q.seen()) != 0 {
		t.Fatal("page was queried for an unknown selector")
	}
}

func TestFind_WaitsForAsyncRender(t *testing.T) {
	t.Parallel()

	page := htmlpage.New("http://critico.test")
	page.SetHTML(`<html><body><div data-cy="loading">Cargando…</div></body></html>`)
	page.SetHTMLAfter(40*time.Millisecond, `<html><body><div data-cy="bias-results"><p data-cy="bias-score">Puntuación: 7/12</p></div></body></html>`)
	defer page.Close()

	h, err := newResolver(page).Find(context.Background(), "bias", "scoreDisplay", FindOptions{Scope: `[data-cy="bias-results"]`})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if h.Count != 1 || h.Query.Scope != `[data-cy="bias-results"]` {
		t.Fatalf("handle = %+v", h)
	}
}

func TestFind_TextStrategyOnLegacyMarkup(t *testing.T) {
	t.Parallel()

	page := htmlpage.New("http://critico.test")
	page.SetHTML(`<html><body><form><button type="button">Cancelar</button><button class="btn"> Entrar </button></form></body></html>`)

	// The form button fallback matches before text, so use a registry whose
	// only strategies are attribute and text.
	reg, err := selectors.Load([]byte(`version = "t"
[modules.auth]
loginButton = [{ attr = '[data-cy="login-button"]' }, { text = '(?i)^\s*entrar\s*$', tag = 'button' }]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	h, err := New(reg, page, WithTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond)).
		Find(context.Background(), "auth", "loginButton", FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if h.Strategy.Kind != selectors.KindText || h.Count != 1 {
		t.Fatalf("handle = %s count=%d", h, h.Count)
	}
}

// Whatever subset of strategies matches, the handle uses the highest-priority one.
func testFind_FirstMatchingStrategyWins(t *rapid.T) {
	reg := selectors.Default()
	module := rapid.SampledFrom(reg.Modules()).Draw(t, "module")
	element := rapid.SampledFrom(reg.Elements(module)).Draw(t, "element")
	strategies, _ := reg.Resolve(module, element)

	counts := map[string]int{}
	want := -1
	for i, s := range strategies {
		if s.Kind == selectors.KindText {
			continue
		}
		if rapid.Bool().Draw(t, "present") {
			counts[s.Selector] = rapid.IntRange(1, 5).Draw(t, "count")
			if want < 0 {
				want = i
			}
		}
	}
	if want < 0 {
		return
	}

	h, err := newResolver(&recordingQuerier{counts: counts}).Find(context.Background(), module, element, FindOptions{})
	if err != nil {
		t.Fatalf("Find(%s.%s): %v", module, element, err)
	}
	if h.Strategy.String() != strategies[want].String() {
		t.Fatalf("resolved via %s, want %s", h.Strategy, strategies[want])
	}
}

func TestFind_FirstMatchingStrategyWins(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testFind_FirstMatchingStrategyWins)
}

func TestExists(t *testing.T) {
	t.Parallel()

	q := &recordingQuerier{counts: map[string]int{`[data-cy="chat-transcript"]`: 1}}
	r := newResolver(q)
	ok, err := r.Exists(context.Background(), "chatbot", "transcript", FindOptions{Timeout: 20 * time.Millisecond})
	if err != nil || !ok {
		t.Fatalf("Exists transcript = %v, %v", ok, err)
	}
	ok, err = r.Exists(context.Background(), "chatbot", "botMessage", FindOptions{Timeout: 20 * time.Millisecond})
	if err != nil || ok {
		t.Fatalf("Exists botMessage = %v, %v", ok, err)
	}
	if _, err := r.Exists(context.Background(), "chatbot", "nope", FindOptions{}); err == nil {
		t.Fatal("expected unknown selector error")
	}
}
