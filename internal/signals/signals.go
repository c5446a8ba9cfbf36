// Package signals implements tolerant assertions over page snapshots. An
// outcome is accepted when any of several signals holds, so copy changes in
// the application or non-deterministic AI wording do not fail a test. Numeric
// invariants such as the bias score range are checked strictly.
package signals

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kuitang/critico-e2e/internal/browser"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/selectors"
	"github.com/kuitang/critico-e2e/internal/urlutil"
)

const excerptLen = 240

// Snapshot is the page state observed at one instant.
type Snapshot struct {
	URL     string
	Text    string
	Storage map[string]string

	doc  *goquery.Document
	norm string
}

// NewSnapshot builds a snapshot from serialized HTML. When text is empty it is
// derived from the document body.
func NewSnapshot(rawURL, html, text string, storage map[string]string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	if text == "" {
		body := doc.Find("body").Clone()
		body.Find("script, style").Remove()
		text = strings.Join(strings.Fields(body.Text()), " ")
	}
	if storage == nil {
		storage = map[string]string{}
	}
	return &Snapshot{URL: rawURL, Text: text, Storage: storage, doc: doc, norm: normalize(text)}, nil
}

// Capture snapshots page, reading the given local-storage keys.
func Capture(ctx context.Context, page browser.Page, storageKeys ...string) (*Snapshot, error) {
	rawURL, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture url: %w", err)
	}
	html, err := page.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture content: %w", err)
	}
	text, err := page.Text(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture text: %w", err)
	}
	storage := make(map[string]string, len(storageKeys))
	for _, k := range storageKeys {
		v, ok, err := page.LocalStorage(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("capture storage %s: %w", k, err)
		}
		if ok {
			storage[k] = v
		}
	}
	return NewSnapshot(rawURL, html, text, storage)
}

// Document exposes the parsed page.
func (s *Snapshot) Document() *goquery.Document { return s.doc }

// Excerpt returns the start of the page text.
func (s *Snapshot) Excerpt() string { return excerpt(s.Text) }

// Signal is a named predicate over a snapshot.
type Signal struct {
	Name  string
	match func(*Snapshot) bool
}

// Holds reports whether the signal matches s.
func (sig Signal) Holds(s *Snapshot) bool { return sig.match != nil && sig.match(s) }

// Contains matches phrase in the page text, ignoring case, diacritics and
// whitespace differences.
func Contains(phrase string) Signal {
	want := normalize(phrase)
	return Signal{
		Name:  fmt.Sprintf("text contains %q", phrase),
		match: func(s *Snapshot) bool { return want != "" && strings.Contains(s.norm, want) },
	}
}

// Matches matches re against the raw page text.
func Matches(re *regexp.Regexp) Signal {
	return Signal{
		Name:  fmt.Sprintf("text matches /%s/", re),
		match: func(s *Snapshot) bool { return re.MatchString(s.Text) },
	}
}

// Element matches when css selects at least one element.
func Element(css string) Signal {
	return Signal{
		Name:  "element " + css,
		match: func(s *Snapshot) bool { return s.doc.Find(css).Length() > 0 },
	}
}

// Selector matches when any registry strategy for module.element selects an
// element. Unknown selectors never match.
func Selector(reg *selectors.Registry, module, element string) Signal {
	strategies, err := reg.Resolve(module, element)
	return Signal{
		Name: "selector " + module + "." + element,
		match: func(s *Snapshot) bool {
			if err != nil {
				return false
			}
			for _, st := range strategies {
				if countStrategy(s.doc, st) > 0 {
					return true
				}
			}
			return false
		},
	}
}

// TextOf returns the normalized-space text of the first element that the
// registry strategies for module.element select, trying strategies in order.
func (s *Snapshot) TextOf(reg *selectors.Registry, module, element string) (string, bool) {
	strategies, err := reg.Resolve(module, element)
	if err != nil {
		return "", false
	}
	for _, st := range strategies {
		if sel := selectStrategy(s.doc, st); sel.Length() > 0 {
			return strings.Join(strings.Fields(sel.First().Text()), " "), true
		}
	}
	return "", false
}

func countStrategy(doc *goquery.Document, st selectors.Strategy) int {
	return selectStrategy(doc, st).Length()
}

func selectStrategy(doc *goquery.Document, st selectors.Strategy) *goquery.Selection {
	switch st.Kind {
	case selectors.KindText:
		css := st.Tag
		if css == "" {
			css = "*"
		}
		hit := func(_ int, sel *goquery.Selection) bool { return st.Pattern.MatchString(sel.Text()) }
		return doc.Find(css).FilterFunction(func(i int, sel *goquery.Selection) bool {
			return hit(i, sel) && sel.Find(css).FilterFunction(hit).Length() == 0
		})
	default:
		return doc.Find(st.Selector)
	}
}

// StorageKey matches when any of keys is present in the captured local
// storage with a non-empty value.
func StorageKey(keys ...string) Signal {
	return Signal{
		Name: "storage has " + strings.Join(keys, " or "),
		match: func(s *Snapshot) bool {
			for _, k := range keys {
				if s.Storage[k] != "" {
					return true
				}
			}
			return false
		},
	}
}

// Path matches when the snapshot URL path equals path.
func Path(path string) Signal {
	return Signal{
		Name:  "path is " + path,
		match: func(s *Snapshot) bool { return urlutil.PathMatches(s.URL, path) },
	}
}

// Not inverts sig.
func Not(sig Signal) Signal {
	return Signal{
		Name:  "not " + sig.Name,
		match: func(s *Snapshot) bool { return !sig.Holds(s) },
	}
}

// Result records one tolerant check.
type Result struct {
	Matched bool
	Signal  string   // first matching signal
	Checked []string // every signal evaluated, in order
	Excerpt string
	URL     string
}

// ExpectAnySignal evaluates signals in order and reports the first that holds.
func ExpectAnySignal(s *Snapshot, signals ...Signal) Result {
	res := Result{Excerpt: s.Excerpt(), URL: s.URL}
	for _, sig := range signals {
		res.Checked = append(res.Checked, sig.Name)
		if sig.Holds(s) {
			res.Matched = true
			res.Signal = sig.Name
			return res
		}
	}
	return res
}

// AssertionError is a failed expectation, carrying what was checked and what
// the page showed instead.
type AssertionError struct {
	What     string
	Checked  []string
	Observed string
	URL      string
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "expected %s", e.What)
	if len(e.Checked) > 0 {
		fmt.Fprintf(&b, "; checked [%s]", strings.Join(e.Checked, "; "))
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "; at %s", e.URL)
	}
	fmt.Fprintf(&b, "; observed %q", e.Observed)
	return b.String()
}

func (e *AssertionError) ErrorCode() errs.Code { return errs.Assertion }

// Expect fails with AssertionError unless one of signals holds.
func Expect(s *Snapshot, what string, signals ...Signal) error {
	res := ExpectAnySignal(s, signals...)
	if res.Matched {
		return nil
	}
	return &AssertionError{What: what, Checked: res.Checked, Observed: res.Excerpt, URL: res.URL}
}

// Waiter re-captures a page until a signal holds.
type Waiter struct {
	Page        browser.Page
	StorageKeys []string
	Poll        time.Duration
}

// Await captures the page every w.Poll until one of signals holds or timeout
// elapses. The last snapshot is returned either way.
func (w Waiter) Await(ctx context.Context, what string, timeout time.Duration, signals ...Signal) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poll := w.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var (
		last *Snapshot
		res  Result
	)
	for {
		snap, err := Capture(ctx, w.Page, w.StorageKeys...)
		if err == nil {
			last = snap
			res = ExpectAnySignal(snap, signals...)
			if res.Matched {
				obs.From(ctx).Debug("signal_matched", "what", what, "signal", res.Signal)
				return snap, nil
			}
		}
		select {
		case <-ctx.Done():
			if last == nil {
				return nil, fmt.Errorf("await %s: %w", what, ctx.Err())
			}
			return last, &AssertionError{What: what + " within " + timeout.String(), Checked: res.Checked, Observed: res.Excerpt, URL: res.URL}
		case <-ticker.C:
		}
	}
}

// ExpectOrder fails unless needles appear in the page text in the given order,
// each after the end of the previous one.
func ExpectOrder(s *Snapshot, needles ...string) error {
	rest := s.norm
	for i, n := range needles {
		want := normalize(n)
		idx := strings.Index(rest, want)
		if idx < 0 {
			return &AssertionError{
				What:     fmt.Sprintf("%q in position %d of %q", n, i+1, needles),
				Observed: s.Excerpt(),
				URL:      s.URL,
			}
		}
		rest = rest[idx+len(want):]
	}
	return nil
}

// ExpectElementOrder fails unless the texts of the elements matched by css
// contain needles in order, one element per needle.
func ExpectElementOrder(s *Snapshot, css string, needles ...string) error {
	var texts []string
	s.doc.Find(css).Each(func(_ int, sel *goquery.Selection) {
		texts = append(texts, normalize(sel.Text()))
	})
	j := 0
	for _, t := range texts {
		if j < len(needles) && strings.Contains(t, normalize(needles[j])) {
			j++
		}
	}
	if j == len(needles) {
		return nil
	}
	return &AssertionError{
		What:     fmt.Sprintf("%s items ordered as %q", css, needles),
		Checked:  []string{fmt.Sprintf("%d elements matched %s", len(texts), css)},
		Observed: strings.Join(texts, " | "),
		URL:      s.URL,
	}
}
