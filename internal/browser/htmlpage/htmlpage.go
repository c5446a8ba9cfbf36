// Package htmlpage is an offline browser.Page backed by goquery. Pages are
// served from registered routes; scripts never run, so dynamic behavior is
// supplied through action handlers and scheduled mutations.
package htmlpage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/kuitang/critico-e2e/internal/browser"
)

const notFoundHTML = `<html><head><title>404</title></head><body><h1>Not Found</h1></body></html>`

// ActionFunc reacts to an action on el. value is the typed or selected value.
type ActionFunc func(p *Page, el *goquery.Selection, value string) error

// Event records one action performed on the page.
type Event struct {
	Op    string
	Query string
	Value string
}

type guard struct {
	prefix   string
	key      string
	redirect string
}

// Page implements browser.Page over static HTML.
type Page struct {
	mu       sync.Mutex
	base     *url.URL
	current  string
	doc      *goquery.Document
	routes   map[string]string
	guards   []guard
	storage  map[string]string
	handlers map[string]ActionFunc
	detach   map[string]int
	events   []Event
	timers   []*time.Timer
	closed   bool
}

var _ browser.Page = (*Page)(nil)

// New returns an empty page rooted at baseURL.
func New(baseURL string) *Page {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" {
		base = &url.URL{Scheme: "http", Host: "localhost"}
	}
	p := &Page{
		base:     base,
		routes:   make(map[string]string),
		storage:  make(map[string]string),
		handlers: make(map[string]ActionFunc),
		detach:   make(map[string]int),
	}
	p.load(base.String(), "<html><body></body></html>")
	return p
}

// Route serves html for path.
func (p *Page) Route(path, html string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[path] = html
	return p
}

// Guard redirects navigation under prefix to redirect while key is absent from
// local storage, the way the application's client-side route guard does.
func (p *Page) Guard(prefix, key, redirect string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guards = append(p.guards, guard{prefix: prefix, key: key, redirect: redirect})
	return p
}

// Handle installs fn for op ("click", "fill", "submit", "select", "scroll").
func (p *Page) Handle(op string, fn ActionFunc) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[op] = fn
	return p
}

// DetachNext makes the next n actions of op fail with browser.ErrDetached.
func (p *Page) DetachNext(op string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detach[op] += n
}

// SetHTML replaces the document without changing the URL.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load(p.current, html)
}

// SetHTMLAfter replaces the document after d.
func (p *Page) SetHTMLAfter(d time.Duration, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers = append(p.timers, time.AfterFunc(d, func() { p.SetHTML(html) }))
}

// Events returns the actions performed so far.
func (p *Page) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Document exposes the current document to handlers. Callers must not retain it
// across SetHTML.
func (p *Page) Document() *goquery.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

func (p *Page) load(rawURL, html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(notFoundHTML))
	}
	p.current = rawURL
	p.doc = doc
}

func (p *Page) resolve(target string) *url.URL {
	ref, err := url.Parse(target)
	if err != nil {
		return p.base
	}
	if cur, err := url.Parse(p.current); err == nil {
		return cur.ResolveReference(ref)
	}
	return p.base.ResolveReference(ref)
}

func (p *Page) navigate(target string) {
	u := p.resolve(target)
	for _, g := range p.guards {
		if strings.HasPrefix(u.Path, g.prefix) {
			if _, ok := p.storage[g.key]; !ok {
				u = p.resolve(g.redirect)
				break
			}
		}
	}
	html, ok := p.routes[u.Path]
	if !ok {
		html = notFoundHTML
	}
	p.load(u.String(), html)
}

func (p *Page) Goto(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page closed")
	}
	p.navigate(rawURL)
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

// match returns the elements q selects in the current document.
func (p *Page) match(q browser.Query) *goquery.Selection {
	root := p.doc.Selection
	if q.Scope != "" {
		root = p.doc.Find(q.Scope).First()
	}
	css := q.CSS
	if css == "" {
		css = "*"
	}
	candidates := root.Find(css)
	if q.Text == nil {
		return candidates
	}
	hit := func(_ int, s *goquery.Selection) bool { return q.Text.MatchString(s.Text()) }
	return candidates.FilterFunction(func(i int, s *goquery.Selection) bool {
		if !hit(i, s) {
			return false
		}
		inner := s.Find(css).FilterFunction(hit)
		return inner.Length() == 0
	})
}

func (p *Page) Count(ctx context.Context, q browser.Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.match(q).Length(), nil
}

func actionable(s *goquery.Selection) bool {
	if s.Length() == 0 {
		return false
	}
	if _, disabled := s.Attr("disabled"); disabled {
		return false
	}
	for n := s; n.Length() > 0; n = n.Parent() {
		if _, hidden := n.Attr("hidden"); hidden {
			return false
		}
		style, _ := n.Attr("style")
		if strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none") {
			return false
		}
	}
	return true
}

func (p *Page) WaitActionable(ctx context.Context, q browser.Query) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		ok := actionable(p.match(q).First())
		p.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// act runs op against the first match of q: first the detach simulation, then
// the default behavior, then any installed handler.
func (p *Page) act(ctx context.Context, op string, q browser.Query, value string, builtin func(el *goquery.Selection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.detach[op] > 0 {
		p.detach[op]--
		p.mu.Unlock()
		return fmt.Errorf("%s %s: %w", op, q, browser.ErrDetached)
	}
	el := p.match(q).First()
	if el.Length() == 0 {
		p.mu.Unlock()
		return fmt.Errorf("%s %s: %w", op, q, browser.ErrNoMatch)
	}
	p.events = append(p.events, Event{Op: op, Query: q.String(), Value: value})
	if builtin != nil {
		if err := builtin(el); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	fn := p.handlers[op]
	p.mu.Unlock()

	if fn != nil {
		return fn(p, el, value)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, q browser.Query) error {
	return p.act(ctx, "click", q, "", func(el *goquery.Selection) error {
		if href, ok := el.Attr("href"); ok && goquery.NodeName(el) == "a" {
			p.navigate(href)
		}
		return nil
	})
}

func (p *Page) Fill(ctx context.Context, q browser.Query, value string) error {
	return p.act(ctx, "fill", q, value, func(el *goquery.Selection) error {
		switch goquery.NodeName(el) {
		case "input":
			el.SetAttr("value", value)
		case "textarea":
			el.SetText(value)
		default:
			return fmt.Errorf("fill %s: element <%s> is not editable", q, goquery.NodeName(el))
		}
		return nil
	})
}

func (p *Page) Submit(ctx context.Context, q browser.Query) error {
	return p.act(ctx, "submit", q, "", func(el *goquery.Selection) error {
		if goquery.NodeName(el) != "form" && el.Closest("form").Length() == 0 {
			return fmt.Errorf("submit %s: element is not inside a form", q)
		}
		return nil
	})
}

func (p *Page) SelectOption(ctx context.Context, q browser.Query, value string) error {
	return p.act(ctx, "select", q, value, func(el *goquery.Selection) error {
		options := el.Find("option")
		found := false
		options.Each(func(_ int, o *goquery.Selection) {
			v, ok := o.Attr("value")
			if !ok {
				v = strings.TrimSpace(o.Text())
			}
			if v == value || strings.TrimSpace(o.Text()) == value {
				o.SetAttr("selected", "selected")
				found = true
			} else {
				o.RemoveAttr("selected")
			}
		})
		if !found {
			return fmt.Errorf("select %s: no option %q", q, value)
		}
		return nil
	})
}

func (p *Page) ScrollIntoView(ctx context.Context, q browser.Query) error {
	return p.act(ctx, "scroll", q, "", nil)
}

func (p *Page) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Html()
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body := p.doc.Find("body").Clone()
	body.Find("script, style").Remove()
	return strings.Join(strings.Fields(body.Text()), " "), nil
}

func (p *Page) LocalStorage(ctx context.Context, key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.storage[key]
	return v, ok, nil
}

func (p *Page) SetLocalStorage(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage[key] = value
	return nil
}

func (p *Page) RemoveLocalStorage(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.storage, key)
	return nil
}

// Screenshot returns a 1x1 PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.timers {
		t.Stop()
	}
	p.closed = true
	return nil
}
