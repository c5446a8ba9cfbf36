// Package browser abstracts the single page a test drives. Drivers exist for
// playwright-go and chromedp; htmlpage provides an offline implementation for
// unit tests.
package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrDetached reports that the element targeted by an action left the DOM
// between resolution and the action.
var ErrDetached = errors.New("element detached from the DOM")

// ErrNoMatch reports that a query matched nothing at action time.
var ErrNoMatch = errors.New("no element matches query")

// Query selects elements in the current document. CSS picks candidates (all
// elements when empty); Text, when set, keeps only the innermost candidates
// whose text content matches. Scope restricts the search to the subtree of the
// first element matching it. Actions always target the first match.
type Query struct {
	Scope string
	CSS   string
	Text  *regexp.Regexp
}

func (q Query) String() string {
	var b strings.Builder
	if q.Scope != "" {
		fmt.Fprintf(&b, "%s >> ", q.Scope)
	}
	switch {
	case q.Text != nil && q.CSS != "":
		fmt.Fprintf(&b, "%s:text(/%s/)", q.CSS, q.Text)
	case q.Text != nil:
		fmt.Fprintf(&b, "text(/%s/)", q.Text)
	default:
		b.WriteString(q.CSS)
	}
	return b.String()
}

// Page is one browser tab.
type Page interface {
	// Goto loads url and waits for DOMContentLoaded.
	Goto(ctx context.Context, url string) error
	// URL returns the current location.
	URL(ctx context.Context) (string, error)

	// Count returns how many elements match q right now.
	Count(ctx context.Context, q Query) (int, error)
	// WaitActionable blocks until the first match of q is visible and enabled
	// or ctx is done.
	WaitActionable(ctx context.Context, q Query) error

	Click(ctx context.Context, q Query) error
	Fill(ctx context.Context, q Query, value string) error
	// Submit submits the form that owns the first match of q.
	Submit(ctx context.Context, q Query) error
	SelectOption(ctx context.Context, q Query, value string) error
	ScrollIntoView(ctx context.Context, q Query) error

	// Content returns the serialized document.
	Content(ctx context.Context) (string, error)
	// Text returns the rendered text of the document body.
	Text(ctx context.Context) (string, error)

	Storage
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Storage is the page's local storage.
type Storage interface {
	LocalStorage(ctx context.Context, key string) (string, bool, error)
	SetLocalStorage(ctx context.Context, key, value string) error
	RemoveLocalStorage(ctx context.Context, key string) error
}

// JSPattern converts a Go regexp into JavaScript RegExp source and flags. Only
// a leading (?i) or (?s) flag group is translated; the rest of the syntax is
// shared by both engines for the patterns the selector registry uses.
func JSPattern(re *regexp.Regexp) (source, flags string) {
	source = re.String()
	if strings.HasPrefix(source, "(?") {
		if end := strings.Index(source, ")"); end > 2 {
			group := source[2:end]
			if strings.Trim(group, "is") == "" {
				flags = group
				source = source[end+1:]
			}
		}
	}
	return source, flags
}
