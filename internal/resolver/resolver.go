// Package resolver turns semantic element names into live element queries by
// trying the registry's strategies in priority order until one matches.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/critico-e2e/internal/browser"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/selectors"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Querier counts matches in the current document.
type Querier interface {
	Count(ctx context.Context, q browser.Query) (int, error)
}

// FindOptions bounds and scopes a lookup.
type FindOptions struct {
	Timeout time.Duration // zero: resolver default
	Scope   string        // CSS selector of the subtree to search
}

// Handle is a resolved element: the strategy that matched and the query that
// reproduces the match.
type Handle struct {
	Module   string
	Element  string
	Strategy selectors.Strategy
	Query    browser.Query
	Count    int
}

func (h Handle) String() string {
	return fmt.Sprintf("%s.%s via %s", h.Module, h.Element, h.Strategy)
}

// ElementNotFoundError reports that no strategy matched before the timeout.
type ElementNotFoundError struct {
	Module    string
	Element   string
	Scope     string
	Attempted []selectors.Strategy
	Timeout   time.Duration
	Err       error // last driver error, if any
}

func (e *ElementNotFoundError) Error() string {
	attempted := make([]string, len(e.Attempted))
	for i, s := range e.Attempted {
		attempted[i] = s.String()
	}
	msg := fmt.Sprintf("element %s.%s not found within %s; attempted: [%s]",
		e.Module, e.Element, e.Timeout, strings.Join(attempted, "; "))
	if e.Scope != "" {
		msg += " within " + e.Scope
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ElementNotFoundError) Unwrap() error { return e.Err }

func (e *ElementNotFoundError) ErrorCode() errs.Code { return errs.ElementNotFound }

// Resolver finds elements on one page.
type Resolver struct {
	registry *selectors.Registry
	page     Querier
	timeout  time.Duration
	poll     time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout sets the default lookup timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithPollInterval sets the delay between strategy rounds.
func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) { r.poll = d }
}

// New returns a resolver over registry and page.
func New(registry *selectors.Registry, page Querier, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		page:     page,
		timeout:  DefaultTimeout,
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueryFor converts a strategy into a page query.
func QueryFor(s selectors.Strategy, scope string) browser.Query {
	q := browser.Query{Scope: scope}
	switch s.Kind {
	case selectors.KindText:
		q.CSS = s.Tag
		q.Text = s.Pattern
	default:
		q.CSS = s.Selector
	}
	return q
}

// Find polls the strategies for module.element in priority order until one
// matches at least one element. Within a round the first matching strategy
// wins and later ones are not queried. The returned handle guarantees
// existence only, not visibility.
func (r *Resolver) Find(ctx context.Context, module, element string, opts FindOptions) (Handle, error) {
	strategies, err := r.registry.Resolve(module, element)
	if err != nil {
		return Handle{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := obs.From(ctx).With("module", module, "element", element)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var lastErr error
	for round := 1; ; round++ {
		for i, s := range strategies {
			q := QueryFor(s, opts.Scope)
			n, err := r.page.Count(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				lastErr = err
				continue
			}
			if n > 0 {
				if i > 0 {
					logger.Info("selector_fallback", "strategy", s.String(), "priority", i, "round", round)
				}
				return Handle{Module: module, Element: element, Strategy: s, Query: q, Count: n}, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) && lastErr == nil {
				lastErr = ctx.Err()
			}
			return Handle{}, &ElementNotFoundError{
				Module:    module,
				Element:   element,
				Scope:     opts.Scope,
				Attempted: strategies,
				Timeout:   timeout,
				Err:       lastErr,
			}
		case <-ticker.C:
		}
	}
}

// Exists reports whether module.element resolves within opts. Unknown
// selectors are still returned as errors.
func (r *Resolver) Exists(ctx context.Context, module, element string, opts FindOptions) (bool, error) {
	_, err := r.Find(ctx, module, element, opts)
	var notFound *ElementNotFoundError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &notFound):
		return false, nil
	default:
		return false, err
	}
}
