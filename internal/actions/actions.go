// Package actions performs UI actions against resolved elements, waiting for
// each target to become actionable within a timeout chosen by action class.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/critico-e2e/internal/browser"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/resolver"
	"github.com/kuitang/critico-e2e/internal/urlutil"
)

// Kind is what an action does.
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindSubmit   Kind = "submit"
	KindSelect   Kind = "select"
	KindScroll   Kind = "scroll"
)

// Class selects the timeout an action waits under.
type Class int

const (
	// Default picks Navigation for navigate and Interaction otherwise.
	Default Class = iota
	Navigation
	Interaction
	// AIBacked covers text generation, bias analysis and chatbot replies.
	AIBacked
)

func (c Class) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case Interaction:
		return "interaction"
	case AIBacked:
		return "ai_backed"
	default:
		return "default"
	}
}

// Target names a registry element, optionally inside a scope.
type Target struct {
	Module  string
	Element string
	Scope   string
}

func (t Target) String() string {
	if t.Scope != "" {
		return fmt.Sprintf("%s.%s within %s", t.Module, t.Element, t.Scope)
	}
	return t.Module + "." + t.Element
}

// Action is one UI step.
type Action struct {
	Kind   Kind
	Target Target
	Path   string // navigate: route path or absolute URL
	Value  string // type: text; select: option value
	Class  Class
}

func (a Action) String() string {
	switch a.Kind {
	case KindNavigate:
		return "navigate " + a.Path
	case KindType, KindSelect:
		return fmt.Sprintf("%s %q into %s", a.Kind, a.Value, a.Target)
	default:
		return fmt.Sprintf("%s %s", a.Kind, a.Target)
	}
}

// Within restricts the target lookup to the subtree matching scope.
func (a Action) Within(scope string) Action {
	a.Target.Scope = scope
	return a
}

// As overrides the action class.
func (a Action) As(c Class) Action {
	a.Class = c
	return a
}

func Navigate(path string) Action { return Action{Kind: KindNavigate, Path: path} }

func Click(module, element string) Action {
	return Action{Kind: KindClick, Target: Target{Module: module, Element: element}}
}

func Type(module, element, value string) Action {
	return Action{Kind: KindType, Target: Target{Module: module, Element: element}, Value: value}
}

func Submit(module, element string) Action {
	return Action{Kind: KindSubmit, Target: Target{Module: module, Element: element}}
}

func Select(module, element, value string) Action {
	return Action{Kind: KindSelect, Target: Target{Module: module, Element: element}, Value: value}
}

func Scroll(module, element string) Action {
	return Action{Kind: KindScroll, Target: Target{Module: module, Element: element}}
}

// ActionTimeoutError means the target never became actionable, or the page
// never reached the awaited state, within the class timeout.
type ActionTimeoutError struct {
	Action  Action
	Class   Class
	Timeout time.Duration
	Stage   string // actionable, page load, path
	Detail  string
	Err     error
}

func (e *ActionTimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timed out waiting for %s after %s (%s class)", e.Action, e.Stage, e.Timeout, e.Class)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ActionTimeoutError) Unwrap() error { return e.Err }

func (e *ActionTimeoutError) ErrorCode() errs.Code { return errs.ActionTimeout }

// ActionRejectedError means the driver reported the action could not be done.
type ActionRejectedError struct {
	Action   Action
	Attempts int
	Err      error
}

func (e *ActionRejectedError) Error() string {
	return fmt.Sprintf("%s rejected after %d attempt(s): %v", e.Action, e.Attempts, e.Err)
}

func (e *ActionRejectedError) Unwrap() error { return e.Err }

func (e *ActionRejectedError) ErrorCode() errs.Code { return errs.ActionRejected }

// Runner performs actions on one page.
type Runner struct {
	page     browser.Page
	resolver *resolver.Resolver
	baseURL  string
	timeouts config.Timeouts
}

// NewRunner returns a runner for page. Routes are resolved against baseURL.
func NewRunner(page browser.Page, res *resolver.Resolver, baseURL string, timeouts config.Timeouts) *Runner {
	return &Runner{page: page, resolver: res, baseURL: baseURL, timeouts: timeouts}
}

// Page returns the driven page.
func (r *Runner) Page() browser.Page { return r.page }

// Resolver returns the element resolver.
func (r *Runner) Resolver() *resolver.Resolver { return r.resolver }

// Timeout returns the wait bound of class c.
func (r *Runner) Timeout(c Class) time.Duration {
	switch c {
	case Navigation:
		return r.timeouts.Navigation
	case AIBacked:
		return r.timeouts.AIBacked
	default:
		return r.timeouts.Interaction
	}
}

func classOf(a Action) Class {
	if a.Class != Default {
		return a.Class
	}
	if a.Kind == KindNavigate {
		return Navigation
	}
	return Interaction
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// Perform runs a. Element actions resolve the target, wait until it is visible
// and enabled, then act. An element detached mid-action is resolved once more
// before the action is rejected.
func (r *Runner) Perform(ctx context.Context, a Action) error {
	class := classOf(a)
	timeout := r.Timeout(class)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	log := obs.From(ctx).With("action", string(a.Kind), "class", class.String())

	if a.Kind == KindNavigate {
		err := r.page.Goto(ctx, urlutil.BuildAbsolute(r.baseURL, a.Path))
		switch {
		case err == nil:
			log.Debug("action_done", "path", a.Path)
			return nil
		case timedOut(ctx, err):
			return &ActionTimeoutError{Action: a, Class: class, Timeout: timeout, Stage: "page load", Err: err}
		default:
			return &ActionRejectedError{Action: a, Attempts: 1, Err: err}
		}
	}

	do, err := r.op(a)
	if err != nil {
		return err
	}

	const maxAttempts = 2
	for attempt := 1; ; attempt++ {
		h, err := r.resolver.Find(ctx, a.Target.Module, a.Target.Element, resolver.FindOptions{
			Timeout: timeout,
			Scope:   a.Target.Scope,
		})
		if err != nil {
			return err
		}

		err = r.page.WaitActionable(ctx, h.Query)
		if err == nil {
			err = do(ctx, h.Query)
		}
		switch {
		case err == nil:
			log.Debug("action_done", "target", a.Target.String(), "strategy", h.Strategy.String())
			return nil
		case errors.Is(err, browser.ErrDetached) && attempt < maxAttempts:
			log.Info("action_retry_detached", "target", a.Target.String(), "attempt", attempt)
			continue
		case timedOut(ctx, err):
			return &ActionTimeoutError{Action: a, Class: class, Timeout: timeout, Stage: "actionable", Detail: h.Query.String(), Err: err}
		default:
			return &ActionRejectedError{Action: a, Attempts: attempt, Err: err}
		}
	}
}

func (r *Runner) op(a Action) (func(context.Context, browser.Query) error, error) {
	switch a.Kind {
	case KindClick:
		return r.page.Click, nil
	case KindSubmit:
		return r.page.Submit, nil
	case KindScroll:
		return r.page.ScrollIntoView, nil
	case KindType:
		return func(ctx context.Context, q browser.Query) error { return r.page.Fill(ctx, q, a.Value) }, nil
	case KindSelect:
		return func(ctx context.Context, q browser.Query) error { return r.page.SelectOption(ctx, q, a.Value) }, nil
	default:
		return nil, errs.New(errs.Internal, fmt.Sprintf("unknown action kind %q", a.Kind))
	}
}

// Run performs actions strictly in order, stopping at the first failure.
func (r *Runner) Run(ctx context.Context, steps ...Action) error {
	for i, a := range steps {
		if err := r.Perform(ctx, a); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// Await waits under class c's timeout for module.element to exist.
func (r *Runner) Await(ctx context.Context, module, element string, c Class) (resolver.Handle, error) {
	return r.resolver.Find(ctx, module, element, resolver.FindOptions{Timeout: r.Timeout(c)})
}

// WaitForPath polls the page URL until its path equals path.
func (r *Runner) WaitForPath(ctx context.Context, path string, c Class) error {
	if c == Default {
		c = Navigation
	}
	timeout := r.Timeout(c)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := r.timeouts.PollInterval
	if poll <= 0 {
		poll = resolver.DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last string
	for {
		current, err := r.page.URL(ctx)
		if err == nil {
			last = urlutil.PathOf(current)
			if urlutil.PathMatches(current, path) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return &ActionTimeoutError{
				Action:  Navigate(path),
				Class:   c,
				Timeout: timeout,
				Stage:   "path",
				Detail:  "still at " + last,
				Err:     ctx.Err(),
			}
		case <-ticker.C:
		}
	}
}
