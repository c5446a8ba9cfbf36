// Package cleanup deletes the fixtures a run created. Entities come from the
// run's ledger and are deleted newest first with the session of the role
// that created them. Courses created through the UI never reach the ledger,
// so cleanup also sweeps the teacher's course list for titles carrying the
// run token.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/fixtures"
	"github.com/kuitang/critico-e2e/internal/ledger"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/session"
)

// Outcome is what happened to one entity.
type Outcome string

const (
	Deleted     Outcome = "deleted"
	AlreadyGone Outcome = "already_gone"
	Failed      Outcome = "failed"
)

// Event reports progress after each entity.
type Event struct {
	Scope   string
	Kind    ledger.Kind
	ID      string
	Outcome Outcome
	Err     error
	Done    int
	Total   int
}

// Failure is an entity that could not be deleted.
type Failure struct {
	Kind ledger.Kind
	ID   string
	Path string
	Err  error
}

// Summary is the result of one cleanup pass.
type Summary struct {
	Scope       string
	Deleted     int
	AlreadyGone int
	Swept       int
	Failures    []Failure
	Duration    time.Duration
}

// Empty reports whether the pass found nothing to do.
func (s Summary) Empty() bool {
	return s.Deleted == 0 && s.AlreadyGone == 0 && s.Swept == 0 && len(s.Failures) == 0
}

func (s Summary) String() string {
	return fmt.Sprintf("scope %s: %d deleted, %d already gone, %d swept, %d failed in %s",
		s.Scope, s.Deleted, s.AlreadyGone, s.Swept, len(s.Failures), s.Duration.Round(time.Millisecond))
}

// Sessions supplies role sessions. *session.Manager implements it.
type Sessions interface {
	EnsureSession(ctx context.Context, role session.Role) (*session.Session, error)
}

// Coordinator runs cleanup passes.
type Coordinator struct {
	client   *apiclient.Client
	sessions Sessions
	progress func(Event)
	now      func() time.Time
	sweep    bool

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProgress calls fn after each entity is handled.
func WithProgress(fn func(Event)) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// WithClock sets the time source for deletion stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithoutSweep disables the course-list sweep.
func WithoutSweep() Option {
	return func(c *Coordinator) { c.sweep = false }
}

// New returns a coordinator deleting through client.
func New(client *apiclient.Client, sessions Sessions, opts ...Option) *Coordinator {
	c := &Coordinator{client: client, sessions: sessions, now: time.Now, sweep: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cleanup deletes scope's pending entities newest first, then sweeps the
// teacher's courses for leftovers titled with the scope token. A 404 counts as
// success. Failures do not stop the pass; they are reported in the summary and
// joined into the returned error. A second call finds nothing to do.
func (c *Coordinator) Cleanup(ctx context.Context, scope *fixtures.Scope) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	sum := Summary{Scope: scope.Token}
	log := obs.From(ctx).With("scope", scope.Token)

	pending, err := scope.Ledger.Pending(ctx, scope.Token)
	if err != nil {
		return sum, fmt.Errorf("read ledger: %w", err)
	}

	var errList []error
	for i, e := range pending {
		outcome, err := c.remove(ctx, e.Role, e.Path)
		switch outcome {
		case Deleted:
			sum.Deleted++
		case AlreadyGone:
			sum.AlreadyGone++
		}
		if outcome != Failed {
			if merr := scope.Ledger.MarkDeleted(ctx, scope.Token, e.Seq, c.now().UTC()); merr != nil {
				err = fmt.Errorf("mark deleted: %w", merr)
				outcome = Failed
			}
		}
		if outcome == Failed {
			sum.Failures = append(sum.Failures, Failure{Kind: e.Kind, ID: e.ID, Path: e.Path, Err: err})
			errList = append(errList, fmt.Errorf("%s %s: %w", e.Kind, e.ID, err))
			log.Warn("cleanup_failed", "kind", string(e.Kind), "id", e.ID, "error", err)
		} else {
			log.Debug("cleanup_entity", "kind", string(e.Kind), "id", e.ID, "outcome", string(outcome))
		}
		c.report(Event{Scope: scope.Token, Kind: e.Kind, ID: e.ID, Outcome: outcome, Err: err, Done: i + 1, Total: len(pending)})
	}

	if c.sweep && scope.Token != "" {
		swept, err := c.sweepCourses(ctx, scope, &sum)
		sum.Swept = swept
		if err != nil {
			errList = append(errList, err)
		}
	}

	sum.Duration = c.now().Sub(start)
	if !sum.Empty() {
		log.Info("cleanup_done", "deleted", sum.Deleted, "already_gone", sum.AlreadyGone, "swept", sum.Swept, "failed", len(sum.Failures))
	}
	return sum, errors.Join(errList...)
}

// CleanupAll runs Cleanup for every scope with pending entries in l.
func (c *Coordinator) CleanupAll(ctx context.Context, l ledger.Ledger) ([]Summary, error) {
	scopes, err := l.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	var (
		out     []Summary
		errList []error
	)
	for _, token := range scopes {
		sum, err := c.Cleanup(ctx, fixtures.ScopeFor(token, l))
		out = append(out, sum)
		if err != nil {
			errList = append(errList, fmt.Errorf("scope %s: %w", token, err))
		}
	}
	return out, errors.Join(errList...)
}

func (c *Coordinator) remove(ctx context.Context, roleName, path string) (Outcome, error) {
	role, err := session.ParseRole(roleName)
	if err != nil {
		return Failed, err
	}
	s, err := c.sessions.EnsureSession(ctx, role)
	if err != nil {
		return Failed, err
	}
	err = c.client.Delete(ctx, role.String(), s.Token, path)
	switch {
	case err == nil:
		return Deleted, nil
	case apiclient.IsNotFound(err):
		return AlreadyGone, nil
	default:
		return Failed, err
	}
}

func (c *Coordinator) sweepCourses(ctx context.Context, scope *fixtures.Scope, sum *Summary) (int, error) {
	s, err := c.sessions.EnsureSession(ctx, session.Teacher)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	courses, err := c.client.MyCourses(ctx, session.Teacher.String(), s.Token)
	if err != nil {
		return 0, fmt.Errorf("sweep: list courses: %w", err)
	}

	var (
		swept   int
		errList []error
	)
	for _, course := range courses {
		if !scope.Owns(course.Title) {
			continue
		}
		path := "/courses/" + url.PathEscape(course.ID.String())
		outcome, err := c.remove(ctx, session.Teacher.String(), path)
		switch outcome {
		case Deleted:
			swept++
			obs.From(ctx).Info("cleanup_swept", "scope", scope.Token, "id", course.ID.String(), "title", course.Title)
		case Failed:
			sum.Failures = append(sum.Failures, Failure{Kind: ledger.KindCourse, ID: course.ID.String(), Path: path, Err: err})
			errList = append(errList, fmt.Errorf("sweep course %s: %w", course.ID, err))
		}
		c.report(Event{Scope: scope.Token, Kind: ledger.KindCourse, ID: course.ID.String(), Outcome: outcome, Err: err})
	}
	return swept, errors.Join(errList...)
}

func (c *Coordinator) report(e Event) {
	if c.progress != nil {
		c.progress(e)
	}
}
