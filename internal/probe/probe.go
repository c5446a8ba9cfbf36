// Package probe checks the API's permission boundaries: protected endpoints
// must refuse anonymous callers and teacher-only endpoints must refuse
// students. For these checks a 401 or 403 is the passing outcome.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/session"
)

// Anonymous marks a check made without a token.
const Anonymous session.Role = ""

// Check is one permission probe.
type Check struct {
	Name   string
	Role   session.Role
	Method string
	Path   string
	Body   any
	Want   []int

	Got int
	Err error
}

// OK reports whether the probe got one of the wanted statuses.
func (c Check) OK() bool { return c.Err == nil && slices.Contains(c.Want, c.Got) }

func (c Check) String() string {
	who := string(c.Role)
	if c.Role == Anonymous {
		who = "anonymous"
	}
	if c.Err != nil {
		return fmt.Sprintf("%s: %s %s as %s: %v", c.Name, c.Method, c.Path, who, c.Err)
	}
	return fmt.Sprintf("%s: %s %s as %s -> %d (want %v)", c.Name, c.Method, c.Path, who, c.Got, c.Want)
}

// Default returns the standard permission checks.
func Default() []Check {
	denied := []int{http.StatusUnauthorized, http.StatusForbidden}
	return []Check{
		{Name: "anonymous course list", Role: Anonymous, Method: http.MethodGet, Path: "/courses", Want: []int{http.StatusUnauthorized}},
		{Name: "anonymous own courses", Role: Anonymous, Method: http.MethodGet, Path: "/courses/mine", Want: []int{http.StatusUnauthorized}},
		{Name: "anonymous course creation", Role: Anonymous, Method: http.MethodPost, Path: "/courses",
			Body: apiclient.CourseInput{Title: "probe"}, Want: []int{http.StatusUnauthorized}},
		{Name: "student course creation", Role: session.Student, Method: http.MethodPost, Path: "/courses",
			Body: apiclient.CourseInput{Title: "probe"}, Want: denied},
		{Name: "student roster", Role: session.Student, Method: http.MethodGet, Path: "/students", Want: denied},
		{Name: "teacher roster", Role: session.Teacher, Method: http.MethodGet, Path: "/students", Want: []int{http.StatusOK}},
	}
}

// Sessions supplies role sessions.
type Sessions interface {
	EnsureSession(ctx context.Context, role session.Role) (*session.Session, error)
}

// Run performs checks in order and returns them with Got and Err filled in.
// A probe that unexpectedly succeeds (for example a student creating a course)
// may have created data; callers running against a shared deployment should
// follow with a cleanup sweep.
func Run(ctx context.Context, client *apiclient.Client, sessions Sessions, checks []Check) []Check {
	out := make([]Check, len(checks))
	for i, c := range checks {
		req := apiclient.Request{Key: "probe", Method: c.Method, Path: c.Path, Body: c.Body}
		if c.Role != Anonymous {
			s, err := sessions.EnsureSession(ctx, c.Role)
			if err != nil {
				c.Err = err
				out[i] = c
				continue
			}
			req.Key = c.Role.String()
			req.Token = s.Token
		}
		c.Got, c.Err = client.Probe(ctx, req)
		out[i] = c
	}
	return out
}

// Failed returns the checks that did not pass.
func Failed(checks []Check) []Check {
	var out []Check
	for _, c := range checks {
		if !c.OK() {
			out = append(out, c)
		}
	}
	return out
}
