// Package urlutil builds application routes and compares URL paths.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Application routes.
const (
	RouteLogin             = "/login"
	RouteRegister          = "/register"
	RouteApp               = "/app"
	RouteCourses           = "/app/courses"
	RouteCourseDetail      = "/app/courses/:id"
	RouteStudents          = "/app/students"
	RouteStudentEvaluation = "/app/student-evaluation"
	RouteAvailableCourses  = "/app/available-courses"
	RouteGenerateText      = "/app/generate-text"
	RouteChatbot           = "/app/chatbot"
)

// Route fills the ":name" segments of pattern with params, in order.
// Each param is path-escaped.
func Route(pattern string, params ...string) (string, error) {
	segments := strings.Split(pattern, "/")
	next := 0
	for i, seg := range segments {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		if next >= len(params) {
			return "", fmt.Errorf("route %s: missing value for %s", pattern, seg)
		}
		if params[next] == "" {
			return "", fmt.Errorf("route %s: empty value for %s", pattern, seg)
		}
		segments[i] = url.PathEscape(params[next])
		next++
	}
	if next != len(params) {
		return "", fmt.Errorf("route %s: %d unused values", pattern, len(params)-next)
	}
	return strings.Join(segments, "/"), nil
}

// MustRoute is Route for patterns known at compile time.
func MustRoute(pattern string, params ...string) string {
	r, err := Route(pattern, params...)
	if err != nil {
		panic(err)
	}
	return r
}

// BuildAbsolute builds an absolute URL from a base origin and a path.
func BuildAbsolute(base, path string) string {
	base = normalizeBaseURL(base)
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// PathOf returns the path of rawURL without trailing slash ("/" stays "/").
// Unparseable input is returned unchanged.
func PathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// PathMatches reports whether the path of rawURL equals want.
func PathMatches(rawURL, want string) bool {
	return PathOf(rawURL) == PathOf(want)
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/")
}
