package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/stubapp"
)

func TestRun_DefaultChecksPassAgainstStub(t *testing.T) {
	t.Parallel()
	app, err := stubapp.New(stubapp.Options{})
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	client := apiclient.New(srv.URL + "/api")

	got := Run(context.Background(), client, session.NewManager(config.Default(), client), Default())
	if failed := Failed(got); len(failed) != 0 {
		t.Fatalf("failed probes: %v", failed)
	}
	if n := app.Counts()["course"]; n != 0 {
		t.Fatalf("probes created %d courses", n)
	}
}

func TestRun_ReportsPermissiveEndpoint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	client := apiclient.New(srv.URL)

	checks := []Check{{Name: "anonymous course list", Role: Anonymous, Method: http.MethodGet, Path: "/courses", Want: []int{http.StatusUnauthorized}}}
	got := Run(context.Background(), client, nil, checks)
	if got[0].OK() || got[0].Got != http.StatusOK {
		t.Fatalf("expected failing probe, got %s", got[0])
	}
	if !strings.Contains(got[0].String(), "as anonymous -> 200") {
		t.Fatalf("unexpected description %q", got[0])
	}
}

func TestRun_SessionFailureIsReported(t *testing.T) {
	t.Parallel()
	app, err := stubapp.New(stubapp.Options{})
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	client := apiclient.New(srv.URL + "/api")
	cfg := config.Default()
	cfg.Student.Password = "incorrecta"

	got := Run(context.Background(), client, session.NewManager(cfg, client), []Check{
		{Name: "student roster", Role: session.Student, Method: http.MethodGet, Path: "/students", Want: []int{http.StatusForbidden}},
	})
	if got[0].OK() || got[0].Err == nil {
		t.Fatalf("expected session failure, got %s", got[0])
	}
}
