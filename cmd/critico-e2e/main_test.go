package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/fixtures"
	"github.com/kuitang/critico-e2e/internal/ledger"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/stubapp"
)

// clearEnv isolates a test from the caller's CRITICO_* settings.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "CRITICO_") || name == "AWS_ENDPOINT_URL_S3" {
			t.Setenv(name, "")
		}
	}
	t.Setenv("CRITICO_RESULTS_DIR", t.TempDir())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSelectorsLint_DefaultRegistryIsClean(t *testing.T) {
	out, err := execute(t, "selectors", "lint")
	if err != nil {
		t.Fatalf("lint: %v\n%s", err, out)
	}
	if !strings.Contains(out, "no issues") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSelectorsList_PrintsStrategies(t *testing.T) {
	out, err := execute(t, "selectors", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "auth") || !strings.Contains(out, "1. attribute [data-cy=") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestProbe_AgainstInProcessStub(t *testing.T) {
	clearEnv(t)
	out, err := execute(t, "probe", "--stub")
	if err != nil {
		t.Fatalf("probe: %v\n%s", err, out)
	}
	if strings.Count(out, "✓") != len(defaultProbeNames()) {
		t.Fatalf("expected every probe to pass:\n%s", out)
	}
}

func defaultProbeNames() []string {
	return []string{"anonymous course list", "anonymous own courses", "anonymous course creation",
		"student course creation", "student roster", "teacher roster"}
}

func TestProbe_RequiresTarget(t *testing.T) {
	clearEnv(t)
	if _, err := execute(t, "probe"); err == nil || !strings.Contains(err.Error(), "CRITICO_BASE_URL") {
		t.Fatalf("expected missing target error, got %v", err)
	}
}

func TestCleanup_RequiresScopeOrAll(t *testing.T) {
	clearEnv(t)
	if _, err := execute(t, "cleanup", "--base-url", "http://critico.test"); err == nil {
		t.Fatal("expected an error without --scope or --all")
	}
}

// seedLedger builds a fixture chain on a stub backend and records it in a
// sqlite ledger at path.
func seedLedger(t *testing.T, path string) (*stubapp.App, string, string) {
	t.Helper()
	app, err := stubapp.New(stubapp.Options{})
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	l, err := ledger.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer l.Close()

	client := apiclient.New(srv.URL + "/api")
	scope := fixtures.NewScope(l)
	if _, err := fixtures.New(client, session.NewManager(config.Default(), client), scope).
		BuildChain(ctx, fixtures.DefaultChainSpec()); err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	return app, srv.URL, scope.Token
}

func TestCleanup_DeletesLedgerScope(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ledger.db")
	app, baseURL, token := seedLedger(t, path)

	out, err := execute(t, "cleanup", "--scope", token, "--ledger", path, "--base-url", baseURL)
	if err != nil {
		t.Fatalf("cleanup: %v\n%s", err, out)
	}
	if !strings.Contains(out, "5 deleted") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	for kind, n := range app.Counts() {
		if n != 0 {
			t.Fatalf("%d %s entities left behind", n, kind)
		}
	}

	out, err = execute(t, "cleanup", "--all", "--ledger", path, "--base-url", baseURL)
	if err != nil || !strings.Contains(out, "Nothing to clean up") {
		t.Fatalf("second pass: %v\n%s", err, out)
	}
}

func TestReport_WritesMarkdownAndHTML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "ledger.db")
	_, _, token := seedLedger(t, path)
	results := t.TempDir()
	t.Setenv("CRITICO_RESULTS_DIR", results)

	out, err := execute(t, "report", "--scope", token, "--ledger", path)
	if err != nil {
		t.Fatalf("report: %v\n%s", err, out)
	}
	md, err := os.ReadFile(filepath.Join(results, "report-"+token+".md"))
	if err != nil {
		t.Fatalf("read markdown: %v\n%s", err, out)
	}
	if !strings.Contains(string(md), token) {
		t.Fatalf("report does not mention scope %s:\n%s", token, md)
	}
	if _, err := os.Stat(filepath.Join(results, "report-"+token+".html")); err != nil {
		t.Fatalf("html report: %v", err)
	}
}
