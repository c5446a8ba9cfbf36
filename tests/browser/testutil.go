// Package browser holds the CRÍTICO browser suites. Every test gets its page
// through SetupBrowserTestEnv(t).NewHarness(t).
//
// With CRITICO_BASE_URL unset the suites run against the in-process stub
// backend; otherwise they drive the configured deployment.
package browser

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kuitang/critico-e2e/internal/actions"
	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/artifacts"
	drivers "github.com/kuitang/critico-e2e/internal/browser"
	"github.com/kuitang/critico-e2e/internal/cleanup"
	"github.com/kuitang/critico-e2e/internal/config"
	"github.com/kuitang/critico-e2e/internal/fixtures"
	"github.com/kuitang/critico-e2e/internal/ledger"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/ratelimit"
	"github.com/kuitang/critico-e2e/internal/report"
	"github.com/kuitang/critico-e2e/internal/resolver"
	"github.com/kuitang/critico-e2e/internal/selectors"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/signals"
	"github.com/kuitang/critico-e2e/internal/stubapp"
)

// stubAIDelay makes AI-backed stub endpoints slow enough that a test reading
// results before they render would fail.
const stubAIDelay = 400 * time.Millisecond

var browserFixtureMu sync.Mutex
var browserSharedFixture *BrowserTestEnv

// BrowserTestEnv is the run-wide environment shared by every browser test.
type BrowserTestEnv struct {
	Config    *config.Config
	Stub      *stubapp.App // nil against a deployment
	Client    *apiclient.Client
	Sessions  *session.Manager
	Ledger    ledger.Ledger
	Scope     *fixtures.Scope
	Artifacts artifacts.Sink
	Report    *report.Report

	server   *httptest.Server
	launcher drivers.Launcher
	initErr  error
}

// SetupBrowserTestEnv returns the shared environment, creating it on first
// use. Browser tests are skipped in -short mode and when no browser can be
// launched.
func SetupBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests are skipped in -short mode")
	}

	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()
	if browserSharedFixture == nil {
		browserSharedFixture = createBrowserTestEnv()
	}
	env := browserSharedFixture
	if env.initErr != nil {
		var skip *skipError
		if errors.As(env.initErr, &skip) {
			t.Skip(skip.reason, skip.err)
		}
		t.Fatalf("browser test environment: %v", env.initErr)
	}
	return env
}

type skipError struct {
	reason string
	err    error
}

func (e *skipError) Error() string { return e.reason + ": " + e.err.Error() }

func createBrowserTestEnv() *BrowserTestEnv {
	obs.Init()
	env := &BrowserTestEnv{}
	ctx := context.Background()

	if err := config.LoadDotEnv(".env", "../../.env"); err != nil {
		env.initErr = err
		return env
	}
	cfg, err := config.Load()
	if err != nil {
		env.initErr = err
		return env
	}
	if cfg.UsesStub() {
		app, err := stubapp.New(stubapp.Options{
			Teacher:  cfg.Teacher,
			Student:  cfg.Student,
			TokenTTL: cfg.SessionTTL,
			AIDelay:  stubAIDelay,
		})
		if err != nil {
			env.initErr = err
			return env
		}
		env.Stub = app
		env.server = httptest.NewServer(app.Handler())
		cfg = cfg.WithBaseURL(env.server.URL)
	}
	env.Config = cfg

	th := ratelimit.New(ratelimit.Config{RPS: cfg.APIRequestsPerSecond, Burst: cfg.APIBurst})
	env.Client = apiclient.New(cfg.APIURL, apiclient.WithThrottle(th))
	env.Sessions = session.NewManager(cfg, env.Client)

	if env.Ledger, err = ledger.Open(ctx, cfg.LedgerPath); err != nil {
		env.initErr = err
		return env
	}
	env.Scope = fixtures.NewScope(env.Ledger)
	env.Report = report.New(env.Scope.Token)
	if env.Artifacts, err = artifacts.Open(ctx, cfg); err != nil {
		env.initErr = err
		return env
	}

	env.launcher, err = drivers.Open(ctx, cfg.Browser, drivers.Options{
		Headless:       cfg.Headless,
		DefaultTimeout: cfg.Timeouts.Interaction,
	})
	if err != nil {
		env.initErr = &skipError{reason: "could not launch " + cfg.Browser, err: err}
		return env
	}
	obs.Pkg("tests").Info("browser_env_ready", "base_url", cfg.BaseURL, "scope", env.Scope.Token, "driver", cfg.Browser)
	return env
}

// Fixtures returns an orchestrator recording into the run scope.
func (env *BrowserTestEnv) Fixtures() *fixtures.Orchestrator {
	return fixtures.New(env.Client, env.Sessions, env.Scope)
}

// Cleanup deletes every pending fixture of the run scope and records the
// summary in the report.
func (env *BrowserTestEnv) Cleanup(ctx context.Context) (cleanup.Summary, error) {
	sum, err := cleanup.New(env.Client, env.Sessions).Cleanup(ctx, env.Scope)
	if !sum.Empty() {
		env.Report.AddCleanup(sum)
	}
	return sum, err
}

func cleanupSharedBrowserTestEnv() {
	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()
	env := browserSharedFixture
	if env == nil || env.initErr != nil {
		return
	}
	log := obs.Pkg("tests")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := env.Cleanup(ctx); err != nil {
		log.Error("final_cleanup_failed", "scope", env.Scope.Token, "err", err)
	}
	if entries, err := env.Ledger.Entries(ctx, env.Scope.Token); err == nil {
		env.Report.SetEntries(entries)
	}
	if md, html, err := env.Report.WriteFiles(env.Config.ResultsDir); err != nil {
		log.Error("report_write_failed", "err", err)
	} else {
		log.Info("report_written", "markdown", md, "html", html)
	}

	_ = env.launcher.Close()
	_ = env.Ledger.Close()
	if env.server != nil {
		env.server.Close()
	}
	browserSharedFixture = nil
}

func TestMain(m *testing.M) {
	code := m.Run()
	cleanupSharedBrowserTestEnv()
	os.Exit(code)
}

// Harness is one test's page with its runner, page-bound sessions and
// fixture orchestrator.
type Harness struct {
	Env      *BrowserTestEnv
	Page     drivers.Page
	Runner   *actions.Runner
	Sessions *session.Manager
	Fixtures *fixtures.Orchestrator
	Waiter   signals.Waiter

	t *testing.T
}

// NewHarness opens a fresh page. When the test fails a screenshot is saved to
// the artifact sink; the run scope is cleaned up when the test ends.
func (env *BrowserTestEnv) NewHarness(t *testing.T) *Harness {
	t.Helper()
	ctx := context.Background()
	page, err := env.launcher.NewPage(ctx)
	if err != nil {
		t.Fatalf("could not create page: %v", err)
	}
	res := resolver.New(selectors.Default(), page, resolver.WithPollInterval(env.Config.Timeouts.PollInterval))
	h := &Harness{
		Env:      env,
		Page:     page,
		Runner:   actions.NewRunner(page, res, env.Config.BaseURL, env.Config.Timeouts),
		Sessions: env.Sessions.ForPage(page),
		Fixtures: env.Fixtures(),
		Waiter: signals.Waiter{
			Page:        page,
			StorageKeys: []string{session.TokenKey, session.LegacyTokenKey},
			Poll:        env.Config.Timeouts.PollInterval,
		},
		t: t,
	}
	t.Cleanup(func() {
		if t.Failed() {
			h.saveScreenshot(ctx)
		}
		_ = page.Close()
		if sum, err := env.Cleanup(ctx); err != nil {
			t.Errorf("cleanup: %v", err)
		} else if !sum.Empty() {
			t.Logf("cleanup: %s", sum)
		}
	})
	return h
}

func (h *Harness) saveScreenshot(ctx context.Context) {
	png, err := h.Page.Screenshot(ctx)
	if err != nil {
		h.t.Logf("screenshot failed: %v", err)
		return
	}
	loc, err := h.Env.Artifacts.Save(ctx, artifacts.ScreenshotKey(h.Env.Scope.Token, h.t.Name(), time.Now()), png, "image/png")
	if err != nil {
		h.t.Logf("save screenshot: %v", err)
		return
	}
	h.Env.Report.AddArtifact(loc)
	h.t.Logf("screenshot: %s", loc)
}

// Must fails the test on err and records the failure in the run report.
func (h *Harness) Must(err error) {
	h.t.Helper()
	if err != nil {
		h.Env.Report.AddFailure(h.t.Name(), err)
		h.t.Fatal(err)
	}
}

// LoginAs loads the login page, installs role's token in local storage and
// opens path.
func (h *Harness) LoginAs(ctx context.Context, role session.Role, path string) {
	h.t.Helper()
	h.Must(h.Runner.Perform(ctx, actions.Navigate("/login")))
	_, err := h.Sessions.EnsureSession(ctx, role)
	h.Must(err)
	h.Must(h.Runner.Perform(ctx, actions.Navigate(path)))
}

// Await waits under class c's timeout for one of sigs to hold.
func (h *Harness) Await(ctx context.Context, what string, c actions.Class, sigs ...signals.Signal) *signals.Snapshot {
	h.t.Helper()
	snap, err := h.Waiter.Await(ctx, what, h.Runner.Timeout(c), sigs...)
	h.Must(err)
	return snap
}

// Selector is shorthand for a registry-backed signal.
func Selector(module, element string) signals.Signal {
	return signals.Selector(selectors.Default(), module, element)
}
