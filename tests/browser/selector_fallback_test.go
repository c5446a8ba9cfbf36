package browser

import (
	"context"
	"testing"

	"github.com/kuitang/critico-e2e/internal/actions"
	"github.com/kuitang/critico-e2e/internal/selectors"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/signals"
	"github.com/kuitang/critico-e2e/internal/urlutil"
)

// Screens rendered with ?legacy=1 carry no data-cy attributes, so every
// element below resolves through a fallback strategy.
func TestSelectorFallback_LegacyLoginScreen(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	if env.Stub == nil {
		t.Skip("legacy markup is only served by the stub backend")
	}
	h := env.NewHarness(t)
	ctx := context.Background()

	h.Must(h.Runner.Perform(ctx, actions.Navigate(urlutil.RouteLogin+"?legacy=1")))
	for _, element := range []string{"emailInput", "passwordInput", "loginButton"} {
		handle, err := h.Runner.Await(ctx, "auth", element, actions.Interaction)
		h.Must(err)
		if handle.Strategy.Kind == selectors.KindAttribute {
			t.Fatalf("auth.%s resolved through %s on a legacy screen", element, handle.Strategy)
		}
	}

	h.Must(h.Runner.Run(ctx,
		actions.Type("auth", "emailInput", env.Config.Teacher.Email),
		actions.Type("auth", "passwordInput", env.Config.Teacher.Password),
		actions.Click("auth", "loginButton"),
	))
	h.Must(h.Runner.WaitForPath(ctx, urlutil.RouteApp, actions.Navigation))
	h.Await(ctx, "a stored session token", actions.Interaction, signals.StorageKey(session.TokenKey))
}

func TestSelectorFallback_LegacyErrorUsesRoleAlert(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	if env.Stub == nil {
		t.Skip("legacy markup is only served by the stub backend")
	}
	h := env.NewHarness(t)
	ctx := context.Background()

	h.Must(h.Runner.Run(ctx,
		actions.Navigate(urlutil.RouteLogin+"?legacy=1"),
		actions.Type("auth", "emailInput", "nadie@critico.test"),
		actions.Type("auth", "passwordInput", "x"),
		actions.Submit("auth", "passwordInput"),
	))
	handle, err := h.Runner.Await(ctx, "auth", "loginError", actions.Interaction)
	h.Must(err)
	if handle.Strategy.Kind != selectors.KindCSS {
		t.Fatalf("auth.loginError resolved through %s, want the role=alert fallback", handle.Strategy)
	}
	snap, err := signals.Capture(ctx, h.Page)
	h.Must(err)
	h.Must(signals.Expect(snap, "a login failure message", signals.DefaultVocabulary().Phrases("login_failed")...))
}

func TestSelectorFallback_TextStrategyOnLegacyLogout(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	if env.Stub == nil {
		t.Skip("legacy markup is only served by the stub backend")
	}
	h := env.NewHarness(t)
	ctx := context.Background()

	h.LoginAs(ctx, session.Teacher, urlutil.RouteApp+"?legacy=1")
	handle, err := h.Runner.Await(ctx, "auth", "logoutButton", actions.Interaction)
	h.Must(err)
	if handle.Strategy.Kind != selectors.KindText {
		t.Fatalf("auth.logoutButton resolved through %s, want the text fallback", handle.Strategy)
	}
	h.Must(h.Runner.Perform(ctx, actions.Click("auth", "logoutButton")))
	h.Must(h.Runner.WaitForPath(ctx, urlutil.RouteLogin, actions.Navigation))
}
