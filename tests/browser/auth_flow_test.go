package browser

import (
	"context"
	"testing"

	"github.com/kuitang/critico-e2e/internal/actions"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/signals"
	"github.com/kuitang/critico-e2e/internal/urlutil"
)

func loginSteps(email, password string) []actions.Action {
	return []actions.Action{
		actions.Navigate(urlutil.RouteLogin),
		actions.Type("auth", "emailInput", email),
		actions.Type("auth", "passwordInput", password),
		actions.Click("auth", "loginButton"),
	}
}

func TestAuth_TeacherLogsInThroughForm(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()

	h.Must(h.Runner.Run(ctx, loginSteps(env.Config.Teacher.Email, env.Config.Teacher.Password)...))
	h.Must(h.Runner.WaitForPath(ctx, urlutil.RouteApp, actions.Navigation))

	snap := h.Await(ctx, "a stored session token", actions.Navigation,
		signals.StorageKey(session.TokenKey, session.LegacyTokenKey))
	h.Must(signals.Expect(snap, "the dashboard", Selector("navigation", "coursesLink"), Selector("auth", "logoutButton")))
}

func TestAuth_WrongPasswordShowsError(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()

	h.Must(h.Runner.Run(ctx, loginSteps(env.Config.Teacher.Email, "contraseña-incorrecta")...))

	sigs := append([]signals.Signal{Selector("auth", "loginError")}, signals.DefaultVocabulary().Phrases("login_failed")...)
	snap := h.Await(ctx, "a login error", actions.Interaction, sigs...)
	h.Must(signals.Expect(snap, "no stored token", signals.Not(signals.StorageKey(session.TokenKey, session.LegacyTokenKey))))
	h.Must(signals.Expect(snap, "still on the login page", signals.Path(urlutil.RouteLogin)))
}

func TestAuth_LogoutClearsSession(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()

	h.LoginAs(ctx, session.Student, urlutil.RouteApp)
	h.Must(h.Runner.Perform(ctx, actions.Click("auth", "logoutButton")))
	h.Must(h.Runner.WaitForPath(ctx, urlutil.RouteLogin, actions.Navigation))

	snap := h.Await(ctx, "both token keys removed", actions.Interaction,
		signals.Not(signals.StorageKey(session.TokenKey, session.LegacyTokenKey)))
	h.Must(signals.Expect(snap, "the login form", Selector("auth", "emailInput")))
}

func TestAuth_LegacyTokenKeyIsHonoured(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()

	s, err := env.Sessions.EnsureSession(ctx, session.Teacher)
	h.Must(err)
	h.Must(h.Runner.Perform(ctx, actions.Navigate(urlutil.RouteLogin)))
	h.Must(h.Page.SetLocalStorage(ctx, session.LegacyTokenKey, s.Token))

	h.Must(h.Runner.Perform(ctx, actions.Navigate(urlutil.RouteCourses)))
	snap := h.Await(ctx, "the courses page", actions.Navigation, Selector("courses", "createButton"))
	h.Must(signals.Expect(snap, "no redirect to login", signals.Path(urlutil.RouteCourses)))
}

// A token written by one page must not be visible to the next one.
func TestAuth_FreshPageStartsWithoutStoredToken(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	ctx := context.Background()

	first := env.NewHarness(t)
	s, err := env.Sessions.EnsureSession(ctx, session.Teacher)
	first.Must(err)
	first.Must(first.Runner.Perform(ctx, actions.Navigate(urlutil.RouteLogin)))
	first.Must(first.Page.SetLocalStorage(ctx, session.TokenKey, s.Token))
	first.Must(first.Page.SetLocalStorage(ctx, session.LegacyTokenKey, s.Token))
	first.Must(first.Page.Close())

	second := env.NewHarness(t)
	second.Must(second.Runner.Perform(ctx, actions.Navigate(urlutil.RouteLogin)))
	for _, key := range []string{session.TokenKey, session.LegacyTokenKey} {
		_, ok, err := second.Page.LocalStorage(ctx, key)
		second.Must(err)
		if ok {
			t.Fatalf("fresh page inherited %q from an earlier page", key)
		}
	}
}
