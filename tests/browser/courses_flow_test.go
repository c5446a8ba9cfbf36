package browser

import (
	"context"
	"testing"

	"github.com/kuitang/critico-e2e/internal/actions"
	"github.com/kuitang/critico-e2e/internal/fixtures"
	"github.com/kuitang/critico-e2e/internal/session"
	"github.com/kuitang/critico-e2e/internal/signals"
	"github.com/kuitang/critico-e2e/internal/urlutil"
)

// Courses created through the form are not in the ledger; the cleanup sweep
// finds them by their scoped title.
func TestCourses_CreateAndDeleteThroughUI(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()
	vocab := signals.DefaultVocabulary()

	title := env.Scope.Title("Pensamiento crítico")
	h.LoginAs(ctx, session.Teacher, urlutil.RouteCourses)
	h.Must(h.Runner.Run(ctx,
		actions.Click("courses", "createButton"),
		actions.Type("courses", "titleInput", title),
		actions.Type("courses", "descriptionInput", "Curso creado desde el formulario"),
		actions.Select("courses", "levelSelect", "Intermedio"),
		actions.Click("courses", "saveButton"),
	))

	sigs := append([]signals.Signal{Selector("common", "successMessage")}, vocab.Phrases("created")...)
	h.Await(ctx, "a creation confirmation", actions.Interaction, sigs...)
	snap := h.Await(ctx, "the new course card", actions.Interaction, signals.Contains(title))
	h.Must(signals.Expect(snap, "the course card", Selector("courses", "courseCard")))

	h.Must(h.Runner.Perform(ctx, actions.Click("courses", "deleteButton")))
	snap = h.Await(ctx, "the course removed", actions.Interaction, signals.Not(signals.Contains(title)))
	h.Must(signals.Expect(snap, "a deletion confirmation", vocab.Phrases("deleted")...))
}

func TestCourses_DetailShowsTopicsInOrder(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()

	course, err := h.Fixtures.CreateCourse(ctx, fixtures.CourseAttrs{Title: "Lógica informal", Level: "Básico"})
	h.Must(err)
	first, err := h.Fixtures.CreateTopic(ctx, course.ID, fixtures.TopicAttrs{Title: "Falacias"})
	h.Must(err)
	second, err := h.Fixtures.CreateTopic(ctx, course.ID, fixtures.TopicAttrs{Title: "Sesgos"})
	h.Must(err)

	h.LoginAs(ctx, session.Teacher, urlutil.MustRoute(urlutil.RouteCourseDetail, course.ID.String()))
	h.Await(ctx, "the course heading", actions.Navigation, signals.Contains(course.Title))
	snap := h.Await(ctx, "both topics", actions.Interaction, signals.Contains(second.Title))
	h.Must(signals.ExpectElementOrder(snap, "li", first.Title, second.Title))

	title := env.Scope.Title("Argumentos")
	h.Must(h.Runner.Run(ctx,
		actions.Click("topics", "addButton"),
		actions.Type("topics", "titleInput", title),
		actions.Click("topics", "saveButton"),
	))
	snap = h.Await(ctx, "the new topic", actions.Interaction, signals.Contains(title))
	h.Must(signals.ExpectElementOrder(snap, "li", first.Title, second.Title, title))
}

func TestCourses_StudentCannotSeeTeacherPages(t *testing.T) {
	env := SetupBrowserTestEnv(t)
	h := env.NewHarness(t)
	ctx := context.Background()

	h.LoginAs(ctx, session.Student, urlutil.RouteStudents)
	sigs := append([]signals.Signal{Selector("common", "errorMessage")}, signals.DefaultVocabulary().Phrases("access_denied")...)
	snap := h.Await(ctx, "an access error", actions.Interaction, sigs...)
	h.Must(signals.Expect(snap, "no student rows", signals.Not(Selector("students", "studentRow"))))
}
