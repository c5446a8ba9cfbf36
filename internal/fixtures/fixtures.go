// Package fixtures builds backend state for tests through the REST API:
// course → topic → text → question, plus student enrollments and answers.
// Every created entity is recorded in the run's ledger for cleanup.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kuitang/critico-e2e/internal/apiclient"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/ledger"
	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/session"
)

// Fixture steps, as reported by FixtureSetupError.
const (
	StepCourse     = "createCourse"
	StepTopic      = "createTopic"
	StepText       = "createText"
	StepQuestion   = "createQuestion"
	StepEnrollment = "enroll"
	StepAnswer     = "submitAnswer"
)

// FixtureSetupError means a setup step failed. The dependent chain stops.
type FixtureSetupError struct {
	Step   string
	Status int // HTTP status, 0 when the request never completed
	Detail string
	Err    error
}

func (e *FixtureSetupError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fixture step %s failed with status %d: %s", e.Step, e.Status, e.Detail)
	}
	return fmt.Sprintf("fixture step %s failed: %s", e.Step, e.Detail)
}

func (e *FixtureSetupError) Unwrap() error { return e.Err }

func (e *FixtureSetupError) ErrorCode() errs.Code { return errs.FixtureSetup }

// Sessions supplies role sessions. *session.Manager implements it.
type Sessions interface {
	EnsureSession(ctx context.Context, role session.Role) (*session.Session, error)
}

// Attribute sets. Titles and prompts get the scope suffix on creation.
type (
	CourseAttrs struct {
		Title       string `validate:"required,max=200"`
		Description string `validate:"max=2000"`
		Level       string `validate:"omitempty,oneof=Básico Intermedio Avanzado"`
	}
	TopicAttrs struct {
		Title       string `validate:"required,max=200"`
		Description string `validate:"max=2000"`
	}
	TextAttrs struct {
		Title   string `validate:"required,max=200"`
		Content string `validate:"required"`
	}
	QuestionAttrs struct {
		Prompt string `validate:"required"`
		Type   string `validate:"omitempty,oneof=open multiple_choice"`
	}
	AnswerAttrs struct {
		Content string `validate:"required"`
	}
)

// Orchestrator creates fixtures for one run scope.
type Orchestrator struct {
	client   *apiclient.Client
	sessions Sessions
	scope    *Scope
	validate *validator.Validate
}

// New returns an orchestrator creating entities through client with sessions
// from sessions, recording them in scope.
func New(client *apiclient.Client, sessions Sessions, scope *Scope) *Orchestrator {
	return &Orchestrator{
		client:   client,
		sessions: sessions,
		scope:    scope,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Scope returns the run scope.
func (o *Orchestrator) Scope() *Scope { return o.scope }

func (o *Orchestrator) check(step string, attrs any) error {
	err := o.validate.Struct(attrs)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return &FixtureSetupError{Step: step, Detail: "invalid input: " + strings.Join(parts, ", "), Err: err}
	}
	return &FixtureSetupError{Step: step, Detail: err.Error(), Err: err}
}

func requireParent(step, name string, id apiclient.ID) error {
	if id == "" {
		return &FixtureSetupError{Step: step, Detail: "missing " + name + " id from the previous step"}
	}
	return nil
}

// call obtains role's session and runs fn with its token. Session failures are
// returned unchanged; API failures become FixtureSetupError.
func (o *Orchestrator) call(ctx context.Context, step string, role session.Role, fn func(token string) error) error {
	s, err := o.sessions.EnsureSession(ctx, role)
	if err != nil {
		return err
	}
	if err := fn(s.Token); err != nil {
		fse := &FixtureSetupError{Step: step, Status: apiclient.StatusOf(err), Detail: err.Error(), Err: err}
		var se *apiclient.StatusError
		if errors.As(err, &se) && se.Body != "" {
			fse.Detail = se.Body
		}
		obs.From(ctx).Error("fixture_step_failed", "step", step, "status", fse.Status, "detail", fse.Detail)
		return fse
	}
	return nil
}

// track checks that id is new within the run and records the entity.
func (o *Orchestrator) track(ctx context.Context, step string, kind ledger.Kind, role session.Role, id apiclient.ID, path, title string) error {
	if id == "" {
		return &FixtureSetupError{Step: step, Detail: "response carries no id"}
	}
	if prev, ok := o.scope.claim(id.String(), kind); !ok {
		return &FixtureSetupError{Step: step, Detail: fmt.Sprintf("id %s was already returned for a %s in this run", id, prev)}
	}

	_, err := o.scope.Ledger.Record(ctx, ledger.Entry{
		Scope:     o.scope.Token,
		Kind:      kind,
		ID:        id.String(),
		Role:      role.String(),
		Path:      path,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return &FixtureSetupError{Step: step, Detail: "record in ledger: " + err.Error(), Err: err}
	}
	obs.From(ctx).Info("fixture_created", "kind", string(kind), "id", id.String(), "scope", o.scope.Token)
	return nil
}

func entityPath(collection string, id apiclient.ID) string {
	return "/" + collection + "/" + url.PathEscape(id.String())
}

// CreateCourse creates a course as the teacher.
func (o *Orchestrator) CreateCourse(ctx context.Context, attrs CourseAttrs) (apiclient.Course, error) {
	ctx = obs.WithStep(ctx, StepCourse)
	if err := o.check(StepCourse, attrs); err != nil {
		return apiclient.Course{}, err
	}
	in := apiclient.CourseInput{Title: o.scope.Title(attrs.Title), Description: attrs.Description, Level: attrs.Level}
	var out apiclient.Course
	err := o.call(ctx, StepCourse, session.Teacher, func(token string) (err error) {
		out, err = o.client.CreateCourse(ctx, session.Teacher.String(), token, in)
		return err
	})
	if err != nil {
		return apiclient.Course{}, err
	}
	return out, o.track(ctx, StepCourse, ledger.KindCourse, session.Teacher, out.ID, entityPath("courses", out.ID), in.Title)
}

// CreateTopic creates a topic under courseID as the teacher.
func (o *Orchestrator) CreateTopic(ctx context.Context, courseID apiclient.ID, attrs TopicAttrs) (apiclient.Topic, error) {
	ctx = obs.WithStep(ctx, StepTopic)
	if err := requireParent(StepTopic, "course", courseID); err != nil {
		return apiclient.Topic{}, err
	}
	if err := o.check(StepTopic, attrs); err != nil {
		return apiclient.Topic{}, err
	}
	in := apiclient.TopicInput{Title: o.scope.Title(attrs.Title), Description: attrs.Description}
	var out apiclient.Topic
	err := o.call(ctx, StepTopic, session.Teacher, func(token string) (err error) {
		out, err = o.client.CreateTopic(ctx, session.Teacher.String(), token, courseID, in)
		return err
	})
	if err != nil {
		return apiclient.Topic{}, err
	}
	return out, o.track(ctx, StepTopic, ledger.KindTopic, session.Teacher, out.ID, entityPath("topics", out.ID), in.Title)
}

// CreateText creates a reading text under topicID as the teacher.
func (o *Orchestrator) CreateText(ctx context.Context, topicID apiclient.ID, attrs TextAttrs) (apiclient.Text, error) {
	ctx = obs.WithStep(ctx, StepText)
	if err := requireParent(StepText, "topic", topicID); err != nil {
		return apiclient.Text{}, err
	}
	if err := o.check(StepText, attrs); err != nil {
		return apiclient.Text{}, err
	}
	in := apiclient.TextInput{TopicID: topicID, Title: o.scope.Title(attrs.Title), Content: attrs.Content}
	var out apiclient.Text
	err := o.call(ctx, StepText, session.Teacher, func(token string) (err error) {
		out, err = o.client.CreateText(ctx, session.Teacher.String(), token, in)
		return err
	})
	if err != nil {
		return apiclient.Text{}, err
	}
	return out, o.track(ctx, StepText, ledger.KindText, session.Teacher, out.ID, entityPath("texts", out.ID), in.Title)
}

// CreateQuestion creates a question about textID as the teacher.
func (o *Orchestrator) CreateQuestion(ctx context.Context, textID apiclient.ID, attrs QuestionAttrs) (apiclient.Question, error) {
	ctx = obs.WithStep(ctx, StepQuestion)
	if err := requireParent(StepQuestion, "text", textID); err != nil {
		return apiclient.Question{}, err
	}
	if err := o.check(StepQuestion, attrs); err != nil {
		return apiclient.Question{}, err
	}
	in := apiclient.QuestionInput{TextID: textID, Prompt: o.scope.Title(attrs.Prompt), Type: attrs.Type}
	var out apiclient.Question
	err := o.call(ctx, StepQuestion, session.Teacher, func(token string) (err error) {
		out, err = o.client.CreateQuestion(ctx, session.Teacher.String(), token, in)
		return err
	})
	if err != nil {
		return apiclient.Question{}, err
	}
	return out, o.track(ctx, StepQuestion, ledger.KindQuestion, session.Teacher, out.ID, entityPath("questions", out.ID), in.Prompt)
}

// Enroll enrolls the student in courseID.
func (o *Orchestrator) Enroll(ctx context.Context, courseID apiclient.ID) (apiclient.Enrollment, error) {
	ctx = obs.WithStep(ctx, StepEnrollment)
	if err := requireParent(StepEnrollment, "course", courseID); err != nil {
		return apiclient.Enrollment{}, err
	}
	var out apiclient.Enrollment
	err := o.call(ctx, StepEnrollment, session.Student, func(token string) (err error) {
		out, err = o.client.Enroll(ctx, session.Student.String(), token, apiclient.EnrollmentInput{CourseID: courseID})
		return err
	})
	if err != nil {
		return apiclient.Enrollment{}, err
	}
	return out, o.track(ctx, StepEnrollment, ledger.KindEnrollment, session.Student, out.ID, entityPath("enrollments", out.ID), "")
}

// SubmitAnswer answers questionID as the student.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, questionID apiclient.ID, attrs AnswerAttrs) (apiclient.Answer, error) {
	ctx = obs.WithStep(ctx, StepAnswer)
	if err := requireParent(StepAnswer, "question", questionID); err != nil {
		return apiclient.Answer{}, err
	}
	if err := o.check(StepAnswer, attrs); err != nil {
		return apiclient.Answer{}, err
	}
	in := apiclient.AnswerInput{QuestionID: questionID, Content: attrs.Content}
	var out apiclient.Answer
	err := o.call(ctx, StepAnswer, session.Student, func(token string) (err error) {
		out, err = o.client.SubmitAnswer(ctx, session.Student.String(), token, in)
		return err
	})
	if err != nil {
		return apiclient.Answer{}, err
	}
	return out, o.track(ctx, StepAnswer, ledger.KindAnswer, session.Student, out.ID, entityPath("answers", out.ID), "")
}
