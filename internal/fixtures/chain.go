package fixtures

import (
	"context"

	"github.com/kuitang/critico-e2e/internal/apiclient"
)

// ChainSpec describes a course → topic → text → question chain.
type ChainSpec struct {
	Course   CourseAttrs
	Topic    TopicAttrs
	Text     TextAttrs
	Question QuestionAttrs
	// Enroll also enrolls the student in the course.
	Enroll bool
}

// DefaultChainSpec returns a complete chain with placeholder content.
func DefaultChainSpec() ChainSpec {
	return ChainSpec{
		Course: CourseAttrs{Title: "Curso E2E", Description: "Curso creado por las pruebas", Level: "Básico"},
		Topic:  TopicAttrs{Title: "Tema E2E", Description: "Tema de prueba"},
		Text: TextAttrs{
			Title:   "Texto E2E",
			Content: "Algunos afirman que todo cambio es peligroso; otros creen que toda tradición es un error.",
		},
		Question: QuestionAttrs{Prompt: "¿Qué sesgos identificas en el texto?", Type: "open"},
		Enroll:   true,
	}
}

// Chain holds the entities of one built chain. Tests receive it explicitly
// instead of looking up shared state by name.
type Chain struct {
	Course     apiclient.Course
	Topic      apiclient.Topic
	Text       apiclient.Text
	Question   apiclient.Question
	Enrollment *apiclient.Enrollment
}

// BuildChain creates the chain in order. A failed step stops the chain; what
// was created before it stays in the ledger for cleanup.
func (o *Orchestrator) BuildChain(ctx context.Context, spec ChainSpec) (*Chain, error) {
	var (
		c   Chain
		err error
	)
	if c.Course, err = o.CreateCourse(ctx, spec.Course); err != nil {
		return nil, err
	}
	if c.Topic, err = o.CreateTopic(ctx, c.Course.ID, spec.Topic); err != nil {
		return nil, err
	}
	if c.Text, err = o.CreateText(ctx, c.Topic.ID, spec.Text); err != nil {
		return nil, err
	}
	if c.Question, err = o.CreateQuestion(ctx, c.Text.ID, spec.Question); err != nil {
		return nil, err
	}
	if spec.Enroll {
		e, err := o.Enroll(ctx, c.Course.ID)
		if err != nil {
			return nil, err
		}
		c.Enrollment = &e
	}
	return &c, nil
}

// IDs lists the chain's identifiers in creation order.
func (c *Chain) IDs() []apiclient.ID {
	ids := []apiclient.ID{c.Course.ID, c.Topic.ID, c.Text.ID, c.Question.ID}
	if c.Enrollment != nil {
		ids = append(ids, c.Enrollment.ID)
	}
	return ids
}
