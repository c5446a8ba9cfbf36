// Package testutil provides shared rapid generators for property-based tests.
// All e2e tests should use these generators instead of defining their own.
package testutil

import (
	"pgregory.net/rapid"

	"github.com/kuitang/critico-e2e/internal/fixtures"
)

// =============================================================================
// Account Generators
// =============================================================================

// EmailGenerator generates valid email addresses for testing.
func EmailGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z]{5,10}@critico\.test`)
}

// PasswordGenerator generates valid passwords.
func PasswordGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z0-9!@#]{12,20}`)
}

// =============================================================================
// Course Content Generators
// =============================================================================

// TitleGenerator generates base titles, including accented Spanish letters.
func TitleGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-ZÁÉÍÓÚÑ][a-záéíóúñ ]{3,40}`)
}

// LevelGenerator generates a course level, or none.
func LevelGenerator() *rapid.Generator[string] {
	return rapid.SampledFrom([]string{"", "Básico", "Intermedio", "Avanzado"})
}

// CourseAttrsGenerator generates valid course attributes.
func CourseAttrsGenerator() *rapid.Generator[fixtures.CourseAttrs] {
	return rapid.Custom(func(t *rapid.T) fixtures.CourseAttrs {
		return fixtures.CourseAttrs{
			Title:       TitleGenerator().Draw(t, "courseTitle"),
			Description: rapid.StringMatching(`[a-z ,.]{0,80}`).Draw(t, "description"),
			Level:       LevelGenerator().Draw(t, "level"),
		}
	})
}

// TopicAttrsGenerator generates valid topic attributes.
func TopicAttrsGenerator() *rapid.Generator[fixtures.TopicAttrs] {
	return rapid.Custom(func(t *rapid.T) fixtures.TopicAttrs {
		return fixtures.TopicAttrs{Title: TitleGenerator().Draw(t, "topicTitle")}
	})
}

// AnswerGenerator generates non-empty student answers.
func AnswerGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-záéíóúñ ,.;¿?]{1,120}[a-z]`)
}

// ChatMessageGenerator generates chatbot messages.
func ChatMessageGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`¿[A-Za-záéíóú ]{5,60}\?`)
}
