package htmlpage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/kuitang/critico-e2e/internal/browser"
)

const loginHTML = `<html><body>
<form>
  <input data-cy="email-input" type="email">
  <button type="submit">Iniciar sesión</button>
  <div><span>Iniciar sesión</span></div>
</form>
</body></html>`

func TestPage_TextQueryReturnsInnermost(t *testing.T) {
	t.Parallel()

	p := New("http://critico.test").Route("/login", loginHTML)
	ctx := context.Background()
	if err := p.Goto(ctx, "/login"); err != nil {
		t.Fatalf("Goto: %v", err)
	}

	re := regexp.MustCompile(`(?i)iniciar sesi[oó]n`)
	n, err := p.Count(ctx, browser.Query{Text: re})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("text query matched %d elements, want button and span", n)
	}
	n, _ = p.Count(ctx, browser.Query{CSS: "button", Text: re})
	if n != 1 {
		t.Fatalf("tag-restricted text query matched %d elements", n)
	}
}

func TestPage_GuardRedirectsWithoutToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := New("http://critico.test").
		Route("/login", loginHTML).
		Route("/app/courses", `<html><body><h1>Cursos</h1></body></html>`).
		Guard("/app", "token", "/login")

	_ = p.Goto(ctx, "http://critico.test/app/courses")
	if u, _ := p.URL(ctx); u != "http://critico.test/login" {
		t.Fatalf("URL = %s, want redirect to /login", u)
	}

	_ = p.SetLocalStorage(ctx, "token", "abc")
	_ = p.Goto(ctx, "/app/courses")
	if u, _ := p.URL(ctx); u != "http://critico.test/app/courses" {
		t.Fatalf("URL = %s with token present", u)
	}
}

func TestPage_WaitActionableSeesScheduledMutation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p := New("http://critico.test")
	p.SetHTML(`<html><body><button data-cy="save" disabled>Guardar</button></body></html>`)
	p.SetHTMLAfter(30*time.Millisecond, `<html><body><button data-cy="save">Guardar</button></body></html>`)
	defer p.Close()

	if err := p.WaitActionable(ctx, browser.Query{CSS: `[data-cy="save"]`}); err != nil {
		t.Fatalf("WaitActionable: %v", err)
	}
}

func TestPage_DetachNext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := New("http://critico.test").Route("/login", loginHTML)
	_ = p.Goto(ctx, "/login")
	p.DetachNext("click", 1)

	q := browser.Query{CSS: "button"}
	if err := p.Click(ctx, q); !errors.Is(err, browser.ErrDetached) {
		t.Fatalf("first click err = %v, want ErrDetached", err)
	}
	if err := p.Click(ctx, q); err != nil {
		t.Fatalf("second click: %v", err)
	}
	if got := len(p.Events()); got != 1 {
		t.Fatalf("recorded %d events, want 1", got)
	}
}

func TestPage_FillAndSelect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := New("http://critico.test")
	p.SetHTML(`<html><body><form>
<input name="title"><textarea name="description"></textarea>
<select name="level"><option value="Básico">Básico</option><option value="Avanzado">Avanzado</option></select>
</form></body></html>`)

	if err := p.Fill(ctx, browser.Query{CSS: `input[name="title"]`}, "Curso"); err != nil {
		t.Fatalf("Fill input: %v", err)
	}
	if err := p.Fill(ctx, browser.Query{CSS: `textarea`}, "Descripción"); err != nil {
		t.Fatalf("Fill textarea: %v", err)
	}
	if err := p.SelectOption(ctx, browser.Query{CSS: `select`}, "Avanzado"); err != nil {
		t.Fatalf("SelectOption: %v", err)
	}
	if err := p.SelectOption(ctx, browser.Query{CSS: `select`}, "Experto"); err == nil {
		t.Fatal("expected error for a missing option")
	}

	doc := p.Document()
	if v, _ := doc.Find(`input[name="title"]`).Attr("value"); v != "Curso" {
		t.Fatalf("input value = %q", v)
	}
	if _, ok := doc.Find(`option[value="Avanzado"]`).Attr("selected"); !ok {
		t.Fatal("option not selected")
	}
	if err := p.Submit(ctx, browser.Query{CSS: "textarea"}); err != nil {
		t.Fatalf("Submit inside form: %v", err)
	}
}
