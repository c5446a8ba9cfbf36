package stubapp

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/kuitang/critico-e2e/internal/obs"
	"github.com/kuitang/critico-e2e/internal/urlutil"
)

//go:embed templates/*.html static/app.js
var assets embed.FS

// pageData is passed to every page template.
type pageData struct {
	Title   string
	Page    string
	ID      string
	Legacy  bool
	Guarded bool
}

// CY returns the data-cy attribute for name. Legacy pages render without test
// attributes, the way screens looked before the data-cy rollout.
func (d pageData) CY(name string) template.HTMLAttr {
	if d.Legacy {
		return ""
	}
	return template.HTMLAttr(`data-cy="` + template.HTMLEscapeString(name) + `"`)
}

type page struct {
	template string
	title    string
	name     string
	guarded  bool
}

var pages = map[string]page{
	urlutil.RouteLogin:             {"login.html", "Iniciar sesión", "login", false},
	urlutil.RouteRegister:          {"register.html", "Crear cuenta", "register", false},
	urlutil.RouteApp:               {"dashboard.html", "Panel", "dashboard", true},
	urlutil.RouteCourses:           {"courses.html", "Mis cursos", "courses", true},
	urlutil.RouteStudents:          {"students.html", "Estudiantes", "students", true},
	urlutil.RouteStudentEvaluation: {"student_evaluation.html", "Evaluación", "studentEvaluation", true},
	urlutil.RouteAvailableCourses:  {"available_courses.html", "Cursos disponibles", "availableCourses", true},
	urlutil.RouteGenerateText:      {"generate_text.html", "Generar texto", "generateText", true},
	urlutil.RouteChatbot:           {"chatbot.html", "Tutor", "chatbot", true},
}

var courseDetailPage = page{"course_detail.html", "Curso", "courseDetail", true}

// renderer holds one parsed template set per page, each combined with base.html.
type renderer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	base, err := fs.ReadFile(assets, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read base template: %w", err)
	}
	entries, err := fs.Glob(assets, "templates/*.html")
	if err != nil {
		return nil, err
	}

	r := &renderer{templates: make(map[string]*template.Template)}
	for _, entry := range entries {
		name := path.Base(entry)
		if name == "base.html" {
			continue
		}
		content, err := fs.ReadFile(assets, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New("base").Parse(string(base))
		if err != nil {
			return nil, fmt.Errorf("failed to parse base template for %s: %w", name, err)
		}
		if tmpl, err = tmpl.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

func (r *renderer) render(w http.ResponseWriter, name string, data pageData) error {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("template %q not found", name)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		return fmt.Errorf("failed to execute template %q: %w", name, err)
	}
	return nil
}

// registerPageRoutes serves the application shell. Route guarding happens in
// app.js, which redirects to /login when local storage holds no token.
func (a *App) registerPageRoutes(mux *http.ServeMux) {
	r, err := newRenderer()
	if err != nil {
		// Templates are embedded; a parse failure is a build defect.
		panic(err)
	}

	serve := func(p page) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			data := pageData{
				Title:   p.title,
				Page:    p.name,
				ID:      req.PathValue("id"),
				Legacy:  req.URL.Query().Get("legacy") == "1",
				Guarded: p.guarded,
			}
			if err := r.render(w, p.template, data); err != nil {
				obs.Pkg("stubapp").Error("render_failed", "template", p.template, "err", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}

	for route, p := range pages {
		mux.HandleFunc("GET "+route, serve(p))
	}
	mux.HandleFunc("GET "+strings.Replace(urlutil.RouteCourseDetail, ":id", "{id}", 1), serve(courseDetailPage))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, urlutil.RouteApp, http.StatusFound)
	})
	mux.HandleFunc("GET /static/app.js", func(w http.ResponseWriter, req *http.Request) {
		data, err := assets.ReadFile("static/app.js")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		_, _ = w.Write(data)
	})
}
