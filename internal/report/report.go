// Package report renders a per-run summary: the fixtures a scope created and
// what happened to them, cleanup totals, and the failed assertions with the
// signals they checked. Reports are written as markdown and as a sanitized
// standalone HTML page.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"github.com/kuitang/critico-e2e/internal/cleanup"
	"github.com/kuitang/critico-e2e/internal/errs"
	"github.com/kuitang/critico-e2e/internal/ledger"
	"github.com/kuitang/critico-e2e/internal/signals"
)

// Failure is one failed test step.
type Failure struct {
	Test     string
	Code     errs.Code
	Message  string
	Checked  []string
	Observed string
	URL      string
}

// Report accumulates one run's results. Methods are safe for concurrent use.
type Report struct {
	Scope     string
	Generated time.Time

	mu        sync.Mutex
	entries   []ledger.Entry
	cleanups  []cleanup.Summary
	failures  []Failure
	artifacts []string
}

// New returns an empty report for scope.
func New(scope string) *Report {
	return &Report{Scope: scope, Generated: time.Now().UTC()}
}

// Build returns a report holding every ledger entry of scope.
func Build(ctx context.Context, l ledger.Ledger, scope string) (*Report, error) {
	entries, err := l.Entries(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	r := New(scope)
	r.entries = entries
	return r, nil
}

// SetEntries replaces the fixture list.
func (r *Report) SetEntries(entries []ledger.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]ledger.Entry(nil), entries...)
}

// AddCleanup records a cleanup pass.
func (r *Report) AddCleanup(s cleanup.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, s)
}

// AddArtifact records the location of an uploaded or written artifact.
func (r *Report) AddArtifact(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, location)
}

// AddFailure records err as a failure of test. Assertion errors keep their
// checked signals and observed excerpt.
func (r *Report) AddFailure(test string, err error) {
	if err == nil {
		return
	}
	f := Failure{Test: test, Code: errs.CodeOf(err), Message: err.Error()}
	var ae *signals.AssertionError
	if errors.As(err, &ae) {
		f.Message = "expected " + ae.What
		f.Checked = ae.Checked
		f.Observed = ae.Observed
		f.URL = ae.URL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

// Failures returns the recorded failures.
func (r *Report) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// Markdown renders the report.
func (r *Report) Markdown() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b bytes.Buffer
	fmt.Fprintf(&b, "# CRÍTICO E2E run %s\n\n", r.Scope)
	fmt.Fprintf(&b, "Generated %s.\n\n", r.Generated.Format(time.RFC3339))

	pending := 0
	for _, e := range r.entries {
		if e.Pending() {
			pending++
		}
	}
	fmt.Fprintf(&b, "## Fixtures\n\n%d created, %d still pending.\n\n", len(r.entries), pending)
	if len(r.entries) > 0 {
		b.WriteString("| # | Kind | ID | Role | Title | Created | Deleted |\n|---|---|---|---|---|---|---|\n")
		for _, e := range r.entries {
			deleted := "pending"
			if !e.Pending() {
				deleted = e.DeletedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %s |\n",
				e.Seq, e.Kind, cell(e.ID), e.Role, cell(e.Title), e.CreatedAt.Format(time.RFC3339), deleted)
		}
		b.WriteString("\n")
	}

	if len(r.cleanups) > 0 {
		b.WriteString("## Cleanup\n\n")
		for _, s := range r.cleanups {
			fmt.Fprintf(&b, "- %s\n", s)
			for _, f := range s.Failures {
				fmt.Fprintf(&b, "  - %s %s (`%s`): %v\n", f.Kind, f.ID, f.Path, f.Err)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Failures\n\n")
	if len(r.failures) == 0 {
		b.WriteString("None.\n\n")
	}
	failures := append([]Failure(nil), r.failures...)
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Test < failures[j].Test })
	for _, f := range failures {
		fmt.Fprintf(&b, "### %s\n\n", f.Test)
		fmt.Fprintf(&b, "**%s**: %s\n\n", f.Code, f.Message)
		if f.URL != "" {
			fmt.Fprintf(&b, "At `%s`.\n\n", f.URL)
		}
		if len(f.Checked) > 0 {
			b.WriteString("Checked signals:\n\n")
			for _, c := range f.Checked {
				fmt.Fprintf(&b, "- %s\n", c)
			}
			b.WriteString("\n")
		}
		if f.Observed != "" {
			fmt.Fprintf(&b, "Observed:\n\n> %s\n\n", strings.Join(strings.Fields(f.Observed), " "))
		}
	}

	if len(r.artifacts) > 0 {
		b.WriteString("## Artifacts\n\n")
		for _, a := range r.artifacts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}
	return b.Bytes()
}

// renderMarkdown converts markdown to sanitized HTML.
func renderMarkdown(md []byte) []byte {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	doc := parser.NewWithExtensions(extensions).Parse(md)

	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank})
	out := markdown.Render(doc, renderer)

	policy := bluemonday.UGCPolicy()
	policy.AllowElements("pre", "code")
	return policy.SanitizeBytes(out)
}

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="UTF-8">
<title>CRÍTICO E2E {{.Scope}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ddd; padding: .25rem .5rem; }
blockquote { color: #555; border-left: 3px solid #ddd; margin-left: 0; padding-left: 1rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the report as a standalone page.
func (r *Report) HTML() ([]byte, error) {
	body := renderMarkdown(r.Markdown())
	var b bytes.Buffer
	err := pageTemplate.Execute(&b, struct {
		Scope string
		Body  template.HTML
	}{r.Scope, template.HTML(body)})
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return b.Bytes(), nil
}

// WriteFiles writes report-<scope>.md and report-<scope>.html into dir and
// returns their paths.
func (r *Report) WriteFiles(dir string) (mdPath, htmlPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create results dir: %w", err)
	}
	page, err := r.HTML()
	if err != nil {
		return "", "", err
	}
	mdPath = filepath.Join(dir, "report-"+r.Scope+".md")
	htmlPath = filepath.Join(dir, "report-"+r.Scope+".html")
	if err := os.WriteFile(mdPath, r.Markdown(), 0o644); err != nil {
		return "", "", fmt.Errorf("write report: %w", err)
	}
	if err := os.WriteFile(htmlPath, page, 0o644); err != nil {
		return "", "", fmt.Errorf("write report: %w", err)
	}
	return mdPath, htmlPath, nil
}
