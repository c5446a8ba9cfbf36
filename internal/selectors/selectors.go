// Package selectors is the registry of semantic UI element names and the ordered
// strategies used to locate them.
package selectors

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/kuitang/critico-e2e/internal/errs"
)

//go:embed selectors.toml
var defaultDocument []byte

// Kind identifies how a strategy locates elements.
type Kind string

const (
	KindAttribute Kind = "attribute"
	KindCSS       Kind = "css"
	KindText      Kind = "text"
)

// Strategy is one way of locating an element. Exactly one of the constructors
// Attribute, CSS or TextMatch builds a valid Strategy.
type Strategy struct {
	Kind     Kind
	Selector string         // Attribute and CSS
	Pattern  *regexp.Regexp // TextMatch
	Tag      string         // TextMatch: optional element restriction
}

var attributeSelector = regexp.MustCompile(`^\[data-[a-z0-9-]+(?:[~|^$*]?=(?:"[^"]*"|'[^']*'))?\]$`)

// Attribute locates elements by a test-only data attribute selector such as
// [data-cy="email-input"].
func Attribute(selector string) Strategy {
	return Strategy{Kind: KindAttribute, Selector: selector}
}

// CSS locates elements by an arbitrary CSS selector.
func CSS(selector string) Strategy {
	return Strategy{Kind: KindCSS, Selector: selector}
}

// TextMatch locates the innermost elements whose text content matches pattern,
// restricted to tag when it is non-empty.
func TextMatch(pattern *regexp.Regexp, tag string) Strategy {
	return Strategy{Kind: KindText, Pattern: pattern, Tag: tag}
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindAttribute:
		return "attribute " + s.Selector
	case KindCSS:
		return "css " + s.Selector
	case KindText:
		if s.Tag != "" {
			return fmt.Sprintf("text /%s/ in <%s>", s.Pattern, s.Tag)
		}
		return fmt.Sprintf("text /%s/", s.Pattern)
	default:
		return "invalid strategy"
	}
}

func (s Strategy) validate() error {
	switch s.Kind {
	case KindAttribute:
		if !attributeSelector.MatchString(s.Selector) {
			return fmt.Errorf("attribute strategy %q is not a [data-*] selector", s.Selector)
		}
	case KindCSS:
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("css strategy is empty")
		}
	case KindText:
		if s.Pattern == nil {
			return fmt.Errorf("text strategy has no pattern")
		}
	default:
		return fmt.Errorf("unknown strategy kind %q", s.Kind)
	}
	return nil
}

// UnknownSelectorError reports a lookup of a (module, element) pair the registry
// does not define.
type UnknownSelectorError struct {
	Module  string
	Element string
	Known   []string // elements defined for Module, when the module exists
}

func (e *UnknownSelectorError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown selector module %q (element %q)", e.Module, e.Element)
	}
	return fmt.Sprintf("unknown selector %s.%s (module defines: %s)", e.Module, e.Element, strings.Join(e.Known, ", "))
}

func (e *UnknownSelectorError) ErrorCode() errs.Code { return errs.UnknownSelector }

// Registry maps module/element names to strategy lists. It is immutable after Load.
type Registry struct {
	version string
	modules map[string]map[string][]Strategy
}

type strategyDoc struct {
	Attr string `toml:"attr"`
	CSS  string `toml:"css"`
	Text string `toml:"text"`
	Tag  string `toml:"tag"`
}

type registryDoc struct {
	Version string                              `toml:"version"`
	Modules map[string]map[string][]strategyDoc `toml:"modules"`
}

// Load parses a TOML registry document.
func Load(data []byte) (*Registry, error) {
	var doc registryDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse selector registry: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("selector registry has no version")
	}

	reg := &Registry{version: doc.Version, modules: make(map[string]map[string][]Strategy, len(doc.Modules))}
	for module, elements := range doc.Modules {
		reg.modules[module] = make(map[string][]Strategy, len(elements))
		for element, docs := range elements {
			if len(docs) == 0 {
				return nil, fmt.Errorf("%s.%s: no strategies", module, element)
			}
			strategies := make([]Strategy, 0, len(docs))
			for i, d := range docs {
				s, err := d.strategy()
				if err != nil {
					return nil, fmt.Errorf("%s.%s[%d]: %w", module, element, i, err)
				}
				strategies = append(strategies, s)
			}
			reg.modules[module][element] = strategies
		}
	}
	return reg, nil
}

func (d strategyDoc) strategy() (Strategy, error) {
	set := 0
	for _, v := range []string{d.Attr, d.CSS, d.Text} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return Strategy{}, fmt.Errorf("exactly one of attr, css, text must be set")
	}
	if d.Tag != "" && d.Text == "" {
		return Strategy{}, fmt.Errorf("tag is only valid with text")
	}

	var s Strategy
	switch {
	case d.Attr != "":
		s = Attribute(d.Attr)
	case d.CSS != "":
		s = CSS(d.CSS)
	default:
		re, err := regexp.Compile(d.Text)
		if err != nil {
			return Strategy{}, fmt.Errorf("text pattern: %w", err)
		}
		s = TextMatch(re, d.Tag)
	}
	return s, s.validate()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry embedded in the binary. It panics if the embedded
// document is invalid, which the package tests rule out.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := Load(defaultDocument)
		if err != nil {
			panic(err)
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

// Version returns the registry document version.
func (r *Registry) Version() string { return r.version }

// Resolve returns the strategies for module.element in priority order. The
// returned slice is a copy.
func (r *Registry) Resolve(module, element string) ([]Strategy, error) {
	elements, ok := r.modules[module]
	if !ok {
		return nil, &UnknownSelectorError{Module: module, Element: element}
	}
	strategies, ok := elements[element]
	if !ok {
		return nil, &UnknownSelectorError{Module: module, Element: element, Known: r.Elements(module)}
	}
	return append([]Strategy(nil), strategies...), nil
}

// Modules lists module names in sorted order.
func (r *Registry) Modules() []string {
	out := make([]string, 0, len(r.modules))
	for m := range r.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Elements lists element names of module in sorted order.
func (r *Registry) Elements(module string) []string {
	out := make([]string, 0, len(r.modules[module]))
	for e := range r.modules[module] {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// LintIssue describes a registry entry that does not follow selector conventions.
type LintIssue struct {
	Module  string
	Element string
	Problem string
}

func (i LintIssue) String() string {
	return fmt.Sprintf("%s.%s: %s", i.Module, i.Element, i.Problem)
}

// Lint reports entries whose primary strategy is not a test attribute, and
// entries that repeat a strategy.
func (r *Registry) Lint() []LintIssue {
	var issues []LintIssue
	for _, module := range r.Modules() {
		for _, element := range r.Elements(module) {
			strategies := r.modules[module][element]
			if strategies[0].Kind != KindAttribute {
				issues = append(issues, LintIssue{module, element, "primary strategy is " + strategies[0].String() + ", want a [data-*] attribute"})
			}
			seen := make(map[string]bool, len(strategies))
			for _, s := range strategies {
				key := s.String()
				if seen[key] {
					issues = append(issues, LintIssue{module, element, "duplicate strategy " + key})
				}
				seen[key] = true
			}
		}
	}
	return issues
}
