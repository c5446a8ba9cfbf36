package signals

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

//go:embed vocabulary.toml
var defaultVocabulary []byte

// Level is a bias-analysis rating category.
type Level string

const (
	LevelExcellent        Level = "excellent"
	LevelGood             Level = "good"
	LevelAcceptable       Level = "acceptable"
	LevelNeedsImprovement Level = "needs_improvement"
	LevelInsufficient     Level = "insufficient"
)

// Levels lists the categories best to worst.
var Levels = []Level{LevelExcellent, LevelGood, LevelAcceptable, LevelNeedsImprovement, LevelInsufficient}

// normalize lowercases s, strips combining marks and collapses whitespace.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

type levelTerm struct {
	level Level
	re    *regexp.Regexp
	size  int
}

// Vocabulary holds the phrase lists used by tolerant assertions.
type Vocabulary struct {
	version string
	levels  []levelTerm
	phrases map[string][]string
}

type vocabularyDoc struct {
	Version string              `toml:"version"`
	Levels  map[string][]string `toml:"levels"`
	Phrases map[string][]string `toml:"phrases"`
}

// LoadVocabulary parses a TOML vocabulary document.
func LoadVocabulary(data []byte) (*Vocabulary, error) {
	var doc vocabularyDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("vocabulary has no version")
	}
	v := &Vocabulary{version: doc.Version, phrases: doc.Phrases}
	for _, lvl := range Levels {
		terms := doc.Levels[string(lvl)]
		if len(terms) == 0 {
			return nil, fmt.Errorf("vocabulary has no terms for level %s", lvl)
		}
		for _, term := range terms {
			n := normalize(term)
			v.levels = append(v.levels, levelTerm{
				level: lvl,
				re:    regexp.MustCompile(`(^|[^a-z0-9])` + regexp.QuoteMeta(n) + `($|[^a-z0-9])`),
				size:  len(n),
			})
		}
	}
	for name := range doc.Levels {
		if !knownLevel(Level(name)) {
			return nil, fmt.Errorf("vocabulary names unknown level %q", name)
		}
	}
	// Longer terms first so "needs improvement" wins over a shorter overlap.
	sort.SliceStable(v.levels, func(i, j int) bool { return v.levels[i].size > v.levels[j].size })
	return v, nil
}

func knownLevel(l Level) bool {
	for _, k := range Levels {
		if k == l {
			return true
		}
	}
	return false
}

var (
	vocabOnce    sync.Once
	defaultVocab *Vocabulary
)

// DefaultVocabulary returns the vocabulary embedded in the binary.
func DefaultVocabulary() *Vocabulary {
	vocabOnce.Do(func() {
		v, err := LoadVocabulary(defaultVocabulary)
		if err != nil {
			panic(err)
		}
		defaultVocab = v
	})
	return defaultVocab
}

// Version returns the vocabulary document version.
func (v *Vocabulary) Version() string { return v.version }

// Phrases returns a Contains signal per phrase in the named list.
func (v *Vocabulary) Phrases(name string) []Signal {
	list := v.phrases[name]
	out := make([]Signal, 0, len(list))
	for _, p := range list {
		out = append(out, Contains(p))
	}
	return out
}

// PhraseLists returns the names of the phrase lists, sorted.
func (v *Vocabulary) PhraseLists() []string {
	names := make([]string, 0, len(v.phrases))
	for n := range v.phrases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ClassifyLevel returns the level whose term occurs earliest in text. Ties at
// the same position go to the longer term.
func (v *Vocabulary) ClassifyLevel(text string) (Level, bool) {
	n := normalize(text)
	best, bestAt := Level(""), -1
	for _, t := range v.levels {
		loc := t.re.FindStringIndex(n)
		if loc == nil {
			continue
		}
		if bestAt < 0 || loc[0] < bestAt {
			best, bestAt = t.level, loc[0]
		}
	}
	return best, bestAt >= 0
}

// ClassifyLevel classifies text with the default vocabulary.
func ClassifyLevel(text string) (Level, bool) {
	return DefaultVocabulary().ClassifyLevel(text)
}

// LevelSignal matches when the page text names any known level.
func LevelSignal() Signal {
	return Signal{
		Name: "text names a bias level",
		match: func(s *Snapshot) bool {
			_, ok := ClassifyLevel(s.Text)
			return ok
		},
	}
}
