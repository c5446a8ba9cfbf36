package signals

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kuitang/critico-e2e/internal/selectors"
)

// MaxBiasScore is the top of the bias scale.
const MaxBiasScore = 12

// The "12" must not be followed by another "/" or digit, so dates such as
// 15/12/2025 are not read as scores.
var biasScorePattern = regexp.MustCompile(`(-?\d+(?:[.,]\d+)?)\s*/\s*12(?:$|[^/\d])`)

// BiasScoreSignal matches a "N/12" score anywhere in the page text. It does
// not check the range; use ExtractBiasScore for that.
func BiasScoreSignal() Signal {
	return Matches(biasScorePattern)
}

// ExtractBiasScore returns the first "N/12" score in text. Integer and decimal
// scores are accepted, with either decimal separator. A missing score or one
// outside [0, 12] is an AssertionError.
func ExtractBiasScore(text string) (float64, error) {
	m := biasScorePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, &AssertionError{What: "a bias score of the form N/12", Checked: []string{"text matches /" + biasScorePattern.String() + "/"}, Observed: excerpt(text)}
	}
	score, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return 0, &AssertionError{What: "a numeric bias score", Observed: strings.TrimSpace(m[0])}
	}
	if score < 0 || score > MaxBiasScore {
		return score, &AssertionError{What: fmt.Sprintf("bias score within [0, %d]", MaxBiasScore), Observed: m[1] + "/12"}
	}
	return score, nil
}

// BiasResult is a parsed bias-analysis panel.
type BiasResult struct {
	Score float64
	Level Level
}

// ExpectBiasResult reads the bias panel of s. The score and level come from
// the registry's bias.scoreDisplay and bias.levelDisplay elements when they
// render, and from the whole page text otherwise. The score must be present
// and in range; the level must name a known category.
func ExpectBiasResult(s *Snapshot) (BiasResult, error) {
	reg := selectors.Default()
	scoreText, ok := s.TextOf(reg, "bias", "scoreDisplay")
	if !ok {
		scoreText = s.Text
	}
	score, err := ExtractBiasScore(scoreText)
	if err != nil {
		var ae *AssertionError
		if errors.As(err, &ae) {
			ae.URL = s.URL
		}
		return BiasResult{}, err
	}

	levelText, ok := s.TextOf(reg, "bias", "levelDisplay")
	if !ok {
		levelText = s.Text
	}
	level, ok := ClassifyLevel(levelText)
	if !ok {
		return BiasResult{Score: score}, &AssertionError{
			What:     "a bias level",
			Checked:  []string{LevelSignal().Name},
			Observed: excerpt(levelText),
			URL:      s.URL,
		}
	}
	return BiasResult{Score: score, Level: level}, nil
}

func excerpt(text string) string {
	r := []rune(text)
	if len(r) <= excerptLen {
		return text
	}
	return string(r[:excerptLen]) + "…"
}
