package evaluation

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/food-agent/backend/internal/agent"
	"github.com/food-agent/backend/internal/models"
)

const DefaultThreshold = 0.4

// Score weights.
const (
	weightQueryPresent     = 0.2
	weightExecutionSuccess = 0.3
	weightResultsMatch     = 0.5

	weightROUGEL = 0.15
	weightBLEU2  = 0.15
	weightJudge  = 0.70
)

// ResultsMatch is the Jaccard index of the two row sets, rows compared as
// tuples of stringified cells. Two empty sets match fully; a failed query
// matches nothing.
func ResultsMatch(a, b models.QueryResult) float64 {
	if !a.Success || !b.Success {
		return 0
	}
	left := rowSet(a.Rows)
	right := rowSet(b.Rows)
	if len(left) == 0 && len(right) == 0 {
		return 1
	}

	inter := 0
	for k := range left {
		if right[k] {
			inter++
		}
	}
	union := len(left) + len(right) - inter
	return float64(inter) / float64(union)
}

func rowSet(rows [][]string) map[string]bool {
	set := make(map[string]bool, len(rows))
	for _, row := range rows {
		set[rowKey(row)] = true
	}
	return set
}

// rowKey length-prefixes every cell, so no cell content can fake a column
// boundary.
func rowKey(row []string) string {
	var b strings.Builder
	for _, cell := range row {
		b.WriteString(strconv.Itoa(len(cell)))
		b.WriteByte(':')
		b.WriteString(cell)
	}
	return b.String()
}

func SQLScore(queryPresent, executionSuccess bool, resultsMatch float64) float64 {
	return weightQueryPresent*boolScore(queryPresent) +
		weightExecutionSuccess*boolScore(executionSuccess) +
		weightResultsMatch*clamp01(resultsMatch)
}

// CombinedScore mixes lexical overlap with the normalised judge score, or
// uses the judge alone when the lexical metrics could not be computed.
func CombinedScore(lex LexicalScores, lexicalOK bool, judge float64) float64 {
	if !lexicalOK {
		return clamp01(judge)
	}
	return clamp01(weightROUGEL*lex.ROUGEL + weightBLEU2*lex.BLEU2 + weightJudge*judge)
}

// SequenceRespect is 1 when every web search comes after at least one
// database step and no database step follows a web search.
func SequenceRespect(steps []models.Step) float64 {
	seenDB := false
	seenWeb := false
	for _, s := range steps {
		switch {
		case s.Action == models.ActionWebSearch:
			if !seenDB {
				return 0
			}
			seenWeb = true
		case s.Action.IsDatabase():
			if seenWeb {
				return 0
			}
			seenDB = true
		}
	}
	return 1
}

// IsRefusal reports whether the answer contains any localised refusal phrase.
func IsRefusal(answer string) bool {
	normalized := normalizeSpace(answer)
	if normalized == "" {
		return false
	}
	for _, phrase := range agent.RefusalPhrases {
		if strings.Contains(normalized, normalizeSpace(phrase)) {
			return true
		}
	}
	return false
}

// normalizeSpace folds case, composes accents and collapses whitespace so
// "Désolé" matches whether the agent emitted it composed or not.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(norm.NFC.String(s))), " ")
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
