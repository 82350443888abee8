package evaluation

import (
	"errors"
	"math"
	"strings"
)

// bleuEpsilon replaces a zero n-gram match count so one missing order does
// not zero the geometric mean.
const bleuEpsilon = 0.1

var ErrEmptyReference = errors.New("reference text is empty")

type LexicalScores struct {
	BLEU1  float64
	BLEU2  float64
	ROUGE1 float64
	ROUGE2 float64
	ROUGEL float64
}

// Lexical compares candidate against reference on lowercase whitespace
// tokens. An empty candidate scores 0 everywhere; an empty reference leaves
// the metrics undefined and returns ErrEmptyReference.
func Lexical(reference, candidate string) (LexicalScores, error) {
	ref := Tokenize(reference)
	cand := Tokenize(candidate)
	if len(ref) == 0 {
		return LexicalScores{}, ErrEmptyReference
	}
	if len(cand) == 0 {
		return LexicalScores{}, nil
	}

	p1 := modifiedPrecision(ref, cand, 1)
	p2 := modifiedPrecision(ref, cand, 2)
	bp := brevityPenalty(len(ref), len(cand))

	return LexicalScores{
		BLEU1:  clamp01(bp * p1),
		BLEU2:  clamp01(bp * math.Sqrt(p1*p2)),
		ROUGE1: rougeN(ref, cand, 1),
		ROUGE2: rougeN(ref, cand, 2),
		ROUGEL: rougeL(ref, cand),
	}, nil
}

func Tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

func overlap(ref, cand map[string]int) int {
	total := 0
	for g, c := range cand {
		total += min(c, ref[g])
	}
	return total
}

func modifiedPrecision(ref, cand []string, n int) float64 {
	total := len(cand) - n + 1
	if total <= 0 {
		return 0
	}
	matched := float64(overlap(ngrams(ref, n), ngrams(cand, n)))
	if matched == 0 {
		matched = bleuEpsilon
	}
	return matched / float64(total)
}

func brevityPenalty(refLen, candLen int) float64 {
	if candLen > refLen {
		return 1
	}
	return math.Exp(1 - float64(refLen)/float64(candLen))
}

func rougeN(ref, cand []string, n int) float64 {
	refGrams := ngrams(ref, n)
	candGrams := ngrams(cand, n)
	refTotal := len(ref) - n + 1
	candTotal := len(cand) - n + 1
	if refTotal <= 0 || candTotal <= 0 {
		return 0
	}
	hits := float64(overlap(refGrams, candGrams))
	return fMeasure(hits/float64(candTotal), hits/float64(refTotal))
}

func rougeL(ref, cand []string) float64 {
	l := float64(lcs(ref, cand))
	return fMeasure(l/float64(len(cand)), l/float64(len(ref)))
}

// lcs is the longest-common-subsequence length, two rows at a time.
func lcs(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func fMeasure(precision, recall float64) float64 {
	if precision+recall == 0 {
		return 0
	}
	return clamp01(2 * precision * recall / (precision + recall))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
