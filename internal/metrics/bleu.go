// Package metrics scores predictions against references.
package metrics

import (
	"math"
	"strings"
	"unicode"
)

const maxOrder = 4

// BLEUScore is corpus-level BLEU on a 0-100 scale.
type BLEUScore struct {
	Score        float64
	Precisions   [maxOrder]float64
	BrevityPen   float64
	HypLength    int
	RefLength    int
	SegmentCount int
}

// CorpusBLEU computes BLEU-4 over aligned hypothesis/reference pairs with a
// single reference each. N-gram counts are summed over the corpus before
// the geometric mean is taken.
func CorpusBLEU(hypotheses, references []string) BLEUScore {
	var matches, totals [maxOrder]int
	score := BLEUScore{SegmentCount: min(len(hypotheses), len(references))}

	for i := 0; i < score.SegmentCount; i++ {
		hyp := Tokenize(hypotheses[i])
		ref := Tokenize(references[i])
		score.HypLength += len(hyp)
		score.RefLength += len(ref)

		for n := 1; n <= maxOrder; n++ {
			refCounts := ngrams(ref, n)
			for gram, c := range ngrams(hyp, n) {
				matches[n-1] += min(c, refCounts[gram])
				totals[n-1] += c
			}
		}
	}

	if score.HypLength == 0 {
		return score
	}

	logSum := 0.0
	for n := 0; n < maxOrder; n++ {
		if totals[n] == 0 || matches[n] == 0 {
			return score
		}
		p := float64(matches[n]) / float64(totals[n])
		score.Precisions[n] = 100 * p
		logSum += math.Log(p)
	}

	score.BrevityPen = 1
	if score.HypLength < score.RefLength {
		score.BrevityPen = math.Exp(1 - float64(score.RefLength)/float64(score.HypLength))
	}
	score.Score = 100 * score.BrevityPen * math.Exp(logSum/maxOrder)
	return score
}

// Tokenize splits on whitespace and separates punctuation, including the
// Bengali danda, into its own tokens.
func Tokenize(s string) []string {
	var tokens []string
	for _, field := range strings.Fields(s) {
		start := 0
		for i, r := range field {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				if start < i {
					tokens = append(tokens, field[start:i])
				}
				tokens = append(tokens, string(r))
				start = i + len(string(r))
			}
		}
		if start < len(field) {
			tokens = append(tokens, field[start:])
		}
	}
	return tokens
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return counts
}
