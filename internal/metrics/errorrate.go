package metrics

import (
	"fmt"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

var unitCost = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// WER is the word error rate: (substitutions + insertions + deletions) /
// number of words in reference.
func WER(reference, hypothesis string) (float64, error) {
	edits, n := wordEdits(reference, hypothesis)
	return rate(edits, n, "WER")
}

// CER is the character error rate over Unicode code points.
func CER(reference, hypothesis string) (float64, error) {
	edits, n := charEdits(reference, hypothesis)
	return rate(edits, n, "CER")
}

func rate(edits, n int, name string) (float64, error) {
	if n == 0 {
		if edits == 0 {
			return 0, nil
		}
		return 1, fmt.Errorf("reference is empty, cannot normalize %s (hypothesis: %d units)", name, edits)
	}
	return float64(edits) / float64(n), nil
}

func wordEdits(reference, hypothesis string) (int, int) {
	ref := strings.Fields(reference)
	hyp := strings.Fields(hypothesis)

	// The distance is computed over runes, so give every distinct word its
	// own code point from the supplementary private use area.
	vocab := make(map[string]rune)
	encode := func(words []string) []rune {
		out := make([]rune, len(words))
		for i, w := range words {
			r, ok := vocab[w]
			if !ok {
				r = 0xF0000 + rune(len(vocab))
				vocab[w] = r
			}
			out[i] = r
		}
		return out
	}

	return levenshtein.DistanceForStrings(encode(ref), encode(hyp), unitCost), len(ref)
}

func charEdits(reference, hypothesis string) (int, int) {
	ref := []rune(reference)
	return levenshtein.DistanceForStrings(ref, []rune(hypothesis), unitCost), len(ref)
}
