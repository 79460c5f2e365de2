package metrics

import (
	"github.com/valpere/gemmabn/internal"
)

// Report scores one result table.
type Report struct {
	Rows    int
	OK      int
	NoMatch int
	Errors  int
	BLEU    BLEUScore
	// WER and CER are corpus-level: total edits over total reference length.
	WER float64
	CER float64
}

// Score computes BLEU, WER and CER over every row. NO_MATCH and ERROR rows
// are scored as empty hypotheses so failures count against the model.
func Score(rows []internal.PredictionRecord) Report {
	r := Report{Rows: len(rows)}
	hyps := make([]string, len(rows))
	refs := make([]string, len(rows))

	var wordErr, words, charErr, chars int
	for i, row := range rows {
		switch row.Status {
		case internal.StatusNoMatch:
			r.NoMatch++
		case internal.StatusError:
			r.Errors++
		default:
			r.OK++
			hyps[i] = row.Prediction
		}
		refs[i] = row.Target

		e, n := wordEdits(refs[i], hyps[i])
		wordErr += e
		words += n
		e, n = charEdits(refs[i], hyps[i])
		charErr += e
		chars += n
	}

	r.BLEU = CorpusBLEU(hyps, refs)
	if words > 0 {
		r.WER = float64(wordErr) / float64(words)
	}
	if chars > 0 {
		r.CER = float64(charErr) / float64(chars)
	}
	return r
}
