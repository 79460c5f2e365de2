// Package tokenizer counts prompt tokens with the model's sentencepiece
// vocabulary, to flag training examples that will be truncated.
package tokenizer

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
)

// DefaultMaxSeqLength matches the trainer's sequence length.
const DefaultMaxSeqLength = 256

// Counter reports how many tokens a text encodes to.
type Counter interface {
	CountTokens(text string) int
}

type Processor struct {
	*esentencepiece.Processor
}

func NewFromPath(vocabPath string) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece from %q", vocabPath)
	}
	return &Processor{Processor: proc}, nil
}

// CountTokens returns the number of pieces text encodes to, without bos/eos.
func (p *Processor) CountTokens(text string) int {
	return len(p.Processor.Encode(text))
}

// LengthReport describes prompt lengths against a limit.
type LengthReport struct {
	Total     int
	OverLimit int
	Longest   int
	// Indices of prompts over the limit, in input order.
	Over []int
}

// CheckLengths counts tokens of every prompt and records those longer than
// maxLen. A non-positive maxLen uses DefaultMaxSeqLength.
func CheckLengths(c Counter, prompts []string, maxLen int) LengthReport {
	if maxLen <= 0 {
		maxLen = DefaultMaxSeqLength
	}
	report := LengthReport{Total: len(prompts)}
	for i, p := range prompts {
		n := c.CountTokens(p)
		if n > report.Longest {
			report.Longest = n
		}
		if n > maxLen {
			report.OverLimit++
			report.Over = append(report.Over, i)
		}
	}
	return report
}
