// Package postprocess extracts the model's answer from decoded generation
// output and strips leftover chat-format tokens.
package postprocess

import (
	"regexp"
	"strings"
)

// Extraction is the outcome of locating an answer span in one output.
type Extraction struct {
	Text    string
	Matched bool
}

// modelTurnRe matches everything up to the first model-turn opener and
// captures the remainder. The opener appears as "\nmodel\n" when special
// tokens were skipped during decoding and as "<start_of_turn>model\n" when
// they were kept.
// Flags: s = dot matches newline.
var modelTurnRe = regexp.MustCompile(`(?s)^.*?(?:\n|<start_of_turn>)model\n(.*)$`)

// specialTokenRe matches Gemma control tokens that may survive decoding.
var specialTokenRe = regexp.MustCompile(`<(?:start_of_turn|end_of_turn|eos|bos|pad)>`)

// Extract returns the text following the last occurrence of instruction and
// the first model-turn opener after it, cleaned and trimmed. Matched is false
// when either marker is missing; Text is then empty.
func Extract(output, instruction string) Extraction {
	idx := strings.LastIndex(output, instruction)
	if idx < 0 {
		return Extraction{}
	}
	m := modelTurnRe.FindStringSubmatch(output[idx+len(instruction):])
	if m == nil {
		return Extraction{}
	}
	return Extraction{Text: Clean(m[1]), Matched: true}
}

// Clean removes chat control tokens and surrounding whitespace.
func Clean(text string) string {
	text = specialTokenRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
