// Package prompt builds Gemma chat-formatted prompts for translation.
//
// A training prompt carries the reference completion inline; an inference
// prompt stops right after the model-turn opener so generation continues it.
package prompt

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/valpere/gemmabn/internal"
)

// Gemma turn markers.
const (
	StartOfTurn = "<start_of_turn>"
	EndOfTurn   = "<end_of_turn>"
	UserTurn    = StartOfTurn + "user\n"
	ModelTurn   = StartOfTurn + "model"
)

// DefaultSeed is the shuffle seed used for training sets.
const DefaultSeed = 42

// Direction selects which ParallelRecord field is the prompt source.
type Direction int

const (
	SourceToTarget Direction = iota
	TargetToSource
)

func (d Direction) String() string {
	switch d {
	case SourceToTarget:
		return "source-to-target"
	case TargetToSource:
		return "target-to-source"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Pick returns the (source, completion) texts of r for direction d.
func (d Direction) Pick(r internal.ParallelRecord) (string, string) {
	if d == TargetToSource {
		return r.Target, r.Source
	}
	return r.Source, r.Target
}

// Mode selects whether the completion is embedded in the prompt.
type Mode int

const (
	Inference Mode = iota
	Training
)

// TrainingInstruction is the instruction used for fine-tuning examples.
func TrainingInstruction(from, to Language) string {
	return fmt.Sprintf("Translate the following %s text to %s: ", from.Name, to.Name)
}

// InferenceInstruction is the instruction used for benchmark prompts. The
// extraction pattern searches for this exact text in the decoded output.
func InferenceInstruction(from, to Language) string {
	return fmt.Sprintf("Translate the following %s text into %s:", from.Name, to.Name)
}

// Build formats a single prompt. The output is a pure function of its inputs.
func Build(r internal.ParallelRecord, d Direction, instruction string, mode Mode) string {
	source, completion := d.Pick(r)

	var sb strings.Builder
	sb.WriteString(UserTurn)
	sb.WriteString(instruction)
	sb.WriteString(source)
	sb.WriteString(EndOfTurn)
	sb.WriteString("\n")
	sb.WriteString(ModelTurn)
	if mode == Training {
		sb.WriteString("\n")
		sb.WriteString(completion)
		sb.WriteString(" ")
		sb.WriteString(EndOfTurn)
	}
	return sb.String()
}

// BuildAll formats every record with the same direction, instruction and mode.
func BuildAll(records []internal.ParallelRecord, d Direction, instruction string, mode Mode) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = Build(r, d, instruction, mode)
	}
	return out
}

// BuildTrainingSet produces bidirectional training prompts: every record in
// the pair's forward direction followed by every record reversed, then
// shuffled with seed.
func BuildTrainingSet(records []internal.ParallelRecord, pair Pair, seed int64) []string {
	forward := BuildAll(records, SourceToTarget, TrainingInstruction(pair.Oriented(SourceToTarget)), Training)
	backward := BuildAll(records, TargetToSource, TrainingInstruction(pair.Oriented(TargetToSource)), Training)

	combined := make([]string, 0, len(forward)+len(backward))
	combined = append(combined, forward...)
	combined = append(combined, backward...)

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(combined), func(i, j int) {
		combined[i], combined[j] = combined[j], combined[i]
	})
	return combined
}

// BuildValidationSet produces forward-direction training-mode prompts, unshuffled.
func BuildValidationSet(records []internal.ParallelRecord, pair Pair) []string {
	return BuildAll(records, SourceToTarget, TrainingInstruction(pair.Oriented(SourceToTarget)), Training)
}

// BuildInferenceSet produces forward-direction inference prompts.
func BuildInferenceSet(records []internal.ParallelRecord, pair Pair) []string {
	return BuildAll(records, SourceToTarget, InferenceInstruction(pair.Oriented(SourceToTarget)), Inference)
}
