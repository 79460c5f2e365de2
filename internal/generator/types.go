// Package generator talks to the external text-generation capability that
// hosts the fine-tuned model.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoSequences is returned when a backend answers without any output.
var ErrNoSequences = errors.New("no sequences returned")

// DecodingParams configures one generation call.
type DecodingParams struct {
	NumBeams           int  `mapstructure:"num_beams" json:"num_beams"`
	MaxNewTokens       int  `mapstructure:"max_new_tokens" json:"max_new_tokens"`
	ReturnAllSequences bool `mapstructure:"return_all_sequences" json:"return_all_sequences"`
}

// DefaultDecodingParams is deterministic six-beam search capped at 130 new tokens.
func DefaultDecodingParams() DecodingParams {
	return DecodingParams{NumBeams: 6, MaxNewTokens: 130}
}

// String is a stable rendering used to key remembered predictions.
func (p DecodingParams) String() string {
	return fmt.Sprintf("beams=%d,max_new_tokens=%d,all=%t", p.NumBeams, p.MaxNewTokens, p.ReturnAllSequences)
}

type Request struct {
	Prompt string         `json:"prompt"`
	Params DecodingParams `json:"params"`
}

// Result holds the decoded outputs for one prompt, best beam first. Each
// sequence is the full decoded text including the prompt.
type Result struct {
	Backend   string        `json:"backend"`
	Model     string        `json:"model"`
	Sequences []string      `json:"sequences"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Generator is the generation capability: prompt in, decoded sequences out.
type Generator interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (*Result, error)
	IsAvailable(ctx context.Context) error
}

// Releaser is implemented by backends that can free transient accelerator
// memory between items.
type Releaser interface {
	Release(ctx context.Context) error
}
