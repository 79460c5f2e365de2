// Package orchestrator runs one generation call under a per-attempt timeout,
// retrying after releasing backend resources.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/valpere/gemmabn/internal/generator"
)

type OrchestratorConfig struct {
	// Timeout bounds a single attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// MaxAttempts counts the first try; 2 retries once.
	MaxAttempts int
	RetryDelay  time.Duration
}

type OrchestratorResult struct {
	Result   *generator.Result
	Errors   []error
	Attempts int
}

// Err returns the last attempt's error, or nil when a result was produced.
func (r *OrchestratorResult) Err() error {
	if r.Result != nil || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

type Orchestrator struct {
	gen    generator.Generator
	config OrchestratorConfig
}

func New(gen generator.Generator, config OrchestratorConfig) *Orchestrator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 2
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	return &Orchestrator{
		gen:    gen,
		config: config,
	}
}

// Execute calls the generator until it returns at least one sequence or the
// attempts run out. Before every retry the backend is asked to release
// resources when it implements generator.Releaser. Cancellation of ctx stops
// retrying immediately.
func (o *Orchestrator) Execute(ctx context.Context, req generator.Request) *OrchestratorResult {
	result := &OrchestratorResult{}

	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.Release(ctx); err != nil {
				klog.Warningf("release before retry failed: %v", err)
			}
			select {
			case <-ctx.Done():
				result.Errors = append(result.Errors, ctx.Err())
				return result
			case <-time.After(o.config.RetryDelay):
			}
		}

		result.Attempts = attempt
		res, err := o.attempt(ctx, req)
		if err == nil {
			result.Result = res
			return result
		}

		result.Errors = append(result.Errors, fmt.Errorf("attempt %d: %w", attempt, err))
		if ctx.Err() != nil {
			return result
		}
		if attempt < o.config.MaxAttempts {
			klog.Warningf("%s generation attempt %d/%d failed: %v", o.gen.Name(), attempt, o.config.MaxAttempts, err)
		}
	}

	return result
}

func (o *Orchestrator) attempt(ctx context.Context, req generator.Request) (*generator.Result, error) {
	attemptCtx := ctx
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	res, err := o.gen.Generate(attemptCtx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, generator.ErrNoSequences
	}
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}
	if len(res.Sequences) == 0 {
		return nil, generator.ErrNoSequences
	}
	return res, nil
}

// Release frees transient backend resources. Backends that do not implement
// generator.Releaser are left alone.
func (o *Orchestrator) Release(ctx context.Context) error {
	r, ok := o.gen.(generator.Releaser)
	if !ok {
		return nil
	}
	return r.Release(ctx)
}
