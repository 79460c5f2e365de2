package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/gemmabn/internal/generator"
)

type mockGenerator struct {
	nameVal      string
	generateFunc func(ctx context.Context, req generator.Request) (*generator.Result, error)
	callCount    atomic.Int32
}

func (m *mockGenerator) Name() string  { return m.nameVal }
func (m *mockGenerator) Model() string { return "mock-model" }

func (m *mockGenerator) Generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	m.callCount.Add(1)
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return &generator.Result{Backend: m.nameVal, Sequences: []string{"mock result"}}, nil
}

func (m *mockGenerator) IsAvailable(ctx context.Context) error { return nil }

type releasingGenerator struct {
	mockGenerator
	releases atomic.Int32
}

func (r *releasingGenerator) Release(ctx context.Context) error {
	r.releases.Add(1)
	return nil
}

func TestOrchestrator_New_Defaults(t *testing.T) {
	o := New(&mockGenerator{nameVal: "mock"}, OrchestratorConfig{RetryDelay: -time.Second})

	assert.Equal(t, 2, o.config.MaxAttempts)
	assert.Zero(t, o.config.RetryDelay, "negative delay is clamped")
}

func TestOrchestrator_Execute_Success(t *testing.T) {
	gen := &mockGenerator{nameVal: "mock"}
	o := New(gen, OrchestratorConfig{Timeout: 5 * time.Second, MaxAttempts: 2})

	result := o.Execute(context.Background(), generator.Request{Prompt: "Hello"})

	require.NoError(t, result.Err())
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, []string{"mock result"}, result.Result.Sequences)
}

func TestOrchestrator_Execute_RetryOnceAfterRelease(t *testing.T) {
	gen := &releasingGenerator{}
	gen.nameVal = "releasing"
	gen.generateFunc = func(ctx context.Context, req generator.Request) (*generator.Result, error) {
		if gen.callCount.Load() == 1 {
			return nil, errors.New("CUDA out of memory")
		}
		return &generator.Result{Sequences: []string{"second try"}}, nil
	}

	o := New(gen, OrchestratorConfig{Timeout: 5 * time.Second, MaxAttempts: 2, RetryDelay: time.Millisecond})

	result := o.Execute(context.Background(), generator.Request{Prompt: "Hello"})

	require.NoError(t, result.Err())
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, int32(1), gen.releases.Load())
	assert.Len(t, result.Errors, 1)
}

func TestOrchestrator_Release(t *testing.T) {
	gen := &releasingGenerator{}
	require.NoError(t, New(gen, OrchestratorConfig{}).Release(context.Background()))
	assert.Equal(t, int32(1), gen.releases.Load())

	// Backends without Release are left alone.
	assert.NoError(t, New(&mockGenerator{}, OrchestratorConfig{}).Release(context.Background()))
}

func TestOrchestrator_Execute_AllAttemptsFail(t *testing.T) {
	gen := &mockGenerator{
		nameVal: "failing",
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			return &generator.Result{Error: "temporary failure"}, errors.New("temporary failure")
		},
	}
	o := New(gen, OrchestratorConfig{MaxAttempts: 3, RetryDelay: time.Millisecond})

	result := o.Execute(context.Background(), generator.Request{Prompt: "Hello"})

	require.Error(t, result.Err())
	assert.Equal(t, int32(3), gen.callCount.Load())
	assert.Len(t, result.Errors, 3)
}

func TestOrchestrator_Execute_ResultErrorField(t *testing.T) {
	gen := &mockGenerator{
		nameVal: "soft-fail",
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			return &generator.Result{Error: "bad input"}, nil
		},
	}
	o := New(gen, OrchestratorConfig{MaxAttempts: 1})

	result := o.Execute(context.Background(), generator.Request{})

	assert.EqualError(t, result.Err(), "attempt 1: bad input")
}

func TestOrchestrator_Execute_NoSequences(t *testing.T) {
	gen := &mockGenerator{
		nameVal: "empty",
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			return &generator.Result{}, nil
		},
	}
	o := New(gen, OrchestratorConfig{MaxAttempts: 1})

	result := o.Execute(context.Background(), generator.Request{})

	assert.ErrorIs(t, result.Err(), generator.ErrNoSequences)
}

func TestOrchestrator_Execute_Timeout(t *testing.T) {
	gen := &mockGenerator{
		nameVal: "slow",
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	o := New(gen, OrchestratorConfig{Timeout: 10 * time.Millisecond, MaxAttempts: 2, RetryDelay: time.Millisecond})

	result := o.Execute(context.Background(), generator.Request{})

	assert.ErrorIs(t, result.Err(), context.DeadlineExceeded)
	assert.Equal(t, int32(2), gen.callCount.Load())
}

func TestOrchestrator_Execute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &mockGenerator{
		nameVal: "cancelled",
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	o := New(gen, OrchestratorConfig{MaxAttempts: 3})

	result := o.Execute(ctx, generator.Request{})

	assert.ErrorIs(t, result.Err(), context.Canceled)
	assert.Equal(t, int32(1), gen.callCount.Load(), "no retries after cancellation")
}
