// Package runner drives checkpointed batch inference over a list of prompts.
//
// Predictions are buffered and appended to a result table every
// CheckpointInterval items, so an interrupted run loses at most one
// interval of work and a restart picks up at the first row not yet on disk.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/valpere/gemmabn/internal"
	"github.com/valpere/gemmabn/internal/generator"
	"github.com/valpere/gemmabn/internal/orchestrator"
	"github.com/valpere/gemmabn/internal/postprocess"
	"github.com/valpere/gemmabn/internal/results"
)

const DefaultCheckpointInterval = 100

// Item is one prompt to run. Index is its position in the benchmark and
// therefore its row in the result table.
type Item struct {
	Index  int
	Prompt string
	Source string
	Target string
}

// Memory caches extracted predictions per experiment, model, decoding
// settings and prompt.
type Memory interface {
	GetCachedPrediction(ctx context.Context, key internal.MemoryKey) (string, bool, error)
	SaveToMemory(ctx context.Context, key internal.MemoryKey, prediction string) error
}

// Ledger records which rows of a run are durable.
type Ledger interface {
	SaveRows(ctx context.Context, runID string, rows []internal.PredictionRecord) error
}

type Options struct {
	CheckpointInterval int
	// Instruction is the text preceding the source in every prompt; the
	// answer is searched for after its last occurrence.
	Instruction     string
	Params          generator.DecodingParams
	ContinueOnError bool

	// Experiment and Model scope the prediction memory together with Params.
	Experiment string
	Model      string
	RunID      string
	Memory     Memory
	Ledger     Ledger

	// AfterFlush runs after every successful flush with the table path.
	AfterFlush func(ctx context.Context, path string) error
	// OnItem is called once per processed item, cached or generated.
	OnItem func(rec internal.PredictionRecord)
}

type Summary struct {
	Start     int
	Processed int
	Written   int
	Flushes   int
	NoMatch   int
	Errors    int
	Cached    int
	Elapsed   time.Duration
}

type Runner struct {
	exec  *orchestrator.Orchestrator
	table *results.Table
	opts  Options

	buf     []internal.PredictionRecord
	summary Summary
}

func New(exec *orchestrator.Orchestrator, table *results.Table, opts Options) *Runner {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.Params.NumBeams <= 0 || opts.Params.MaxNewTokens <= 0 {
		opts.Params = generator.DefaultDecodingParams()
	}
	return &Runner{
		exec:  exec,
		table: table,
		opts:  opts,
		buf:   make([]internal.PredictionRecord, 0, opts.CheckpointInterval),
	}
}

// Run processes items starting at the table's current row count. Items must
// be ordered by Index starting at zero.
//
// On cancellation or an unrecoverable item error the buffered rows are
// flushed before returning, so the returned Summary always reflects what is
// on disk.
func (r *Runner) Run(ctx context.Context, items []Item) (*Summary, error) {
	started := time.Now()
	defer func() { r.summary.Elapsed = time.Since(started) }()

	start, err := r.table.Len()
	if err != nil {
		return &r.summary, err
	}
	if start > len(items) {
		return &r.summary, fmt.Errorf("result table %s has %d rows but only %d items", r.table.Path(), start, len(items))
	}
	r.summary.Start = start
	if start > 0 {
		klog.Infof("resuming %s at row %d of %d", r.table.Path(), start, len(items))
	}

	for _, item := range items[start:] {
		if ctx.Err() != nil {
			return r.abort(ctx, ctx.Err())
		}

		rec, err := r.process(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return r.abort(ctx, ctx.Err())
			}
			if !r.opts.ContinueOnError {
				return r.abort(ctx, fmt.Errorf("item %d: %w", item.Index, err))
			}
			klog.Errorf("item %d failed, recording %s: %v", item.Index, internal.ErrorPrediction, err)
			rec = record(item, internal.ErrorPrediction, internal.StatusError)
			r.summary.Errors++
		}

		r.summary.Processed++
		r.buf = append(r.buf, rec)
		if r.opts.OnItem != nil {
			r.opts.OnItem(rec)
		}

		if len(r.buf) >= r.opts.CheckpointInterval {
			if err := r.flush(ctx); err != nil {
				return &r.summary, err
			}
		}
	}

	if err := r.flush(ctx); err != nil {
		return &r.summary, err
	}
	return &r.summary, nil
}

func (r *Runner) abort(ctx context.Context, cause error) (*Summary, error) {
	if err := r.flush(context.WithoutCancel(ctx)); err != nil {
		return &r.summary, errors.Join(cause, err)
	}
	return &r.summary, cause
}

func (r *Runner) process(ctx context.Context, item Item) (internal.PredictionRecord, error) {
	key := internal.MemoryKey{
		Experiment: r.opts.Experiment,
		Model:      r.opts.Model,
		Decoding:   r.opts.Params.String(),
		Prompt:     item.Prompt,
	}
	if r.opts.Memory != nil {
		cached, found, err := r.opts.Memory.GetCachedPrediction(ctx, key)
		if err != nil {
			klog.Warningf("prediction memory lookup failed: %v", err)
		} else if found {
			r.summary.Cached++
			klog.V(2).Infof("item %d: memory hit", item.Index)
			return record(item, cached, internal.StatusOK), nil
		}
	}

	if err := r.exec.Release(ctx); err != nil {
		klog.Warningf("release before item %d failed: %v", item.Index, err)
	}

	res := r.exec.Execute(ctx, generator.Request{Prompt: item.Prompt, Params: r.opts.Params})
	if err := res.Err(); err != nil {
		return internal.PredictionRecord{}, err
	}
	if res.Result == nil {
		return internal.PredictionRecord{}, generator.ErrNoSequences
	}

	ext := postprocess.Extract(res.Result.Sequences[0], r.opts.Instruction)
	if !ext.Matched {
		klog.Warningf("item %d: no answer span found in model output, recording %s", item.Index, internal.NoMatchPrediction)
		r.summary.NoMatch++
		return record(item, internal.NoMatchPrediction, internal.StatusNoMatch), nil
	}
	klog.V(2).Infof("item %d: %s in %v (%d attempts)", item.Index, ext.Text, res.Result.Latency, res.Attempts)

	if r.opts.Memory != nil {
		if err := r.opts.Memory.SaveToMemory(ctx, key, ext.Text); err != nil {
			klog.Warningf("failed to save prediction to memory: %v", err)
		}
	}
	return record(item, ext.Text, internal.StatusOK), nil
}

// flush appends the buffer to the table, records it in the ledger and runs
// the after-flush hook. An empty buffer is a no-op.
func (r *Runner) flush(ctx context.Context) error {
	if len(r.buf) == 0 {
		return nil
	}
	first := r.buf[0].Index

	added, err := r.table.Append(first, r.buf)
	if err != nil {
		return fmt.Errorf("failed to flush rows %d-%d: %w", first, first+len(r.buf)-1, err)
	}
	r.summary.Flushes++
	r.summary.Written += added
	klog.Infof("checkpoint: rows %d-%d written to %s", first, first+len(r.buf)-1, r.table.Path())

	if r.opts.Ledger != nil && r.opts.RunID != "" {
		if err := r.opts.Ledger.SaveRows(ctx, r.opts.RunID, r.buf); err != nil {
			klog.Warningf("failed to record rows in run ledger: %v", err)
		}
	}
	r.buf = r.buf[:0]

	if r.opts.AfterFlush != nil {
		if err := r.opts.AfterFlush(ctx, r.table.Path()); err != nil {
			klog.Warningf("after-flush hook failed: %v", err)
		}
	}
	return nil
}

func record(item Item, prediction string, status internal.Status) internal.PredictionRecord {
	return internal.PredictionRecord{
		Index:      item.Index,
		Source:     item.Source,
		Target:     item.Target,
		Prediction: prediction,
		Status:     status,
	}
}
