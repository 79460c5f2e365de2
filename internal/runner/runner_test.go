package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/gemmabn/internal"
	"github.com/valpere/gemmabn/internal/generator"
	"github.com/valpere/gemmabn/internal/orchestrator"
	"github.com/valpere/gemmabn/internal/prompt"
	"github.com/valpere/gemmabn/internal/results"
	"github.com/valpere/gemmabn/internal/store"
)

var instruction = prompt.InferenceInstruction(prompt.Bengali, prompt.English)

// echoGenerator answers every prompt with "pred:<source>" appended after the
// model turn, the way a model decoded with special tokens kept would.
type echoGenerator struct {
	generateFunc func(ctx context.Context, req generator.Request) (*generator.Result, error)
	calls        atomic.Int32
	releases     atomic.Int32
}

func (g *echoGenerator) Name() string                          { return "echo" }
func (g *echoGenerator) Model() string                         { return "echo-model" }
func (g *echoGenerator) IsAvailable(ctx context.Context) error { return nil }

func (g *echoGenerator) Release(ctx context.Context) error {
	g.releases.Add(1)
	return nil
}

func (g *echoGenerator) Generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	g.calls.Add(1)
	if g.generateFunc != nil {
		return g.generateFunc(ctx, req)
	}
	return &generator.Result{Sequences: []string{echo(req.Prompt)}}, nil
}

func echo(p string) string {
	src := strings.TrimSuffix(strings.TrimPrefix(p, prompt.UserTurn+instruction), prompt.EndOfTurn+"\n"+prompt.ModelTurn)
	return p + "\npred:" + src + prompt.EndOfTurn
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		rec := internal.ParallelRecord{Source: fmt.Sprintf("src-%d", i), Target: fmt.Sprintf("tgt-%d", i)}
		items[i] = Item{
			Index:  i,
			Prompt: prompt.Build(rec, prompt.SourceToTarget, instruction, prompt.Inference),
			Source: rec.Source,
			Target: rec.Target,
		}
	}
	return items
}

func newRunner(gen generator.Generator, table *results.Table, opts Options) *Runner {
	if opts.Instruction == "" {
		opts.Instruction = instruction
	}
	return New(orchestrator.New(gen, orchestrator.OrchestratorConfig{MaxAttempts: 2}), table, opts)
}

func newTable() *results.Table {
	return results.NewTable(afero.NewMemMapFs(), "/results/exp/gemma_7b_rising_preds.csv")
}

type countingLedger struct {
	rows map[int]internal.Status
}

func (l *countingLedger) SaveRows(ctx context.Context, runID string, rows []internal.PredictionRecord) error {
	for _, r := range rows {
		l.rows[r.Index] = r.Status
	}
	return nil
}

type mapMemory map[internal.MemoryKey]string

func (m mapMemory) GetCachedPrediction(ctx context.Context, key internal.MemoryKey) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapMemory) SaveToMemory(ctx context.Context, key internal.MemoryKey, prediction string) error {
	m[key] = prediction
	return nil
}

func memKey(experiment, model string, params generator.DecodingParams, p string) internal.MemoryKey {
	return internal.MemoryKey{Experiment: experiment, Model: model, Decoding: params.String(), Prompt: p}
}

func TestRun_CheckpointCount(t *testing.T) {
	table := newTable()
	var flushedSizes []int
	gen := &echoGenerator{}
	r := newRunner(gen, table, Options{
		CheckpointInterval: 100,
		AfterFlush: func(ctx context.Context, path string) error {
			n, err := table.Len()
			flushedSizes = append(flushedSizes, n)
			return err
		},
	})

	summary, err := r.Run(context.Background(), makeItems(250))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Flushes)
	assert.Equal(t, 250, summary.Processed)
	assert.Equal(t, 250, summary.Written)
	assert.Equal(t, []int{100, 200, 250}, flushedSizes)

	rows, err := table.Read()
	require.NoError(t, err)
	require.Len(t, rows, 250)
	for i, row := range rows {
		assert.Equal(t, fmt.Sprintf("src-%d", i), row.Source)
		assert.Equal(t, fmt.Sprintf("tgt-%d", i), row.Target)
		assert.Equal(t, fmt.Sprintf("pred:src-%d", i), row.Prediction)
	}
	assert.Equal(t, int32(250), gen.releases.Load())
}

func TestRun_FlushCountProperty(t *testing.T) {
	for _, tc := range []struct{ n, k, flushes int }{
		{n: 1, k: 1, flushes: 1},
		{n: 10, k: 5, flushes: 2},
		{n: 11, k: 5, flushes: 3},
		{n: 4, k: 5, flushes: 1},
	} {
		t.Run(fmt.Sprintf("n=%d,k=%d", tc.n, tc.k), func(t *testing.T) {
			table := newTable()
			summary, err := newRunner(&echoGenerator{}, table, Options{CheckpointInterval: tc.k}).
				Run(context.Background(), makeItems(tc.n))
			require.NoError(t, err)
			assert.Equal(t, tc.flushes, summary.Flushes)
			n, err := table.Len()
			require.NoError(t, err)
			assert.Equal(t, tc.n, n)
		})
	}
}

func TestRun_ZeroItems(t *testing.T) {
	fs := afero.NewMemMapFs()
	table := results.NewTable(fs, "/results/exp/empty_preds.csv")

	summary, err := newRunner(&echoGenerator{}, table, Options{CheckpointInterval: 10}).
		Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Flushes)

	exists, err := afero.Exists(fs, table.Path())
	require.NoError(t, err)
	assert.False(t, exists, "no table should be created for zero items")
}

func TestRun_NoMatch(t *testing.T) {
	gen := &echoGenerator{
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			if strings.Contains(req.Prompt, "src-1") {
				return &generator.Result{Sequences: []string{"garbage without markers"}}, nil
			}
			return &generator.Result{Sequences: []string{echo(req.Prompt)}}, nil
		},
	}
	table := newTable()

	summary, err := newRunner(gen, table, Options{CheckpointInterval: 10}).Run(context.Background(), makeItems(3))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NoMatch)

	rows, err := table.Read()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "pred:src-0", rows[0].Prediction)
	// The mismatch must not inherit the previous item's prediction.
	assert.Equal(t, internal.NoMatchPrediction, rows[1].Prediction)
	assert.Equal(t, internal.StatusNoMatch, rows[1].Status)
	assert.Equal(t, "pred:src-2", rows[2].Prediction)
}

func TestRun_RetryAfterFailure(t *testing.T) {
	gen := &echoGenerator{}
	gen.generateFunc = func(ctx context.Context, req generator.Request) (*generator.Result, error) {
		if gen.calls.Load() == 1 {
			return nil, errors.New("CUDA out of memory")
		}
		return &generator.Result{Sequences: []string{echo(req.Prompt)}}, nil
	}
	table := newTable()

	summary, err := newRunner(gen, table, Options{}).Run(context.Background(), makeItems(2))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, int32(3), gen.calls.Load())

	rows, err := table.Read()
	require.NoError(t, err)
	assert.Equal(t, "pred:src-0", rows[0].Prediction)
}

func TestRun_ContinueOnError(t *testing.T) {
	gen := &echoGenerator{
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			if strings.Contains(req.Prompt, "src-1") {
				return nil, errors.New("backend down")
			}
			return &generator.Result{Sequences: []string{echo(req.Prompt)}}, nil
		},
	}
	table := newTable()
	ledger := &countingLedger{rows: map[int]internal.Status{}}

	summary, err := newRunner(gen, table, Options{
		CheckpointInterval: 2,
		ContinueOnError:    true,
		RunID:              "run-1",
		Ledger:             ledger,
	}).Run(context.Background(), makeItems(3))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)

	rows, err := table.Read()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, internal.ErrorPrediction, rows[1].Prediction)
	assert.Equal(t, internal.StatusError, ledger.rows[1])
	assert.Len(t, ledger.rows, 3)
}

func TestRun_StopOnErrorFlushesBuffer(t *testing.T) {
	gen := &echoGenerator{
		generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
			if strings.Contains(req.Prompt, "src-3") {
				return nil, errors.New("backend down")
			}
			return &generator.Result{Sequences: []string{echo(req.Prompt)}}, nil
		},
	}
	table := newTable()

	summary, err := newRunner(gen, table, Options{CheckpointInterval: 10}).Run(context.Background(), makeItems(6))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 3")
	assert.Equal(t, 1, summary.Flushes)

	n, err := table.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_Resume(t *testing.T) {
	table := newTable()
	items := makeItems(7)

	_, err := table.Append(0, []internal.PredictionRecord{
		{Index: 0, Source: "src-0", Target: "tgt-0", Prediction: "earlier-0"},
		{Index: 1, Source: "src-1", Target: "tgt-1", Prediction: "earlier-1"},
		{Index: 2, Source: "src-2", Target: "tgt-2", Prediction: "earlier-2"},
	})
	require.NoError(t, err)

	gen := &echoGenerator{}
	summary, err := newRunner(gen, table, Options{CheckpointInterval: 3}).Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Start)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, int32(4), gen.calls.Load())

	rows, err := table.Read()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, "earlier-2", rows[2].Prediction)
	assert.Equal(t, "pred:src-3", rows[3].Prediction)

	// A second run over a complete table does nothing.
	summary, err = newRunner(gen, table, Options{CheckpointInterval: 3}).Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, summary.Flushes)
}

func TestRun_TableLongerThanItems(t *testing.T) {
	table := newTable()
	_, err := table.Append(0, []internal.PredictionRecord{{Index: 0}, {Index: 1}})
	require.NoError(t, err)

	_, err = newRunner(&echoGenerator{}, table, Options{}).Run(context.Background(), makeItems(1))
	assert.Error(t, err)
}

func TestRun_CancellationFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &echoGenerator{}
	gen.generateFunc = func(c context.Context, req generator.Request) (*generator.Result, error) {
		if gen.calls.Load() == 4 {
			cancel()
			return nil, c.Err()
		}
		return &generator.Result{Sequences: []string{echo(req.Prompt)}}, nil
	}
	table := newTable()

	summary, err := newRunner(gen, table, Options{CheckpointInterval: 100}).Run(ctx, makeItems(10))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, summary.Processed)

	n, err := table.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_Memory(t *testing.T) {
	items := makeItems(2)
	params := generator.DefaultDecodingParams()
	mem := mapMemory{memKey("exp", "echo-model", params, items[0].Prompt): "remembered"}
	gen := &echoGenerator{}
	table := newTable()

	summary, err := newRunner(gen, table, Options{Experiment: "exp", Model: "echo-model", Memory: mem}).
		Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cached)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, "pred:src-1", mem[memKey("exp", "echo-model", params, items[1].Prompt)])

	rows, err := table.Read()
	require.NoError(t, err)
	assert.Equal(t, "remembered", rows[0].Prediction)
}

func TestRun_MemoryScopedByExperimentAndDecoding(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "gemmabn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	items := makeItems(5)
	run := func(experiment string, params generator.DecodingParams, gen *echoGenerator) (*Summary, []internal.PredictionRecord) {
		table := newTable()
		summary, err := newRunner(gen, table, Options{
			Experiment: experiment,
			Model:      "gemma-7b-bn-en",
			Params:     params,
			Memory:     db,
		}).Run(context.Background(), items)
		require.NoError(t, err)
		rows, err := table.Read()
		require.NoError(t, err)
		return summary, rows
	}
	newModel := func() *echoGenerator {
		return &echoGenerator{
			generateFunc: func(ctx context.Context, req generator.Request) (*generator.Result, error) {
				return &generator.Result{Sequences: []string{req.Prompt + "\nNEW MODEL OUTPUT"}}, nil
			},
		}
	}

	first := &echoGenerator{}
	_, _ = run("exp1", generator.DefaultDecodingParams(), first)
	assert.Equal(t, int32(5), first.calls.Load())

	// Same model name, different experiment: every item reaches the model.
	second := newModel()
	summary, rows := run("exp2", generator.DefaultDecodingParams(), second)
	assert.Equal(t, int32(5), second.calls.Load())
	assert.Zero(t, summary.Cached)
	assert.Equal(t, "NEW MODEL OUTPUT", rows[0].Prediction)

	// Same experiment, different decoding settings: no reuse either.
	third := newModel()
	summary, _ = run("exp1", generator.DecodingParams{NumBeams: 1, MaxNewTokens: 130}, third)
	assert.Equal(t, int32(5), third.calls.Load())
	assert.Zero(t, summary.Cached)

	// Repeating exp1 with its original settings is served from memory.
	repeat := &echoGenerator{}
	summary, rows = run("exp1", generator.DefaultDecodingParams(), repeat)
	assert.Zero(t, repeat.calls.Load())
	assert.Equal(t, 5, summary.Cached)
	assert.Equal(t, "pred:src-0", rows[0].Prediction)
}

func TestRun_OnItem(t *testing.T) {
	var seen []int
	_, err := newRunner(&echoGenerator{}, newTable(), Options{
		OnItem: func(rec internal.PredictionRecord) { seen = append(seen, rec.Index) },
	}).Run(context.Background(), makeItems(3))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
}
