/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/valpere/gemmabn/internal"
	"github.com/valpere/gemmabn/internal/config"
	"github.com/valpere/gemmabn/internal/corpus"
	"github.com/valpere/gemmabn/internal/objectstore"
	"github.com/valpere/gemmabn/internal/orchestrator"
	"github.com/valpere/gemmabn/internal/prompt"
	"github.com/valpere/gemmabn/internal/results"
	"github.com/valpere/gemmabn/internal/runner"
	"github.com/valpere/gemmabn/internal/store"
)

var (
	predictBenchmarks []string
	restart           bool
	continueOnError   bool
	noCache           bool
	noProgress        bool
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run checkpointed batch inference over benchmarks",
	Long: `Generate a prediction for every benchmark sentence and append them to
<results-dir>/<experiment>/<prefix>_<tag>_preds.csv every --checkpoint-interval
items.

An interrupted run resumes at the first row not yet in the table. Use
--restart to discard the table and start over.

Available benchmarks: rising, supara, all

Backends:
  - hf      text-generation server (POST /generate)
  - ollama  Ollama raw completion (POST /api/generate)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pair, err := cfg.Pair()
		if err != nil {
			return err
		}
		benches, err := corpus.Resolve(predictBenchmarks)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gen, err := buildGenerator(cfg)
		if err != nil {
			return err
		}
		if err := gen.IsAvailable(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s backend not reachable: %v\n", gen.Name(), err)
		}
		orch := orchestrator.New(gen, orchestrator.OrchestratorConfig{
			Timeout:     cfg.Generation.Timeout,
			MaxAttempts: cfg.Generation.MaxAttempts,
			RetryDelay:  2 * time.Second,
		})

		var db *store.Store
		if cfg.DB != "" {
			db, err = openStore(cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()
		}

		mirror, err := buildMirror(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to set up mirror: %w", err)
		}

		instruction := prompt.InferenceInstruction(pair.Oriented(prompt.SourceToTarget))

		for _, bench := range benches {
			if err := predictBenchmark(ctx, cfg, pair, bench, orch, db, mirror, instruction); err != nil {
				return fmt.Errorf("%s: %w", bench.Name, err)
			}
		}
		return nil
	},
}

func predictBenchmark(ctx context.Context, cfg *config.Config, pair prompt.Pair, bench corpus.Benchmark,
	orch *orchestrator.Orchestrator, db *store.Store, mirror *objectstore.Mirror, instruction string) error {
	records, err := bench.Load(cfg.DataDir, pair.Source.Code, pair.Target.Code)
	if err != nil {
		return err
	}
	prompts := prompt.BuildInferenceSet(records, pair)
	items := make([]runner.Item, len(records))
	for i, rec := range records {
		items[i] = runner.Item{Index: i, Prompt: prompts[i], Source: rec.Source, Target: rec.Target}
	}

	table := results.NewTable(nil, results.PathFor(cfg.ResultsDir, cfg.Experiment, cfg.FilePrefix, bench.Tag))
	if restart {
		if err := table.Remove(); err != nil {
			return err
		}
	}
	start, err := table.Len()
	if err != nil {
		return err
	}

	opts := runner.Options{
		CheckpointInterval: cfg.CheckpointInterval,
		Instruction:        instruction,
		Params:             decodingParams(cfg),
		ContinueOnError:    continueOnError,
		Experiment:         cfg.Experiment,
		Model:              cfg.Generation.Model,
	}

	var runID string
	if db != nil {
		runID, err = db.CreateRun(ctx, store.Run{
			Experiment: cfg.Experiment,
			Dataset:    bench.Tag,
			TablePath:  table.Path(),
			Backend:    cfg.Generation.Backend,
			Model:      cfg.Generation.Model,
			SourceLang: pair.Source.Code,
			TargetLang: pair.Target.Code,
			TotalItems: len(items),
			StartIndex: start,
		})
		if err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		opts.RunID = runID
		opts.Ledger = db
		if !noCache {
			opts.Memory = db
		}
	}
	if mirror != nil {
		opts.AfterFlush = mirror.Upload
	}

	fmt.Fprintf(os.Stderr, "%s: %s items, %s already in %s\n",
		bench.Name, humanize.Comma(int64(len(items))), humanize.Comma(int64(start)), table.Path())

	if !noProgress && start < len(items) {
		bar := progressbar.NewOptions(len(items),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(bench.Tag),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
		bar.Set(start)
		opts.OnItem = func(internal.PredictionRecord) { bar.Add(1) }
		defer bar.Finish()
	}

	summary, err := runner.New(orch, table, opts).Run(ctx, items)
	if err != nil {
		if db != nil {
			if ferr := db.FailRun(context.WithoutCancel(ctx), runID, err.Error()); ferr != nil {
				klog.Warningf("failed to mark run %s failed: %v", runID, ferr)
			}
		}
		if summary != nil && summary.Written > 0 {
			fmt.Fprintf(os.Stderr, "%s rows saved to %s before stopping\n", humanize.Comma(int64(summary.Written)), table.Path())
		}
		return err
	}
	if db != nil {
		if err := db.CompleteRun(ctx, runID); err != nil {
			klog.Warningf("failed to mark run %s completed: %v", runID, err)
		}
	}

	fmt.Printf("%s: %s predictions in %s (%d checkpoints, %d cached, %d no-match, %d errors) -> %s\n",
		bench.Name, humanize.Comma(int64(summary.Processed)), summary.Elapsed.Round(time.Second),
		summary.Flushes, summary.Cached, summary.NoMatch, summary.Errors, table.Path())
	return nil
}

// addCorpusFlags registers flags shared by commands that locate benchmarks
// and result tables.
func addCorpusFlags(cmd *cobra.Command) {
	cmd.Flags().String("experiment", "", "Experiment name (results subdirectory)")
	cmd.Flags().String("data-dir", "", "Benchmark data directory")
	cmd.Flags().String("results-dir", "", "Results directory")
	cmd.Flags().String("prefix", "", "Result file prefix")
	cmd.Flags().String("source-lang", "", "Source language code")
	cmd.Flags().String("target-lang", "", "Target language code")
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().StringSliceVarP(&predictBenchmarks, "benchmark", "b", []string{"all"}, "Benchmarks to run: rising, supara, all")
	predictCmd.Flags().BoolVar(&restart, "restart", false, "Discard existing result tables and start over")
	predictCmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Record ERROR for failed items instead of stopping")
	predictCmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip the prediction memory")
	predictCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	addCorpusFlags(predictCmd)
	predictCmd.Flags().Int("checkpoint-interval", 0, "Rows per checkpoint flush")
	predictCmd.Flags().String("db", "", "Run ledger database path")

	predictCmd.Flags().String("backend", "", "Generation backend: hf, ollama")
	predictCmd.Flags().String("base-url", "", "Generation server URL")
	predictCmd.Flags().String("model", "", "Model name")
	predictCmd.Flags().Int("num-beams", 0, "Beam width")
	predictCmd.Flags().Int("max-new-tokens", 0, "Maximum generated tokens")
	predictCmd.Flags().Duration("timeout", 0, "Per-attempt generation timeout")
	predictCmd.Flags().Int("max-attempts", 0, "Generation attempts per item")
	predictCmd.Flags().String("release-url", "", "Endpoint POSTed to free accelerator memory")
	predictCmd.Flags().String("mirror-endpoint", "", "S3-compatible endpoint for result mirroring")
	predictCmd.Flags().String("mirror-bucket", "", "Mirror bucket")
}
