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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/valpere/gemmabn/internal/corpus"
	"github.com/valpere/gemmabn/internal/detector"
	"github.com/valpere/gemmabn/internal/metrics"
	"github.com/valpere/gemmabn/internal/results"
	"github.com/valpere/gemmabn/internal/store"
	"github.com/valpere/gemmabn/internal/validator"
)

var (
	scoreBenchmarks []string
	skipLangCheck   bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score prediction tables",
	Long: `Compute corpus BLEU, WER and CER for each benchmark's prediction table,
together with NO_MATCH and ERROR counts and the share of predictions that
came out in the wrong language.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pair, err := cfg.Pair()
		if err != nil {
			return err
		}
		benches, err := corpus.Resolve(scoreBenchmarks)
		if err != nil {
			return err
		}

		var val *validator.Validator
		if !skipLangCheck {
			det, err := detector.NewFromCodes(pair.Source.Code, pair.Target.Code)
			if err != nil {
				return err
			}
			val = validator.NewWithDetector(det)
		}

		// Ledger statuses are authoritative when the ledger exists; the table
		// alone cannot tell a literal "ERROR" answer from a failed item.
		var db *store.Store
		if _, statErr := os.Stat(cfg.DB); cfg.DB != "" && statErr == nil {
			db, err = openStore(cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BENCHMARK\tROWS\tBLEU\tWER\tCER\tNO_MATCH\tERROR\tWRONG_LANG")
		for _, bench := range benches {
			table := results.NewTable(nil, results.PathFor(cfg.ResultsDir, cfg.Experiment, cfg.FilePrefix, bench.Tag))
			rows, err := table.Read()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintf(os.Stderr, "No predictions for %s in %s, skipping\n", bench.Name, table.Path())
				continue
			}

			if db != nil {
				statuses, err := db.TableRowStatuses(context.Background(), table.Path())
				if err != nil {
					return fmt.Errorf("failed to read row statuses: %w", err)
				}
				results.ApplyStatuses(rows, statuses)
			}

			report := metrics.Score(rows)
			wrongLang := "-"
			if val != nil {
				lr := val.Check(rows, pair.Target.Code)
				wrongLang = fmt.Sprintf("%.1f%%", 100*lr.Rate())
			}
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.3f\t%.3f\t%d\t%d\t%s\n",
				bench.Tag, report.Rows, report.BLEU.Score, report.WER, report.CER,
				report.NoMatch, report.Errors, wrongLang)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().StringSliceVarP(&scoreBenchmarks, "benchmark", "b", []string{"all"}, "Benchmarks to score: rising, supara, all")
	scoreCmd.Flags().BoolVar(&skipLangCheck, "skip-lang-check", false, "Skip wrong-language detection")
	addCorpusFlags(scoreCmd)
	scoreCmd.Flags().String("db", "", "Run ledger database path")
}
