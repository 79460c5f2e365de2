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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/valpere/gemmabn/internal"
)

var runsExperiment string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
	Long:  `List inference runs recorded in the SQLite run ledger and show per-run row counts.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(context.Background(), runsExperiment)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEXPERIMENT\tDATASET\tMODEL\tITEMS\tSTART\tSTATUS\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.ID, r.Experiment, r.Dataset, r.Model, r.TotalItems, r.StartIndex,
				r.Status, humanize.Time(r.CreatedAt))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run and its durable row counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		run, err := db.GetRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get run: %w", err)
		}
		counts, err := db.RowStatusCounts(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to count rows: %w", err)
		}

		fmt.Printf("Run:         %s\n", run.ID)
		fmt.Printf("Experiment:  %s\n", run.Experiment)
		fmt.Printf("Dataset:     %s (%s-%s)\n", run.Dataset, run.SourceLang, run.TargetLang)
		fmt.Printf("Model:       %s via %s\n", run.Model, run.Backend)
		fmt.Printf("Table:       %s\n", run.TablePath)
		fmt.Printf("Status:      %s\n", run.Status)
		if run.Error != "" {
			fmt.Printf("Error:       %s\n", run.Error)
		}
		fmt.Printf("Started:     %s (row %d of %d)\n", humanize.Time(run.CreatedAt), run.StartIndex, run.TotalItems)
		fmt.Printf("Rows ok:     %d\n", counts[internal.StatusOK])
		fmt.Printf("No match:    %d\n", counts[internal.StatusNoMatch])
		fmt.Printf("Errors:      %d\n", counts[internal.StatusError])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.PersistentFlags().String("db", "", "Run ledger database path")
	runsListCmd.Flags().StringVar(&runsExperiment, "experiment", "", "Only runs of this experiment")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}
