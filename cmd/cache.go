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

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheModel string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the prediction memory",
	Long:  `Inspect and clear the SQLite prediction memory used to skip already generated prompts.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show prediction memory statistics",
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

		stats, err := db.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Total entries: %s\n", humanize.Comma(int64(stats.TotalEntries)))
		fmt.Printf("Total usage:   %s\n", humanize.Comma(int64(stats.TotalUsage)))
		fmt.Printf("Models:        %d\n", stats.Models)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove prediction memory entries",
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

		n, err := db.ClearMemory(context.Background(), cacheModel)
		if err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		fmt.Printf("Cleared %d entries from prediction memory.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.PersistentFlags().String("db", "", "Run ledger database path")
	cacheClearCmd.Flags().StringVar(&cacheModel, "model", "", "Only clear entries for this model")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}
