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
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/valpere/gemmabn/internal/corpus"
	"github.com/valpere/gemmabn/internal/prompt"
	"github.com/valpere/gemmabn/internal/tokenizer"
)

var (
	prepTrainFile string
	prepValidFile string
	prepOutDir    string
	prepLimit     int
	prepVocab     string
	prepMaxSeqLen int
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Build instruction-formatted training and validation sets",
	Long: `Read the train and validation splits (JSONL or CSV with one column per
language code) and write train.jsonl and valid.jsonl of Gemma chat-format
prompts for the external trainer.

The training set holds both translation directions and is shuffled with
--seed. The validation set holds the configured direction only.

With --vocab, prompts longer than --max-seq-length tokens are reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pair, err := cfg.Pair()
		if err != nil {
			return err
		}

		train, err := corpus.ReadSplit(prepTrainFile, pair.Source.Code, pair.Target.Code)
		if err != nil {
			return err
		}
		if prepLimit > 0 && len(train) > prepLimit {
			train = train[:prepLimit]
		}
		valid, err := corpus.ReadSplit(prepValidFile, pair.Source.Code, pair.Target.Code)
		if err != nil {
			return err
		}

		trainPrompts := prompt.BuildTrainingSet(train, pair, cfg.Seed)
		validPrompts := prompt.BuildValidationSet(valid, pair)

		if err := os.MkdirAll(prepOutDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		trainPath := filepath.Join(prepOutDir, "train.jsonl")
		validPath := filepath.Join(prepOutDir, "valid.jsonl")
		if err := corpus.WritePrompts(trainPath, trainPrompts); err != nil {
			return err
		}
		if err := corpus.WritePrompts(validPath, validPrompts); err != nil {
			return err
		}

		fmt.Printf("Wrote %s training prompts to %s\n", humanize.Comma(int64(len(trainPrompts))), trainPath)
		fmt.Printf("Wrote %s validation prompts to %s\n", humanize.Comma(int64(len(validPrompts))), validPath)

		if prepVocab == "" {
			return nil
		}
		proc, err := tokenizer.NewFromPath(prepVocab)
		if err != nil {
			return err
		}
		report := tokenizer.CheckLengths(proc, trainPrompts, prepMaxSeqLen)
		klog.V(1).Infof("longest training prompt: %d tokens", report.Longest)
		if report.OverLimit > 0 {
			fmt.Fprintf(os.Stderr, "Warning: %s of %s training prompts exceed %d tokens and will be truncated\n",
				humanize.Comma(int64(report.OverLimit)), humanize.Comma(int64(report.Total)), prepMaxSeqLen)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(prepareCmd)

	prepareCmd.Flags().StringVar(&prepTrainFile, "train", "", "Training split (JSONL or CSV)")
	prepareCmd.Flags().StringVar(&prepValidFile, "valid", "", "Validation split (JSONL or CSV)")
	prepareCmd.Flags().StringVarP(&prepOutDir, "out", "o", "./data/prompts", "Output directory")
	prepareCmd.Flags().IntVar(&prepLimit, "limit", 10000, "Use only the first N training records (0 = all)")
	prepareCmd.Flags().StringVar(&prepVocab, "vocab", "", "SentencePiece model for length checks")
	prepareCmd.Flags().IntVar(&prepMaxSeqLen, "max-seq-length", tokenizer.DefaultMaxSeqLength, "Token limit used with --vocab")
	prepareCmd.Flags().Int64("seed", prompt.DefaultSeed, "Training set shuffle seed")
	prepareCmd.Flags().String("source-lang", "bn", "Source language code")
	prepareCmd.Flags().String("target-lang", "en", "Target language code")

	prepareCmd.MarkFlagRequired("train")
	prepareCmd.MarkFlagRequired("valid")
}
