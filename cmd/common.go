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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/valpere/gemmabn/internal/config"
	"github.com/valpere/gemmabn/internal/generator"
	"github.com/valpere/gemmabn/internal/objectstore"
	"github.com/valpere/gemmabn/internal/store"
)

// buildGenerator constructs the generation backend named in the config.
func buildGenerator(cfg *config.Config) (generator.Generator, error) {
	g := cfg.Generation
	switch g.Backend {
	case "hf":
		return generator.NewHFGenerator(g.BaseURL, g.Model, g.ReleaseURL), nil
	case "ollama":
		return generator.NewOllamaGenerator(g.BaseURL, g.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation backend: %s", g.Backend)
	}
}

func decodingParams(cfg *config.Config) generator.DecodingParams {
	return generator.DecodingParams{
		NumBeams:     cfg.Generation.NumBeams,
		MaxNewTokens: cfg.Generation.MaxNewTokens,
	}
}

// openStore opens the run ledger, creating its directory when needed.
func openStore(path string) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// buildMirror returns nil when no mirror endpoint is configured.
func buildMirror(ctx context.Context, cfg *config.Config) (*objectstore.Mirror, error) {
	m, err := objectstore.New(cfg.Mirror, cfg.Experiment)
	if errors.Is(err, objectstore.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
