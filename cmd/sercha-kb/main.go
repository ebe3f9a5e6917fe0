// Command sercha-kb is a local knowledge base for research papers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/ai"
	configfile "github.com/custodia-labs/sercha-kb/internal/adapters/driven/config/file"
	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/fetcher/file"
	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/storage/sqlite"
	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/vector/arena"
	"github.com/custodia-labs/sercha-kb/internal/adapters/driving/cli"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-kb/internal/core/services"
	"github.com/custodia-labs/sercha-kb/internal/metrics"
	"github.com/custodia-labs/sercha-kb/internal/normalisers/html"
	"github.com/custodia-labs/sercha-kb/internal/normalisers/markdown"
	"github.com/custodia-labs/sercha-kb/internal/normalisers/plaintext"
	"github.com/custodia-labs/sercha-kb/internal/postprocessors/chunker"
)

// version is set at build time via -ldflags.
var version = "dev"

// homeDirName is the per-user directory holding config, data and prompts.
const homeDirName = ".sercha-kb"

func main() {
	cli.SetVersion(version)
	cli.SetFactories(cli.Factories{
		Settings: newSettingsService,
		Runtime:  openRuntime,
	})

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, homeDirName), nil
}

func newSettingsService() (driving.SettingsService, error) {
	store, err := configfile.NewConfigStore("")
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	return services.NewSettingsService(store, ai.NewConfigValidator()), nil
}

// openRuntime wires the adapters into an engine and opens it.
func openRuntime(ctx context.Context, settingsService driving.SettingsService) (*cli.Runtime, error) {
	if settingsService == nil {
		return nil, errors.New("settings service not configured")
	}
	settings, err := settingsService.Get()
	if err != nil {
		return nil, err
	}

	home, err := homeDir()
	if err != nil {
		return nil, err
	}
	dataDir := settings.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(home, "data")
	}
	libraryDir := settings.LibraryDir
	if libraryDir == "" {
		libraryDir = filepath.Join(home, "library")
	}

	cfg := settings.Engine
	index, err := arena.New(cfg.Dimension, cfg.Metric)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.NewStore(dataDir)
	if err != nil {
		return nil, err
	}

	prompts, err := configfile.NewPromptStore(filepath.Join(home, "prompts"))
	if err != nil {
		store.Close()
		return nil, err
	}

	// Missing AI services leave the engine usable for listing and maintenance.
	aiServices := ai.Init(settings)

	library := file.NewFetcher(libraryDir,
		file.WithConverter(".md", markdown.New()),
		file.WithConverter(".markdown", markdown.New()),
		file.WithConverter(".html", html.New()),
		file.WithConverter(".htm", html.New()),
	)
	m := metrics.New()

	engine, err := services.NewEngine(cfg, dataDir, services.Dependencies{
		Embedder:   aiServices.Embedder,
		Generator:  aiServices.Generator,
		Index:      index,
		Metadata:   store.MetadataStore(),
		Intents:    store.IntentLog(),
		Fetcher:    library,
		Prompts:    prompts,
		Normaliser: plaintext.New(),
		Chunker: chunker.New(chunker.WithEngineConfig(cfg)),
		Metrics: m,
	})
	if err != nil {
		aiServices.Close()
		store.Close()
		return nil, err
	}

	if err := engine.Open(ctx); err != nil {
		aiServices.Close()
		engine.Close()
		return nil, err
	}

	return &cli.Runtime{
		KB:          engine,
		Maintenance: engine,
		Library:     library,
		Metrics:     m.Handler(),
		Close: func() error {
			aiServices.Close()
			return engine.Close()
		},
	}, nil
}
