// Package cli provides the sercha-kb command line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-kb/internal/adapters/driven/fetcher/file"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-kb/internal/logger"
)

// version is set at build time via -ldflags.
var version = "dev"

// needsEngine marks commands that run against an open knowledge base.
const needsEngine = "needs-engine"

// Runtime is an open knowledge base and the adapters commands use with it.
type Runtime struct {
	KB          driving.KnowledgeBase
	Maintenance driving.Maintenance
	Library     *file.Fetcher
	Metrics     http.Handler
	Close       func() error
}

// Factories build services once flags and the environment are loaded.
type Factories struct {
	Settings func() (driving.SettingsService, error)
	Runtime  func(ctx context.Context, settings driving.SettingsService) (*Runtime, error)
}

var (
	factories Factories

	settingsService driving.SettingsService
	kb              driving.KnowledgeBase
	maintenance     driving.Maintenance
	library         *file.Fetcher
	metricsHandler  http.Handler
	closeRuntime    func() error

	verbose bool
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "sercha-kb",
	Short: "Research paper knowledge base",
	Long: `sercha-kb ingests research papers into a local vector knowledge base
and answers questions about them with cited sources.

Papers are chunked, embedded and indexed. Questions retrieve the most
similar chunks, and a language model answers from them alone.`,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrap,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "environment file to load")
}

// SetFactories installs the constructors used to build services.
func SetFactories(f Factories) {
	factories = f
}

// SetVersion sets the version reported by the version command.
func SetVersion(v string) {
	version = v
}

// Execute runs the root command and releases any opened runtime.
func Execute() error {
	err := rootCmd.Execute()
	if cerr := shutdown(); cerr != nil {
		logger.Warn("closing knowledge base: %v", cerr)
	}
	return err
}

func bootstrap(cmd *cobra.Command, _ []string) error {
	logger.SetVerbose(verbose)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if settingsService == nil && factories.Settings != nil {
		s, err := factories.Settings()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		settingsService = s
	}

	if !requiresEngine(cmd) || kb != nil || factories.Runtime == nil {
		return nil
	}

	rt, err := factories.Runtime(cmd.Context(), settingsService)
	if err != nil {
		return fmt.Errorf("opening knowledge base: %w", err)
	}
	kb = rt.KB
	maintenance = rt.Maintenance
	library = rt.Library
	metricsHandler = rt.Metrics
	closeRuntime = rt.Close
	return nil
}

func requiresEngine(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[needsEngine] != "" {
			return true
		}
	}
	return false
}

func shutdown() error {
	if closeRuntime == nil {
		return nil
	}
	err := closeRuntime()
	closeRuntime = nil
	kb = nil
	maintenance = nil
	library = nil
	metricsHandler = nil
	return err
}

func engineCommand() map[string]string {
	return map[string]string{needsEngine: "true"}
}

func requireKB() error {
	if kb == nil {
		return errors.New("knowledge base not configured")
	}
	return nil
}

func requireMaintenance() error {
	if maintenance == nil {
		return errors.New("maintenance service not configured")
	}
	return nil
}
