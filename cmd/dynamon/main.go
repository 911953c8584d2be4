package main

import (
	"errors"
	"fmt"
	"os"

	"dynamon/internal/config"
	"dynamon/internal/engine"
	"dynamon/internal/logging"
	"dynamon/internal/session"
	"dynamon/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger

	// newFactory builds the instrumentation engine factory. Swapped in tests.
	newFactory = engine.NewFridaFactory
)

// errRequestFailed is returned after a failed result has been printed.
var errRequestFailed = errors.New("request failed")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dynamon",
	Short: "dynamon - dynamic instrumentation sessions and API monitor analysis",
	Long: `dynamon drives frida against Android apps identified by the MD5 of their
package, captures the API monitor trace and runtime dependency dump, and turns
them into findings.

Apps are registered once (hash -> package name); every other command takes the
hash.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.DebugMode = true
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		cfg = loaded

		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		logging.For(logger, cfg.Logging, logging.CategoryBoot).Debug("config loaded", zap.String("path", path))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .dynamon/config.yaml in the workspace)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(instrumentCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(appsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRequestFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// openStore opens the app registry.
func openStore() (*store.Store, error) {
	return store.NewStore(cfg.Storage.DatabasePath)
}

// newController wires a session controller to the registry and the engine.
func newController(apps session.PackageResolver) *session.Controller {
	factory := newFactory(cfg, logging.For(logger, cfg.Logging, logging.CategoryEngine))
	return session.NewController(factory, apps, cfg, logging.For(logger, cfg.Logging, logging.CategorySession))
}
