package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dynamon/internal/analysis"
	"dynamon/internal/logging"
	"dynamon/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// analyzeCmd analyses the captures of one app
var analyzeCmd = &cobra.Command{
	Use:   "analyze [hash]",
	Short: "Analyse captured API calls and runtime dependencies",
	Long: `Groups the captured API calls by category, decodes Base64 payloads seen
in android.util.Base64 calls, filters the runtime dependency dump down to
third-party packages, stores the findings and prints them.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

// findingsCmd prints stored findings
var findingsCmd = &cobra.Command{
	Use:   "findings [hash]",
	Short: "Print the findings stored by the last analyze",
	Args:  cobra.ExactArgs(1),
	RunE:  runFindings,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	hash := args[0]
	if err := validHash(hash); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	findings, err := analyze(cmd.Context(), st, hash)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), findings)
}

// analyze runs the API monitor and dependency analyses side by side and
// stores the combined findings.
func analyze(ctx context.Context, st *store.Store, hash string) (*store.Findings, error) {
	pkg, err := st.PackageName(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no app registered for %s", hash)
		}
		return nil, err
	}

	log := logging.For(logger, cfg.Logging, logging.CategoryAnalysis).With(zap.String("hash", hash))
	appDir := cfg.Storage.AppDir(hash)
	findings := &store.Findings{Hash: hash, Package: pkg}

	var g errgroup.Group
	g.Go(func() error {
		findings.APIMonitor = analysis.Analyze(log, appDir)
		return nil
	})
	g.Go(func() error {
		findings.Dependencies = analysis.DependencyAnalysis(log, pkg, appDir).Sorted()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	findings.UpdatedAt = time.Now().UTC()
	if err := st.SaveFindings(ctx, *findings); err != nil {
		return nil, err
	}
	log.Info("findings stored",
		zap.Int("api_groups", findings.APIMonitor.APIs.Len()),
		zap.Int("strings", len(findings.APIMonitor.Strings)),
		zap.Int("dependencies", len(findings.Dependencies)))
	return findings, nil
}

func runFindings(cmd *cobra.Command, args []string) error {
	if err := validHash(args[0]); err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	findings, err := st.Findings(cmd.Context(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no findings for %s, run analyze first", args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), findings)
}
