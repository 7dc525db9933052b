// Package cmd defines and implements the CLI commands for the deepcrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/deepcrawl/internal/config"
	"github.com/JakeFAU/deepcrawl/internal/logging"
	"github.com/JakeFAU/deepcrawl/internal/supervisor"
)

// newCrawlCmd creates and configures the 'crawl' subcommand, which drives one
// complete crawl run: seed the frontier, crawl until it is exhausted or the
// process is interrupted, then drain and report.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts a crawl run",
		Long: `Seeds the frontier from the configured start URLs and crawls until it is
exhausted or the process is interrupted, draining in-flight work before
exiting. While the run is active its state is served on the operational
HTTP endpoints.`,

		RunE: runCrawlCommand,
	}
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	engine, err := supervisor.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := engine.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	logger.Info("crawl command finished")
	return nil
}
