package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deepcrawl",
		Short: "A concurrent crawl-and-process engine.",
		Long: `deepcrawl walks a frontier of URLs with a bounded worker pool and pushes
every fetched page through an extract-and-store pipeline under rate
limits and a retry budget. Runs are configured through a YAML file plus
DEEPCRAWL_* environment variables.`,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Define persistent flags.
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus DEEPCRAWL_* env vars when omitted)")

	// Add subcommands.
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point. Interrupts cancel the command context,
// which starts a graceful drain instead of killing the process.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "deepcrawl: %v\n", err)
		os.Exit(1)
	}
}
