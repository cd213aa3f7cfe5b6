package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jakebutler98/slurm-batch-downloader/internal/cli"
)

var (
	configPath string
	verbose    bool
	logFormat  string
)

func main() {
	// The scheduler sends SIGTERM before killing a job that hit its time limit.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}

	cancel()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sbd",
		Short: "Batch downloader for job arrays on a shared volume",
		Long: `sbd downloads one large file per job-array task into a shared,
space-constrained volume:
- run: fetch the artifact for one task with resumable transfers
- plan, map: check an input list before submitting the array
- status, reconcile: inspect outcomes and repair reservations`,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./sbd.yaml if present)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	// Set up CLI pkg variables
	cli.ConfigPath = &configPath
	cli.Verbose = &verbose
	cli.LogFormat = &logFormat

	// Add subcommands
	cmd.AddCommand(
		cli.NewRunCmd(),
		cli.NewMapCmd(),
		cli.NewPlanCmd(),
		cli.NewReconcileCmd(),
		cli.NewStatusCmd(),
		cli.NewConfigCmd(),
		cli.NewVersionCmd(),
	)

	return cmd
}
