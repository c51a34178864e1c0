package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowtrends",
		Short:         "Rank popular automation workflows across search trends, forums and videos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(collectCmd())
	root.AddCommand(importCmd())
	root.AddCommand(rankCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func collectCmd() *cobra.Command {
	var sources []string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run collectors and replace their snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), sources)
		},
	}

	cmd.Flags().StringSliceVar(&sources, "source", nil, "specific sources to collect (e.g., forum,video)")
	return cmd
}

func importCmd() *cobra.Command {
	var src string

	cmd := &cobra.Command{
		Use:   "import --source SOURCE FILE",
		Short: "Replace a source's snapshot with results from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), src, args[0])
		},
	}

	cmd.Flags().StringVar(&src, "source", "", "source the file belongs to (trend, forum or video)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func rankCmd() *cobra.Command {
	var (
		src        string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Show the current ranking",
		RunE: func(cmd *cobra.Command, args []string) error {
			var override *int
			if cmd.Flags().Changed("limit") {
				override = &limit
			}
			return runRank(cmd.Context(), src, override, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&src, "source", "", "rank a single source (default: all)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max items per source (default: from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
