package main

import (
	"context"
	"fmt"
	"github.com/notargets/haloremap/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"os"
	"os/signal"
	"syscall"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		opts       config.Options
	)

	rootCmd := &cobra.Command{
		Use:   "haloremap",
		Short: "Fill rotated and polar ghost cells across a decomposed grid",
		Long: `haloremap decomposes a structured domain into patches spread over ranks
and fills the ghost cells of boundaries that wrap onto the domain itself:
a 90 or 180 degree rotation, or a polar fold.

Ranks run in-process by default. Give every rank's listen address in
network.peers and start one process per rank to run over TCP.

Every setting may be overridden from the environment, e.g.
  HALOREMAP_RANKS=4 HALOREMAP_FILL=polar haloremap run`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVarP(&opts.Ranks, "ranks", "n", 0, "Number of ranks")
	rootCmd.PersistentFlags().StringVar(&opts.Fill, "fill", "", "Boundary fill: rotate90, rotate180 or polar")
	rootCmd.PersistentFlags().StringVar(&opts.Strategy, "strategy", "", "Data mover: host, flat or occa")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath, opts)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg.LogLevel)
		return cfg, nil
	}

	rootCmd.AddCommand(newRunCmd(load))
	rootCmd.AddCommand(newLayoutCmd(load))
	return rootCmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if lvl <= zerolog.DebugLevel {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured fill and report per-rank checksums",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := load()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to load configuration")
			}
			stopMetrics := serveMetrics(cfg.MetricsAddr)
			defer stopMetrics()

			results, err := Run(cmd.Context(), cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("Fill failed")
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "rank %d: patches=%d checksum=%.6e bytes_sent=%d\n",
					r.Rank, r.Patches, r.Checksum, r.BytesSent)
			}
		},
	}
}

func newLayoutCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the decomposition and per-rank exchange volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return describeLayout(cmd.OutOrStdout(), cfg)
		},
	}
}
