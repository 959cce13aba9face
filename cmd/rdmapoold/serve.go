package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockforge/rdmapool/internal/config"
	"github.com/blockforge/rdmapool/internal/server"
)

var (
	configPath string
	debug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rdmapoold daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !debug {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("node_id", cfg.NodeID).
		Msg("starting rdmapoold")

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Info().Msg("rdmapoold shutdown complete")
	return nil
}
