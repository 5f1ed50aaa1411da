// Package cli implements the kode-acp command line.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soddygo/kode-acp/internal/config"
)

// Version is reported by initialize responses and --version.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "kode-acp",
	Short: "Agent Client Protocol adapter for the kode agent",
	Long: `kode-acp speaks the Agent Client Protocol over stdio or HTTP and bridges
it to the kode agent: sessions, permission modes, tool mapping and model
profiles.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

var debug bool

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// setupLogging sends logs to stderr; stdout carries protocol records.
func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
}

// loadConfig ensures the data directory exists and reads settings, falling
// back to defaults when settings cannot be read.
func loadConfig() *config.Config {
	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); !debug && err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg
}
