// Package cmd holds the newsd command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javi11/nntp-storage/config"
)

const (
	Version = "0.3.0"
)

// NewRootCmd builds the command tree. Each call gets its own viper instance
// so commands can be run repeatedly in one process.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "newsd",
		Short: "news article storage server",
		Long: fmt.Sprintf(`newsd (v%s)

Stores Usenet articles in a snapshot file, a keyed store (bolt or badger)
or SQLite, and serves them over NNTP. Settings come from the config file,
then from NEWSD_<FLAG> environment variables and flags.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			initEnv(v)
			return v.BindPFlags(cmd.Flags())
		},
	}

	root.PersistentFlags().StringP("config", "c", "", WrapString("Path to a YAML or TOML config file. Defaults serve news.db from the working directory"))
	root.PersistentFlags().String("backend", "", WrapString("Override the configured backend (snapshot, shelf, sql)"))
	root.PersistentFlags().String("log-level", "", WrapString("Override the log level (debug, info, warn, error)"))

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newGroupCmd(v))
	root.AddCommand(newPostCmd(v))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of newsd",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "newsd v%s\n", Version)
		},
	})
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// initEnv loads .env files and maps NEWSD_* variables onto flags.
func initEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("newsd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// loadConfig reads the config file, if any, and applies overrides from
// flags and the environment.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if b := v.GetString("backend"); b != "" {
		cfg.Backend = b
	}
	if l := v.GetString("log-level"); l != "" {
		cfg.Logging.Level = l
	}
	if a := v.GetString("address"); a != "" {
		cfg.Server.Address = a
	}
	if a := v.GetString("metrics-address"); a != "" {
		cfg.Server.MetricsAddress = a
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the default slog logger.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
