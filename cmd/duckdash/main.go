// Package main provides the entry point for the duckdash server and CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TFMV/duckdash/cmd/duckdash/config"
	"github.com/TFMV/duckdash/pkg/cache"
	"github.com/TFMV/duckdash/pkg/connection"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/infrastructure/pool"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/workbench"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "duckdash",
	Short: "duckdash relation workbench",
	Long: `duckdash caches query results as DuckDB tables and keeps workbench state
(open relations, views, dashboards) in the connected database.

Example:
  duckdash serve --database ./warehouse.duckdb
  duckdash query --database ./warehouse.duckdb "SELECT 42"`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("database", ":memory:", "DuckDB database path or md: URL")
	flags.Bool("read-only", false, "open the database read-only")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, console)")
	flags.String("storage-backend", "local", "state backend before a database is connected (local, memory)")
	flags.String("storage-path", "", "local state file")
	flags.String("state-key", "duckdash-state", "key the state is saved under")

	bindFlags(flags, map[string]string{
		"database":        "database",
		"read-only":       "read_only",
		"log-level":       "log_level",
		"log-format":      "log_format",
		"storage-backend": "storage.backend",
		"storage-path":    "storage.local_path",
		"state-key":       "storage.state_key",
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "duckdash\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bindFlags binds flags to config keys.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(level, format string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "duckdash")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}

func connectionConfig(cfg *config.Config) connection.Config {
	return connection.Config{
		Session: pool.Config{
			DSN:                    cfg.Database,
			ReadOnly:               cfg.ReadOnly,
			EnableSlowQueryLogging: true,
			SlowQueryThreshold:     cfg.SlowQueryThreshold,
		},
		Destination: models.StorageDestination{
			TableName:    cfg.Storage.Table,
			SchemaName:   cfg.Storage.Schema,
			DatabaseName: cfg.Storage.Database,
		},
		MotherDuckToken: cfg.MotherDuckToken,
	}
}

// openWorkbench builds the workbench and connects it to the configured
// database, if any.
func openWorkbench(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m metrics.Collector) (*workbench.Workbench, error) {
	wb, err := workbench.New(ctx, workbench.Config{
		Storage: workbench.StorageConfig{
			Backend:   cfg.Storage.Backend,
			LocalPath: cfg.Storage.LocalPath,
			StateKey:  cfg.Storage.StateKey,
		},
		Cache: cache.DefaultConfig().
			WithTablePrefix(cfg.Cache.TablePrefix).
			WithStats(cfg.Cache.EnableStats),
	}, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create workbench: %w", err)
	}

	if cfg.Database != "" {
		if _, err := wb.Connect(ctx, connectionConfig(cfg)); err != nil {
			_ = wb.Close(ctx)
			return nil, fmt.Errorf("failed to connect to %s: %w", pool.MaskDSN(cfg.Database), err)
		}
	}
	return wb, nil
}

// withWorkbench runs fn against a connected workbench and closes it after.
// CLI commands log to stderr so their stdout stays machine readable.
func withWorkbench(cmd *cobra.Command, fn func(ctx context.Context, wb *workbench.Workbench) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	wb, err := openWorkbench(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := wb.Close(ctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("Error closing workbench")
		}
	}()
	return fn(ctx, wb)
}
