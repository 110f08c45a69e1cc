// Package app provides the commands of the erproxy-sync binary.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/digdir/erproxy-sync/internal/config"
	"github.com/digdir/erproxy-sync/internal/telemetry"
	"github.com/digdir/erproxy-sync/internal/versions"
)

// ParseLogLevel maps a level name to a slog.Level. An empty name is info,
// unknown names report false and are info too.
func ParseLogLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewRootCmd creates the root command. A --log-level flag updates level.
func NewRootCmd(level *slog.LevelVar) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "erproxy-sync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Mirror the business registry into an object store",
		Long: `erproxy-sync keeps an object store in sync with the units and subunits of the
business registry. A run ingests the bulk export of a partition when no checkpoint
exists and replays the change feed from the checkpoint otherwise.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("log-level") || level == nil {
				return nil
			}
			parsed, ok := ParseLogLevel(v.GetString("log-level"))
			if !ok {
				return fmt.Errorf("invalid log level: %s", v.GetString("log-level"))
			}
			level.Set(parsed)
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	for _, name := range []string{"config", "log-level"} {
		if err := v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newRunCmd(v))
	rootCmd.AddCommand(newSeedCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to read format flag: %w", err)
			}
			return printVersion(cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

func printVersion(w io.Writer, format string) error {
	info := versions.GetVersionInfo()
	switch format {
	case "json":
		return writeJSON(w, info)
	case "":
		_, err := fmt.Fprintln(w, info.String())
		return err
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

// loadConfig loads the file named by --config, or the defaults without one
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		slog.Info("No configuration file given, using defaults")
		return config.LoadConfig()
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", path,
		"partitions", len(cfg.Partitions),
		"sink", cfg.Sink.Type)
	return cfg, nil
}

// setupTelemetry creates the telemetry providers. It returns nil when the
// configuration has no telemetry section.
func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	if cfg.Telemetry == nil || !cfg.Telemetry.Enabled {
		return nil, nil
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
	}
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	if tel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		slog.Warn("Failed to flush telemetry", "error", err)
	}
}
