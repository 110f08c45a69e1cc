package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/digdir/erproxy-sync/internal/app"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync every partition once and exit",
		Long: `Sync every partition once and print the run report as JSON.
The command fails when any partition failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			tel, err := setupTelemetry(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			opts := []syncapp.Option{syncapp.WithConfig(cfg)}
			if tel != nil {
				opts = append(opts, syncapp.WithTelemetry(tel))
			}
			components, err := syncapp.BuildComponents(ctx, opts...)
			if err != nil {
				return err
			}

			report, runErr := components.Coordinator.Run(ctx, v.GetBool("force-full"))
			if report != nil {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			if runErr != nil {
				slog.ErrorContext(ctx, "Sync run failed", "error", runErr)
				return fmt.Errorf("sync run failed: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().Bool("force-full", false, "Ingest every partition from its bulk export")
	if err := v.BindPFlag("force-full", cmd.Flags().Lookup("force-full")); err != nil {
		slog.Error("Error binding force-full flag", "error", err)
	}
	return cmd
}
