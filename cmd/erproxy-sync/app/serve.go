package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/digdir/erproxy-sync/internal/app"
)

const telemetryShutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the trigger API and the scheduled sync loop",
		Long: `Start the HTTP trigger API together with the scheduled sync loop.

POST /api/v1/sync runs a sync and answers with the run report, add force=true
to ingest every partition from its bulk export.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	cmd.Flags().String("address", "", "Address to listen on (default from config, then :8080)")
	if err := v.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		slog.Error("Error binding address flag", "error", err)
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
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
	if address := v.GetString("address"); address != "" {
		opts = append(opts, syncapp.WithAddress(address))
	}
	if tel != nil {
		opts = append(opts, syncapp.WithTelemetry(tel))
	}

	application, err := syncapp.NewSyncApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	return application.Stop(cfg.Server.GetShutdownTimeout())
}
