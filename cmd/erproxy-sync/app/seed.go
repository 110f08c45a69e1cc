package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/digdir/erproxy-sync/internal/app"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/sink"
	"github.com/digdir/erproxy-sync/internal/sync/seed"
)

const (
	typesUnits    = registry.TagUnits
	typesSubunits = registry.TagSubunits
	typesBoth     = "both"
)

func newSeedCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the bulk exports and record their checkpoints",
		Long: `Load the bulk export of each selected partition into the sink and record
its checkpoint, so that the next run replays the change feed from there.

With --output the records are written below a local directory instead of the
configured sink. --keep-downloaded stores each export in --cache-dir, and
--use-downloaded loads a stored export instead of downloading it again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd.Context(), v)
		},
	}

	cmd.Flags().String("output", "", "Write records below this directory instead of the configured sink")
	cmd.Flags().String("cache-dir", ".", "Directory for downloaded exports")
	cmd.Flags().Bool("keep-downloaded", false, "Keep the downloaded exports in the cache directory")
	cmd.Flags().Bool("use-downloaded", false, "Load exports from the cache directory when present")
	cmd.Flags().String("types", typesBoth, "Partitions to seed (enheter, underenheter or both)")
	for _, name := range []string{"output", "cache-dir", "keep-downloaded", "use-downloaded", "types"} {
		if err := v.BindPFlag("seed."+name, cmd.Flags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}
	return cmd
}

func runSeed(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	opts := []syncapp.Option{syncapp.WithConfig(cfg)}
	if output := v.GetString("seed.output"); output != "" {
		outputSink, err := outputSink(output, sink.Hints{
			MaxConcurrency:  cfg.Sink.GetMaxConcurrency(),
			MaxTransferSize: cfg.Sink.GetMaxTransferSize(),
		})
		if err != nil {
			return err
		}
		opts = append(opts, syncapp.WithSink(outputSink))
	}

	components, err := syncapp.BuildComponents(ctx, opts...)
	if err != nil {
		return err
	}

	partitions, err := selectPartitions(components.Partitions, v.GetString("seed.types"))
	if err != nil {
		return err
	}

	results, err := components.Seeder.Seed(ctx, partitions, seed.Options{
		CacheDir:       v.GetString("seed.cache-dir"),
		KeepDownloaded: v.GetBool("seed.keep-downloaded"),
		UseDownloaded:  v.GetBool("seed.use-downloaded"),
	})
	for _, r := range results {
		slog.InfoContext(ctx, "Seeded partition",
			"partition", r.Partition,
			"source", r.Source,
			"records", r.Records,
			"checkpoint", r.Checkpoint,
			"elapsed", r.Elapsed)
	}
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	return nil
}

// outputSink maps an output directory onto a file sink whose container is
// the last path element
func outputSink(output string, hints sink.Hints) (sink.Sink, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		return nil, fmt.Errorf("invalid output directory %q: %w", output, err)
	}
	if filepath.Dir(abs) == abs {
		return nil, fmt.Errorf("invalid output directory %q: cannot be the filesystem root", output)
	}
	fileSink, err := sink.NewFile(filepath.Dir(abs), filepath.Base(abs), hints)
	if err != nil {
		return nil, err
	}
	return fileSink, nil
}

func selectPartitions(all []registry.Partition, types string) ([]registry.Partition, error) {
	switch types {
	case typesBoth, "":
		return all, nil
	case typesUnits, typesSubunits:
	default:
		return nil, fmt.Errorf("invalid --types %q: must be %s, %s or %s", types, typesUnits, typesSubunits, typesBoth)
	}

	var selected []registry.Partition
	for _, p := range all {
		if p.Tag == types {
			selected = append(selected, p)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no configured partition has tag %s", types)
	}
	return selected, nil
}
