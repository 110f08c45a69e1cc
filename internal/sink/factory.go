package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digdir/erproxy-sync/internal/config"
)

// New creates the sink selected by the configuration
func New(ctx context.Context, cfg config.SinkConfig) (Sink, error) {
	hints := Hints{
		MaxConcurrency:  cfg.GetMaxConcurrency(),
		MaxTransferSize: cfg.GetMaxTransferSize(),
	}

	slog.DebugContext(ctx, "Creating sink",
		"type", cfg.Type,
		"container", cfg.Container,
		"max_concurrency", hints.MaxConcurrency)

	switch cfg.Type {
	case config.SinkTypeS3:
		return NewS3(ctx, cfg.Container, cfg.S3, hints)
	case config.SinkTypeMinio:
		return NewMinio(cfg.Container, cfg.Minio, hints)
	case config.SinkTypeFile:
		if cfg.File == nil {
			return nil, fmt.Errorf("file sink configuration is required")
		}
		return NewFile(cfg.File.Path, cfg.Container, hints)
	case config.SinkTypeMemory:
		return NewMemory(WithMemoryHints(hints)), nil
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}
