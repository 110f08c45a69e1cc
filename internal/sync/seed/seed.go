// Package seed performs the standalone initial load of a sink, optionally
// keeping the downloaded bulk exports for later runs.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.opentelemetry.io/otel/trace"

	"github.com/digdir/erproxy-sync/internal/httpclient"
	"github.com/digdir/erproxy-sync/internal/otel"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/sink"
	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
	"github.com/digdir/erproxy-sync/internal/sync/snapshot"
	"github.com/digdir/erproxy-sync/internal/sync/state"
)

// Source tells where the records of a seeded partition came from
type Source string

const (
	// SourceRegistry means the export was streamed from the registry
	SourceRegistry Source = "registry"
	// SourceCache means a previously downloaded export was read
	SourceCache Source = "cache"
)

// Options controls the download cache
type Options struct {
	// CacheDir holds downloaded_<tag>.json.gz files. Empty disables the cache.
	CacheDir string

	// KeepDownloaded stores the streamed export in CacheDir
	KeepDownloaded bool

	// UseDownloaded reads the export from CacheDir when present
	UseDownloaded bool
}

// Result summarizes one seeded partition
type Result struct {
	Partition  string
	Source     Source
	Records    int
	Checkpoint time.Time
	Elapsed    time.Duration
}

// CacheFile returns the name of the cached export of a partition
func CacheFile(p registry.Partition) string {
	return "downloaded_" + p.Tag + ".json.gz"
}

// Ingestor writes the records of a bulk export to the sink
type Ingestor interface {
	IngestSnapshot(ctx context.Context, p registry.Partition, body io.Reader) (*snapshot.Result, error)
}

// Option configures a Seeder
type Option func(*Seeder)

// WithTracer sets the tracer for seed spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Seeder) {
		s.tracer = tracer
	}
}

// Seeder loads full exports into a sink
type Seeder struct {
	client   registry.Client
	sink     sink.Sink
	store    state.Store
	ingestor Ingestor
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Seeder writing records through ingestor and checkpoints to store
func New(client registry.Client, s sink.Sink, store state.Store, ingestor Ingestor, opts ...Option) *Seeder {
	seeder := &Seeder{
		client:   client,
		sink:     s,
		store:    store,
		ingestor: ingestor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(seeder)
	}
	return seeder
}

// Seed loads every partition in parallel. Results are returned in partition
// order for the partitions that succeeded, the error joins all failures.
func (s *Seeder) Seed(ctx context.Context, partitions []registry.Partition, opts Options) ([]Result, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "seed.Seed")
	defer span.End()

	if err := s.ensureContainer(ctx); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	var cache billy.Filesystem
	if opts.CacheDir != "" {
		if opts.KeepDownloaded {
			if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create cache directory: %w", err)
			}
		}
		cache = osfs.New(opts.CacheDir)
	}

	var (
		wg      sync.WaitGroup
		results = make([]*Result, len(partitions))
		errs    = make([]error, len(partitions))
	)
	for i, p := range partitions {
		wg.Go(func() {
			res, err := s.seedPartition(ctx, p, cache, opts)
			if err != nil {
				slog.ErrorContext(ctx, "Seeding failed", "partition", p.Name, "error", err)
				errs[i] = fmt.Errorf("partition %s: %w", p.Name, err)
				return
			}
			slog.InfoContext(ctx, "Partition seeded",
				"partition", p.Name,
				"source", res.Source,
				"records", res.Records,
				"checkpoint", state.Format(res.Checkpoint),
				"elapsed", res.Elapsed)
			results[i] = res
		})
	}
	wg.Wait()

	out := make([]Result, 0, len(partitions))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}

	err := errors.Join(errs...)
	otel.RecordError(span, err)
	return out, err
}

func (s *Seeder) ensureContainer(ctx context.Context) error {
	exists, err := s.sink.ContainerExists(ctx)
	if err != nil {
		return &pkgsync.TransportError{Op: "check container", Err: err}
	}
	if exists {
		return nil
	}
	slog.InfoContext(ctx, "Creating missing container")
	if err := s.sink.CreateContainer(ctx); err != nil {
		return &pkgsync.TransportError{Op: "create container", Err: err}
	}
	return nil
}

func (s *Seeder) seedPartition(
	ctx context.Context,
	p registry.Partition,
	cache billy.Filesystem,
	opts Options,
) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "seed.Partition",
		trace.WithAttributes(otel.AttrPartition.String(p.Name)))
	defer span.End()

	start := time.Now()
	res, err := s.load(ctx, p, cache, opts)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	if err := s.store.Save(ctx, p.CheckpointKey, res.Checkpoint); err != nil {
		err = &pkgsync.TransportError{Op: "save checkpoint", Target: p.CheckpointKey, Err: err}
		otel.RecordError(span, err)
		return nil, err
	}

	res.Elapsed = time.Since(start)
	span.SetAttributes(otel.AttrRecordCount.Int(res.Records))
	return res, nil
}

// load ingests the export of one partition from the cache or the registry
func (s *Seeder) load(
	ctx context.Context,
	p registry.Partition,
	cache billy.Filesystem,
	opts Options,
) (*Result, error) {
	name := CacheFile(p)

	if cache != nil && opts.UseDownloaded {
		res, err := s.loadCached(ctx, p, cache, name)
		switch {
		case err == nil:
			return res, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
		slog.InfoContext(ctx, "No downloaded export found, fetching from registry",
			"partition", p.Name, "file", name)
	}

	checkpoint := s.now().UTC()
	stream, err := s.client.OpenSnapshot(ctx, p)
	if err != nil {
		te := &pkgsync.TransportError{Op: "open snapshot", Target: p.SnapshotURL, Err: err}
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) {
			te.StatusCode = httpErr.StatusCode
		}
		return nil, te
	}
	defer func() {
		_ = stream.Close()
	}()

	if cache == nil || !opts.KeepDownloaded {
		ingested, err := s.ingestor.IngestSnapshot(ctx, p, stream)
		if err != nil {
			return nil, err
		}
		return &Result{Partition: p.Name, Source: SourceRegistry, Records: ingested.Records, Checkpoint: checkpoint}, nil
	}

	records, err := keepDownloaded(ctx, cache, name, stream, func(r io.Reader) (int, error) {
		ingested, err := s.ingestor.IngestSnapshot(ctx, p, r)
		if err != nil {
			return 0, err
		}
		return ingested.Records, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Partition: p.Name, Source: SourceRegistry, Records: records, Checkpoint: checkpoint}, nil
}

func (s *Seeder) loadCached(ctx context.Context, p registry.Partition, cache billy.Filesystem, name string) (*Result, error) {
	info, err := cache.Stat(name)
	if err != nil {
		return nil, err
	}
	f, err := cache.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open downloaded export: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	slog.InfoContext(ctx, "Using downloaded export", "partition", p.Name, "file", name)
	ingested, err := s.ingestor.IngestSnapshot(ctx, p, f)
	if err != nil {
		return nil, err
	}
	return &Result{
		Partition:  p.Name,
		Source:     SourceCache,
		Records:    ingested.Records,
		Checkpoint: info.ModTime().UTC(),
	}, nil
}

// keepDownloaded tees stream into a temp file while ingest consumes it. The
// file replaces name only once the stream was read to its end without error.
func keepDownloaded(
	ctx context.Context,
	cache billy.Filesystem,
	name string,
	stream io.Reader,
	ingest func(io.Reader) (int, error),
) (int, error) {
	tmp, err := cache.TempFile("", ".downloading-")
	if err != nil {
		return 0, fmt.Errorf("failed to create download file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = cache.Remove(tmpName)
		}
	}()

	tee := io.TeeReader(stream, tmp)
	records, err := ingest(tee)
	if err != nil {
		return 0, err
	}
	// the decoder stops at the closing bracket, the gzip trailer must land too
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return 0, fmt.Errorf("failed to finish download: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close download file: %w", err)
	}
	if err := cache.Rename(tmpName, name); err != nil {
		_ = cache.Remove(tmpName)
		committed = true
		return 0, fmt.Errorf("failed to store downloaded export: %w", err)
	}
	committed = true
	return records, nil
}
