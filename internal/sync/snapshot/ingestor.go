// Package snapshot performs full ingestion of a partition from its bulk export.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/digdir/erproxy-sync/internal/otel"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/sink"
	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
	"github.com/digdir/erproxy-sync/internal/sync/decoder"
	"github.com/digdir/erproxy-sync/internal/workpool"
)

// DefaultProgressEvery is how many records pass between progress log lines
const DefaultProgressEvery = 10000

// Result summarizes a completed ingestion
type Result struct {
	Records int
	Elapsed time.Duration
}

// Option configures an Ingestor
type Option func(*Ingestor)

// WithConcurrency sets the number of concurrent writes
func WithConcurrency(n int) Option {
	return func(i *Ingestor) {
		i.concurrency = n
	}
}

// WithCallTimeout bounds every sink write
func WithCallTimeout(d time.Duration) Option {
	return func(i *Ingestor) {
		i.callTimeout = d
	}
}

// WithIDField sets the JSON field holding the entity identifier
func WithIDField(field string) Option {
	return func(i *Ingestor) {
		if field != "" {
			i.idField = field
		}
	}
}

// WithProgressEvery sets how many records pass between progress log lines
func WithProgressEvery(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.progressEvery = n
		}
	}
}

// WithTracer sets the tracer used for ingestion spans
func WithTracer(tracer trace.Tracer) Option {
	return func(i *Ingestor) {
		i.tracer = tracer
	}
}

// Ingestor writes every record of a bulk export to the sink
type Ingestor struct {
	sink          sink.Sink
	concurrency   int
	callTimeout   time.Duration
	idField       string
	progressEvery int
	tracer        trace.Tracer
}

// New creates an Ingestor writing to s
func New(s sink.Sink, opts ...Option) *Ingestor {
	i := &Ingestor{
		sink:          s,
		concurrency:   workpool.DefaultLimit,
		idField:       registry.DefaultIDField,
		progressEvery: DefaultProgressEvery,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IngestSnapshot decodes the compressed export in body and writes each record
// under <tag>/<id>. It returns once every dispatched write has finished.
// It does not touch the checkpoint.
func (i *Ingestor) IngestSnapshot(ctx context.Context, p registry.Partition, body io.Reader) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, i.tracer, "snapshot.Ingest",
		trace.WithAttributes(otel.AttrPartition.String(p.Name)))
	defer span.End()

	start := time.Now()
	slog.InfoContext(ctx, "Starting snapshot ingestion", "partition", p.Name)

	dec, err := decoder.New(body)
	if err != nil {
		ingestErr := &pkgsync.IngestionError{Partition: p.Name, Err: err}
		otel.RecordError(span, ingestErr)
		return nil, ingestErr
	}
	defer func() {
		_ = dec.Close()
	}()

	pool := workpool.New(ctx, i.concurrency, workpool.WithTaskTimeout(i.callTimeout))
	var written atomic.Int64

	var decodeErr error
records:
	for {
		// a failed write cancels the pool, stop reading the export
		select {
		case <-pool.Done():
			break records
		default:
		}

		raw, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			decodeErr = err
			break
		}

		key, data, err := i.prepare(p, raw, dec.Count()-1)
		if err != nil {
			decodeErr = err
			break
		}

		scheduled := pool.Go(func(ctx context.Context) error {
			if err := i.sink.Put(ctx, key, data, registry.ContentTypeJSON); err != nil {
				return &pkgsync.TransportError{Op: "put object", Target: key, Err: err}
			}
			if n := written.Add(1); n%int64(i.progressEvery) == 0 {
				slog.DebugContext(ctx, "Snapshot ingestion progress", "partition", p.Name, "records", n)
			}
			return nil
		})
		if !scheduled {
			break
		}
	}

	if decodeErr != nil {
		pool.Cancel()
	}
	waitErr := pool.Wait()

	if err := errors.Join(decodeErr, waitErr); err != nil {
		ingestErr := &pkgsync.IngestionError{Partition: p.Name, Records: dec.Count(), Err: err}
		otel.RecordError(span, ingestErr)
		slog.ErrorContext(ctx, "Snapshot ingestion failed",
			"partition", p.Name,
			"records", written.Load(),
			"error", err)
		return nil, ingestErr
	}

	result := &Result{Records: int(written.Load()), Elapsed: time.Since(start)}
	span.SetAttributes(otel.AttrRecordCount.Int(result.Records))
	slog.InfoContext(ctx, "Snapshot ingestion completed",
		"partition", p.Name,
		"records", result.Records,
		"elapsed", result.Elapsed.String())
	return result, nil
}

// prepare extracts the key of a decoded record and compacts its bytes
func (i *Ingestor) prepare(p registry.Partition, raw json.RawMessage, index int) (string, []byte, error) {
	id := gjson.GetBytes(raw, i.idField)
	if !id.Exists() || id.String() == "" {
		return "", nil, &pkgsync.DecodeError{
			Index: index,
			Err:   fmt.Errorf("record has no %q field", i.idField),
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", nil, &pkgsync.DecodeError{Index: index, Err: err}
	}
	return p.EntityKey(id.String()), buf.Bytes(), nil
}
