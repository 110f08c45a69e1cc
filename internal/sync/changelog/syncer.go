// Package changelog applies the registry change feed to the sink incrementally.
package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/digdir/erproxy-sync/internal/httpclient"
	"github.com/digdir/erproxy-sync/internal/otel"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/sink"
	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
	"github.com/digdir/erproxy-sync/internal/sync/state"
	"github.com/digdir/erproxy-sync/internal/telemetry"
	"github.com/digdir/erproxy-sync/internal/workpool"
)

const (
	// DefaultPageSize is the number of events requested per page
	DefaultPageSize = 30

	// DefaultCursorParam is the query parameter carrying the cursor
	DefaultCursorParam = "dato"
)

var errZeroCheckpoint = errors.New("checkpoint is the zero sentinel")

// Result summarizes an incremental sync of one partition
type Result struct {
	Pages    int
	Events   int
	Written  int
	Deleted  int
	Restarts int

	// StartCheckpoint is the checkpoint the run started from
	StartCheckpoint time.Time
	// Checkpoint is the last persisted checkpoint
	Checkpoint time.Time
}

// Option configures a Syncer
type Option func(*Syncer)

// WithPageSize sets the number of events requested per page
func WithPageSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithConcurrency sets the number of events resolved concurrently
func WithConcurrency(n int) Option {
	return func(s *Syncer) {
		s.concurrency = n
	}
}

// WithCallTimeout bounds every entity fetch and sink operation
func WithCallTimeout(d time.Duration) Option {
	return func(s *Syncer) {
		s.callTimeout = d
	}
}

// WithStrategy replaces the pagination strategy
func WithStrategy(strategy PaginationStrategy) Option {
	return func(s *Syncer) {
		if strategy != nil {
			s.strategy = strategy
		}
	}
}

// WithCursorParam sets the query parameter carrying the cursor
func WithCursorParam(param string) Option {
	return func(s *Syncer) {
		if param != "" {
			s.cursorParam = param
		}
	}
}

// WithTracer sets the tracer used for sync spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Syncer) {
		s.tracer = tracer
	}
}

// WithMetrics sets the sync metrics. Nil disables them.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(s *Syncer) {
		s.metrics = metrics
	}
}

// Syncer replays the change feed of a partition from its checkpoint
type Syncer struct {
	client      registry.Client
	sink        sink.Sink
	store       state.Store
	pageSize    int
	concurrency int
	callTimeout time.Duration
	strategy    PaginationStrategy
	cursorParam string
	tracer      trace.Tracer
	metrics     *telemetry.SyncMetrics
}

// New creates a Syncer
func New(client registry.Client, s sink.Sink, store state.Store, opts ...Option) *Syncer {
	syncer := &Syncer{
		client:      client,
		sink:        s,
		store:       store,
		pageSize:    DefaultPageSize,
		concurrency: workpool.DefaultLimit,
		strategy:    OffsetCapRestart{MaxOffset: DefaultMaxOffset},
		cursorParam: DefaultCursorParam,
	}
	for _, opt := range opts {
		opt(syncer)
	}
	return syncer
}

// SyncPartition applies every change since the stored checkpoint.
//
// A missing, corrupt or zero checkpoint yields an *InvalidCheckpointError before
// any request is made. The checkpoint is persisted after each fully applied page
// and only ever moves forward. On failure the partial result is returned along
// with the error.
func (s *Syncer) SyncPartition(ctx context.Context, p registry.Partition) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "changelog.SyncPartition",
		trace.WithAttributes(otel.AttrPartition.String(p.Name)))
	defer span.End()

	result, err := s.syncPartition(ctx, p)
	if result != nil {
		span.SetAttributes(
			otel.AttrPageCount.Int(result.Pages),
			otel.AttrRecordCount.Int(result.Written),
			otel.AttrDeleteCount.Int(result.Deleted),
			otel.AttrRestartCount.Int(result.Restarts),
			otel.AttrCheckpoint.String(registry.FormatCursor(result.Checkpoint)),
		)
	}
	if err != nil {
		otel.RecordError(span, err)
		return result, err
	}
	return result, nil
}

func (s *Syncer) syncPartition(ctx context.Context, p registry.Partition) (*Result, error) {
	start, err := s.loadCheckpoint(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &Result{StartCheckpoint: start, Checkpoint: start}
	slog.InfoContext(ctx, "Starting incremental sync",
		"partition", p.Name,
		"checkpoint", registry.FormatCursor(start))

	cursor := start
	pageURL, err := registry.ChangesURL(p, s.cursorParam, cursor, s.pageSize, 0)
	if err != nil {
		return result, err
	}

	for {
		page, err := s.client.FetchChanges(ctx, pageURL)
		if err != nil {
			return result, transportError("fetch change page", pageURL, err)
		}
		result.Pages++

		events := page.Events(p.EmbeddedKey)
		if len(events) == 0 {
			slog.DebugContext(ctx, "Change page is empty", "partition", p.Name, "page", page.Page.Number)
			break
		}

		written, deleted, err := s.applyPage(ctx, p, page, events)
		result.Written += written
		result.Deleted += deleted
		s.metrics.RecordRecords(ctx, p.Name, telemetry.OperationWritten, int64(written))
		s.metrics.RecordRecords(ctx, p.Name, telemetry.OperationDeleted, int64(deleted))
		if err != nil {
			return result, err
		}
		result.Events += len(events)

		if latest := latestDate(events); latest.After(result.Checkpoint) {
			if err := s.store.Save(ctx, p.CheckpointKey, latest); err != nil {
				return result, &pkgsync.TransportError{Op: "save checkpoint", Target: p.CheckpointKey, Err: err}
			}
			result.Checkpoint = latest
			s.metrics.RecordCheckpoint(ctx, p.Name, latest)
		}

		slog.DebugContext(ctx, "Applied change page",
			"partition", p.Name,
			"page", page.Page.Number,
			"events", len(events),
			"checkpoint", registry.FormatCursor(result.Checkpoint))

		decision := s.strategy.Next(page)
		if decision.Action == Stop {
			break
		}
		if decision.Action == Follow {
			pageURL = decision.URL
			continue
		}

		if !result.Checkpoint.After(cursor) {
			return result, fmt.Errorf("partition %s at %s: %w",
				p.Name, registry.FormatCursor(cursor), pkgsync.ErrCursorStalled)
		}
		cursor = result.Checkpoint
		result.Restarts++
		pageURL, err = registry.ChangesURL(p, s.cursorParam, cursor, s.pageSize, 0)
		if err != nil {
			return result, err
		}
		slog.InfoContext(ctx, "Restarting change query from advanced checkpoint",
			"partition", p.Name,
			"checkpoint", registry.FormatCursor(cursor))
	}

	slog.InfoContext(ctx, "Incremental sync completed",
		"partition", p.Name,
		"pages", result.Pages,
		"events", result.Events,
		"written", result.Written,
		"deleted", result.Deleted,
		"checkpoint", registry.FormatCursor(result.Checkpoint))
	return result, nil
}

func (s *Syncer) loadCheckpoint(ctx context.Context, p registry.Partition) (time.Time, error) {
	start, err := s.store.Load(ctx, p.CheckpointKey)
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrCorrupt):
		return time.Time{}, &pkgsync.InvalidCheckpointError{Partition: p.Name, Key: p.CheckpointKey, Err: err}
	case err != nil:
		return time.Time{}, &pkgsync.TransportError{Op: "load checkpoint", Target: p.CheckpointKey, Err: err}
	case start.IsZero():
		return time.Time{}, &pkgsync.InvalidCheckpointError{
			Partition: p.Name, Key: p.CheckpointKey, Err: errZeroCheckpoint,
		}
	}
	return start, nil
}

// applyPage resolves every event of a page. All events are attempted, and any
// failure turns the page into a *PartialBatchFailure.
func (s *Syncer) applyPage(
	ctx context.Context, p registry.Partition, page *registry.ChangePage, events []registry.ChangeEvent,
) (int, int, error) {
	pool := workpool.New(ctx, s.concurrency, workpool.WithTaskTimeout(s.callTimeout))

	var written, deleted atomic.Int64
	var mu sync.Mutex
	var failures []error

	for i, ev := range events {
		scheduled := pool.Go(func(ctx context.Context) error {
			deletion, err := s.resolve(ctx, p, i, ev)
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			if deletion {
				deleted.Add(1)
			} else {
				written.Add(1)
			}
			return nil
		})
		if !scheduled {
			break
		}
	}

	waitErr := pool.Wait()
	w, d := int(written.Load()), int(deleted.Load())

	if len(failures) > 0 {
		slog.WarnContext(ctx, "Change page partially failed",
			"partition", p.Name,
			"page", page.Page.Number,
			"failed", len(failures),
			"total", len(events),
			"error", failures[0])
		return w, d, &pkgsync.PartialBatchFailure{
			Partition: p.Name,
			Page:      page.Page.Number,
			Failed:    len(failures),
			Total:     len(events),
			Err:       failures[0],
		}
	}
	if waitErr != nil {
		return w, d, waitErr
	}
	return w, d, nil
}

// resolve fetches the current state of one changed entity and mirrors it.
// It reports whether the entity was deleted.
func (s *Syncer) resolve(ctx context.Context, p registry.Partition, index int, ev registry.ChangeEvent) (bool, error) {
	if ev.OrganizationNumber == "" {
		return false, &pkgsync.DecodeError{
			Index: index,
			Err:   fmt.Errorf("change event %d has no organization number", ev.UpdateID),
		}
	}

	key := p.EntityKey(ev.OrganizationNumber)
	link := p.ResourceLink(ev)

	resp, err := s.client.FetchEntity(ctx, link)
	if err != nil {
		return false, transportError("fetch entity", link, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if !gjson.ValidBytes(resp.Body) || !gjson.ParseBytes(resp.Body).IsObject() {
			return false, &pkgsync.DecodeError{Index: index, Err: fmt.Errorf("entity %s is not a JSON object", key)}
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, resp.Body); err != nil {
			return false, &pkgsync.DecodeError{Index: index, Err: err}
		}
		if err := s.sink.Put(ctx, key, buf.Bytes(), registry.ContentTypeJSON); err != nil {
			return false, &pkgsync.TransportError{Op: "put object", Target: key, Err: err}
		}
		return false, nil

	case http.StatusNotFound, http.StatusGone:
		if err := s.sink.Delete(ctx, key); err != nil {
			return false, &pkgsync.TransportError{Op: "delete object", Target: key, Err: err}
		}
		return true, nil

	default:
		return false, &pkgsync.TransportError{Op: "fetch entity", Target: link, StatusCode: resp.StatusCode}
	}
}

func latestDate(events []registry.ChangeEvent) time.Time {
	var latest time.Time
	for _, ev := range events {
		if ev.Date.After(latest) {
			latest = ev.Date
		}
	}
	return latest
}

func transportError(op, target string, err error) error {
	transportErr := &pkgsync.TransportError{Op: op, Target: target, Err: err}
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		transportErr.StatusCode = httpErr.StatusCode
	}
	return transportErr
}
