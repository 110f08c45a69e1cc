package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/digdir/erproxy-sync/internal/httpclient"
	"github.com/digdir/erproxy-sync/internal/otel"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/sink"
	"github.com/digdir/erproxy-sync/internal/status"
	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
	"github.com/digdir/erproxy-sync/internal/sync/changelog"
	"github.com/digdir/erproxy-sync/internal/sync/snapshot"
	"github.com/digdir/erproxy-sync/internal/sync/state"
	"github.com/digdir/erproxy-sync/internal/telemetry"
)

// Mode is how a partition was synced
type Mode string

const (
	// ModeFull ingests the whole bulk export
	ModeFull Mode = "full"
	// ModeIncremental replays the change feed from the checkpoint
	ModeIncremental Mode = "incremental"
)

// DefaultInterval is the period of the scheduled loop
const DefaultInterval = time.Hour

// Ingestor performs full ingestions
type Ingestor interface {
	IngestSnapshot(ctx context.Context, p registry.Partition, body io.Reader) (*snapshot.Result, error)
}

// Syncer performs incremental syncs
type Syncer interface {
	SyncPartition(ctx context.Context, p registry.Partition) (*changelog.Result, error)
}

// PartitionReport is the outcome of one partition in a run
type PartitionReport struct {
	Partition  string     `json:"partition"`
	Mode       Mode       `json:"mode"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	Written    int        `json:"written"`
	Deleted    int        `json:"deleted"`
	Checkpoint *time.Time `json:"checkpoint,omitempty"`
	Duration   string     `json:"duration"`

	err error
}

// Err returns the error of a failed partition
func (r *PartitionReport) Err() error {
	return r.err
}

// Report is the outcome of a run
type Report struct {
	RunID            string            `json:"runID"`
	ForceFull        bool              `json:"forceFull"`
	ContainerCreated bool              `json:"containerCreated"`
	StartedAt        time.Time         `json:"startedAt"`
	Duration         string            `json:"duration"`
	Partitions       []PartitionReport `json:"partitions"`
}

// Succeeded reports whether every partition succeeded
func (r *Report) Succeeded() bool {
	for _, p := range r.Partitions {
		if !p.Success {
			return false
		}
	}
	return true
}

// Option is a function that configures the coordinator
type Option func(*Coordinator)

// WithSyncMetrics sets the sync metrics for the coordinator
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(c *Coordinator) {
		c.syncMetrics = metrics
	}
}

// WithTracker sets the status tracker updated by every run
func WithTracker(tracker *status.Tracker) Option {
	return func(c *Coordinator) {
		c.tracker = tracker
	}
}

// WithTracer sets the tracer used for run spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithInterval sets the period of the scheduled loop. Zero disables the loop.
func WithInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = interval
	}
}

// WithRunOnStart makes Start run the pipeline immediately
func WithRunOnStart(runOnStart bool) Option {
	return func(c *Coordinator) {
		c.runOnStart = runOnStart
	}
}

// Coordinator runs the sync pipeline
type Coordinator struct {
	client     registry.Client
	sink       sink.Sink
	store      state.Store
	ingestor   Ingestor
	syncer     Syncer
	partitions []registry.Partition

	tracker     *status.Tracker
	syncMetrics *telemetry.SyncMetrics
	tracer      trace.Tracer

	interval   time.Duration
	runOnStart bool

	// held for the duration of a run
	running sync.Mutex

	// Lifecycle management
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

// New creates a new coordinator with injected dependencies
func New(
	client registry.Client,
	s sink.Sink,
	store state.Store,
	ingestor Ingestor,
	syncer Syncer,
	partitions []registry.Partition,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		client:     client,
		sink:       s,
		store:      store,
		ingestor:   ingestor,
		syncer:     syncer,
		partitions: partitions,
		interval:   DefaultInterval,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Partitions returns the partitions the coordinator syncs
func (c *Coordinator) Partitions() []registry.Partition {
	return c.partitions
}

// Run syncs every partition once. The returned report is non-nil whenever the
// run started, and the error joins the failures of all partitions.
func (c *Coordinator) Run(ctx context.Context, forceFull bool) (*Report, error) {
	if !c.running.TryLock() {
		return nil, pkgsync.ErrRunInProgress
	}
	defer c.running.Unlock()

	runStart := time.Now()
	report := &Report{
		RunID:     uuid.NewString(),
		ForceFull: forceFull,
		StartedAt: c.now().UTC(),
	}

	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.Run",
		trace.WithAttributes(
			otel.AttrRunID.String(report.RunID),
			otel.AttrForceFull.Bool(forceFull),
		))
	defer span.End()

	logger := slog.With("run_id", report.RunID)
	logger.InfoContext(ctx, "Starting sync run",
		"force_full", forceFull,
		"partitions", len(c.partitions))

	created, err := c.ensureContainer(ctx)
	if err != nil {
		otel.RecordError(span, err)
		logger.ErrorContext(ctx, "Sync run failed", "error", err)
		return report, err
	}
	if created {
		report.ContainerCreated = true
		report.Duration = time.Since(runStart).String()
		logger.WarnContext(ctx, "Container did not exist and was created, run 'erproxy-sync seed' to populate it")
		return report, nil
	}

	report.Partitions = make([]PartitionReport, len(c.partitions))
	var wg sync.WaitGroup
	for i, p := range c.partitions {
		wg.Go(func() {
			report.Partitions[i] = c.syncPartition(ctx, logger, report.RunID, p, forceFull)
		})
	}
	wg.Wait()

	var errs []error
	for _, pr := range report.Partitions {
		if pr.err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", pr.Partition, pr.err))
		}
	}
	report.Duration = time.Since(runStart).String()

	if err := errors.Join(errs...); err != nil {
		otel.RecordError(span, err)
		logger.ErrorContext(ctx, "Sync run finished with failures",
			"failed", len(errs),
			"duration", report.Duration)
		return report, err
	}

	logger.InfoContext(ctx, "Sync run completed", "duration", report.Duration)
	return report, nil
}

func (c *Coordinator) ensureContainer(ctx context.Context) (bool, error) {
	exists, err := c.sink.ContainerExists(ctx)
	if err != nil {
		return false, &pkgsync.TransportError{Op: "check container", Err: err}
	}
	if exists {
		return false, nil
	}
	if err := c.sink.CreateContainer(ctx); err != nil {
		return false, &pkgsync.TransportError{Op: "create container", Err: err}
	}
	return true, nil
}

// syncPartition syncs one partition. Failures end up in the report, not in the run.
func (c *Coordinator) syncPartition(
	ctx context.Context, logger *slog.Logger, runID string, p registry.Partition, forceFull bool,
) PartitionReport {
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.SyncPartition",
		trace.WithAttributes(otel.AttrPartition.String(p.Name)))
	defer span.End()

	logger = logger.With("partition", p.Name)
	startTime := time.Now()

	mode := ModeIncremental
	if forceFull {
		mode = ModeFull
	}
	c.trackBegin(ctx, p.Name, mode, runID)

	pr := PartitionReport{Partition: p.Name, Mode: mode}

	if mode == ModeIncremental {
		result, err := c.syncer.SyncPartition(ctx, p)
		var checkpointErr *pkgsync.InvalidCheckpointError
		switch {
		case errors.As(err, &checkpointErr):
			logger.WarnContext(ctx, "Checkpoint unusable, falling back to full sync", "error", err)
			mode = ModeFull
			pr.Mode = mode
		case err != nil:
			pr.err = err
		}
		if result != nil {
			pr.Written = result.Written
			pr.Deleted = result.Deleted
			if !result.Checkpoint.IsZero() {
				checkpoint := result.Checkpoint
				pr.Checkpoint = &checkpoint
			}
		}
	}

	if mode == ModeFull {
		written, checkpoint, err := c.fullSync(ctx, p)
		pr.Written = written
		pr.err = err
		if err == nil {
			pr.Checkpoint = &checkpoint
		}
	}

	duration := time.Since(startTime)
	pr.Duration = duration.String()
	pr.Success = pr.err == nil
	span.SetAttributes(otel.AttrMode.String(string(mode)))

	c.syncMetrics.RecordSyncDuration(ctx, p.Name, string(mode), duration, pr.Success)

	if pr.err != nil {
		pr.Error = pr.err.Error()
		otel.RecordError(span, pr.err)
		logger.ErrorContext(ctx, "Partition sync failed",
			"mode", mode,
			"error", pr.err)
		c.trackFail(ctx, p.Name, mode, pr.err)
		return pr
	}

	logger.InfoContext(ctx, "Partition sync completed",
		"mode", mode,
		"written", pr.Written,
		"deleted", pr.Deleted,
		"duration", pr.Duration)
	c.trackComplete(ctx, p.Name, &pr)
	return pr
}

// fullSync ingests the bulk export and sets the checkpoint to the moment the
// download started, so changes made during the download are replayed later.
func (c *Coordinator) fullSync(ctx context.Context, p registry.Partition) (int, time.Time, error) {
	started := c.now().UTC()

	body, err := c.client.OpenSnapshot(ctx, p)
	if err != nil {
		transportErr := &pkgsync.TransportError{Op: "open snapshot", Target: p.SnapshotURL, Err: err}
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) {
			transportErr.StatusCode = httpErr.StatusCode
		}
		return 0, time.Time{}, transportErr
	}
	defer func() {
		_ = body.Close()
	}()

	result, err := c.ingestor.IngestSnapshot(ctx, p, body)
	if err != nil {
		return 0, time.Time{}, err
	}
	c.syncMetrics.RecordRecords(ctx, p.Name, telemetry.OperationWritten, int64(result.Records))

	if err := c.store.Save(ctx, p.CheckpointKey, started); err != nil {
		return result.Records, time.Time{}, &pkgsync.TransportError{
			Op: "save checkpoint", Target: p.CheckpointKey, Err: err,
		}
	}
	c.syncMetrics.RecordCheckpoint(ctx, p.Name, started)

	return result.Records, started, nil
}

func (c *Coordinator) trackBegin(ctx context.Context, partition string, mode Mode, runID string) {
	if c.tracker != nil {
		c.tracker.Begin(ctx, partition, string(mode), runID)
	}
}

func (c *Coordinator) trackFail(ctx context.Context, partition string, mode Mode, err error) {
	if c.tracker != nil {
		c.tracker.Fail(ctx, partition, string(mode), err)
	}
}

func (c *Coordinator) trackComplete(ctx context.Context, partition string, pr *PartitionReport) {
	if c.tracker == nil {
		return
	}
	outcome := status.Outcome{Mode: string(pr.Mode), Written: pr.Written, Deleted: pr.Deleted}
	if pr.Checkpoint != nil {
		outcome.Checkpoint = *pr.Checkpoint
	}
	c.tracker.Complete(ctx, partition, outcome)
}

// calculateInterval returns the interval with a random jitter of up to ±10% applied.
// The jitter keeps replicas from hitting the registry at the same moment.
func calculateInterval(base time.Duration) time.Duration {
	jitter := base / 10
	if jitter <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return base + offset
}

// Start runs the pipeline on the configured interval.
// Blocks until the context is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancelFunc = cancel
	c.done = done
	c.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		slog.Info("Background sync coordinator shutting down")
	}()

	if c.interval <= 0 {
		slog.Info("Scheduled sync disabled")
		if c.runOnStart {
			c.tick(coordCtx)
		}
		<-coordCtx.Done()
		return nil
	}

	interval := calculateInterval(c.interval)
	slog.Info("Starting background sync coordinator",
		"partitions", len(c.partitions),
		"base_interval", c.interval,
		"actual_interval", interval,
		"run_on_start", c.runOnStart)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if c.runOnStart {
		c.tick(coordCtx)
	}

	for {
		select {
		case <-ticker.C:
			c.tick(coordCtx)
			ticker.Reset(calculateInterval(c.interval))
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the scheduled loop and waits for a running tick to finish
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancelFunc, c.done
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		<-done
	}
	return nil
}

func (c *Coordinator) tick(ctx context.Context) {
	_, err := c.Run(ctx, false)
	switch {
	case errors.Is(err, pkgsync.ErrRunInProgress):
		slog.InfoContext(ctx, "Skipping scheduled sync, a run is already in progress")
	case err != nil:
		slog.ErrorContext(ctx, "Scheduled sync failed", "error", err)
	}
}
