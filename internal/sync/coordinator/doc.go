// Package coordinator runs the sync pipeline over every configured partition.
//
// A run checks that the sink container exists, then syncs all partitions in
// parallel. Each partition replays the change feed from its checkpoint, or falls
// back to a full ingestion of the bulk export when the checkpoint is unusable or
// a full sync is forced:
//
//	coord := coordinator.New(client, sink, store, ingestor, syncer, partitions,
//	    coordinator.WithInterval(time.Hour),
//	    coordinator.WithTracker(tracker),
//	)
//
//	report, err := coord.Run(ctx, false)
//
// Only one run executes at a time, a concurrent Run returns
// sync.ErrRunInProgress. A failed partition never affects its siblings, their
// errors are joined into the returned error and every partition gets its own
// entry in the Report.
//
// # Scheduling
//
// Start runs the pipeline on a jittered ticker until the context is cancelled
// or Stop is called. Tick failures are logged and metered, the next tick retries
// the whole run.
//
// # Missing container
//
// When the container does not exist the run creates it and returns without
// syncing anything. Populating a fresh container is the job of the seed command.
package coordinator
