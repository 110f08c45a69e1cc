// Package sync holds the types shared by the registry synchronization pipeline.
//
// The pipeline mirrors the business registry into an object store. It is split
// into subpackages, leaf first:
//
//   - sync/decoder: streams records out of a gzip compressed JSON array
//   - sync/state: durable per-partition checkpoints stored through the sink
//   - sync/snapshot: full ingestion of a partition from its bulk export
//   - sync/changelog: incremental sync of a partition from the change feed
//   - sync/coordinator: decides full vs incremental per partition and schedules runs
//   - sync/seed: the standalone initial load used before the first scheduled run
//
// # Errors
//
// Every stage reports failures through the error types defined here so callers
// can tell a malformed payload (DecodeError) from a network or storage failure
// (TransportError), an unusable checkpoint (InvalidCheckpointError), a page that
// was only partly applied (PartialBatchFailure) and a failed full ingestion
// (IngestionError). All types implement Unwrap and are matched with errors.As.
package sync
