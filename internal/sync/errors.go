package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when a run is requested while another one is executing.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrCursorStalled is returned when a cursor restart would re-issue the exact same query.
	// This happens when more events share a single timestamp than the feed lets us page through.
	ErrCursorStalled = errors.New("change feed cursor did not advance")
)

// DecodeError reports malformed compressed or structured input.
type DecodeError struct {
	// Index is the zero based position of the element being decoded, or -1 when
	// the failure happened outside any element
	Index int
	// Offset is the position in the decompressed input where decoding stopped
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decode failed at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("decode failed at element %d (offset %d): %v", e.Index, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransportError reports a network, HTTP or storage failure on a fetch or write.
type TransportError struct {
	// Op names the failed operation, e.g. "fetch entity" or "put object"
	Op string
	// Target is the URL or object key the operation addressed
	Target string
	// StatusCode is the HTTP status when the failure was an unexpected response, 0 otherwise
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.Target, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidCheckpointError reports a checkpoint that cannot seed an incremental sync:
// it is missing, unreadable, or set to the zero sentinel.
type InvalidCheckpointError struct {
	Partition string
	Key       string
	Err       error
}

func (e *InvalidCheckpointError) Error() string {
	return fmt.Sprintf("invalid checkpoint %q for partition %s: %v", e.Key, e.Partition, e.Err)
}

func (e *InvalidCheckpointError) Unwrap() error {
	return e.Err
}

// PartialBatchFailure reports that one or more operations of a change page failed.
// The page is treated as not applied.
type PartialBatchFailure struct {
	Partition string
	Page      int64
	Failed    int
	Total     int
	// Err is the first failure observed
	Err error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("partition %s page %d: %d of %d operations failed: %v",
		e.Partition, e.Page, e.Failed, e.Total, e.Err)
}

func (e *PartialBatchFailure) Unwrap() error {
	return e.Err
}

// IngestionError reports a failed full ingestion of a partition.
type IngestionError struct {
	Partition string
	// Records is the number of records decoded before the failure
	Records int
	Err     error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion of partition %s failed after %d records: %v", e.Partition, e.Records, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}
