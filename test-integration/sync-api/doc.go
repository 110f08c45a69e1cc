// Package integration provides integration tests for erproxy-sync.
// They run the trigger API against a fake business registry and a local
// directory sink, covering the full and the incremental sync path.
package integration
