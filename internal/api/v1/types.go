package v1

import (
	"github.com/digdir/erproxy-sync/internal/status"
	"github.com/digdir/erproxy-sync/internal/sync/coordinator"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string `json:"status" example:"ready"`
}

// SyncResponse is returned by the sync trigger
type SyncResponse struct {
	*coordinator.Report
	Error string `json:"error,omitempty"`
}

// StatusResponse lists the sync status of every partition
type StatusResponse struct {
	Partitions map[string]*status.SyncStatus `json:"partitions"`
}
