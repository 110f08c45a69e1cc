// Package v1 provides the REST handlers of the sync trigger API.
package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/digdir/erproxy-sync/internal/api/common"
	"github.com/digdir/erproxy-sync/internal/service"
	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
)

// Routes defines the routes of the trigger API
type Routes struct {
	service service.SyncService
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc service.SyncService) *Routes {
	return &Routes{service: svc}
}

// Router creates a new router for the trigger API
func Router(svc service.SyncService) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Get("/sync", routes.triggerSync)
	r.Post("/sync", routes.triggerSync)
	r.Get("/status", routes.listStatus)
	r.Get("/status/{partition}", routes.getStatus)

	return r
}

// triggerSync handles GET|POST /api/v1/sync
//
// The run continues when the client goes away, a run already in progress
// answers 409.
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	forceFull := forceRequested(r)

	report, err := rr.service.Sync(context.WithoutCancel(r.Context()), forceFull)
	switch {
	case errors.Is(err, pkgsync.ErrRunInProgress):
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
	case report == nil && err != nil:
		slog.ErrorContext(r.Context(), "Sync run failed to start", "error", err)
		common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
	case err != nil:
		common.WriteJSONResponse(w, SyncResponse{Report: report, Error: err.Error()}, http.StatusInternalServerError)
	default:
		common.WriteJSONResponse(w, SyncResponse{Report: report}, http.StatusOK)
	}
}

// listStatus handles GET /api/v1/status
func (rr *Routes) listStatus(w http.ResponseWriter, r *http.Request) {
	common.WriteJSONResponse(w, StatusResponse{Partitions: rr.service.ListStatus(r.Context())}, http.StatusOK)
}

// getStatus handles GET /api/v1/status/{partition}
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	partition, err := common.PathParam(r, "partition")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := rr.service.GetStatus(r.Context(), partition)
	if errors.Is(err, service.ErrPartitionNotFound) {
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, st, http.StatusOK)
}

// forceRequested accepts force=<bool> and the bare forceupdate flag
func forceRequested(r *http.Request) bool {
	query := r.URL.Query()
	if query.Has("forceupdate") {
		return true
	}
	force, err := strconv.ParseBool(query.Get("force"))
	return err == nil && force
}
